package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	DBAutoMigrate         bool
	DBTimeout             time.Duration
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	DailyMessageLimit   int
	MaxMessageLength    int
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	QuotaTimezone       string

	WSIdleTimeout time.Duration
	WSFrameRate   float64
	WSFrameBurst  int

	ModerationPatternsFile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TracingEnabled bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析失败或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量读取配置；若存在 .env 文件会先加载，但不会覆盖已有变量。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatserver port=5432 sslmode=disable TimeZone=UTC"),
		DBAutoMigrate:         getenvBool("DB_AUTO_MIGRATE", false),
		DBTimeout:             getenvDuration("DB_TIMEOUT", 5*time.Second),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),

		DailyMessageLimit:   getenvInt("DAILY_MESSAGE_LIMIT", 25),
		MaxMessageLength:    getenvInt("MAX_MESSAGE_LENGTH", 5000),
		HistoryDefaultLimit: getenvInt("HISTORY_DEFAULT_LIMIT", 50),
		HistoryMaxLimit:     getenvInt("HISTORY_MAX_LIMIT", 200),
		QuotaTimezone:       getenv("QUOTA_TIMEZONE", "UTC"),

		WSIdleTimeout: getenvDuration("WS_IDLE_TIMEOUT", 60*time.Second),
		WSFrameRate:   getenvFloat("WS_FRAME_RATE", 10),
		WSFrameBurst:  getenvInt("WS_FRAME_BURST", 20),

		ModerationPatternsFile: getenv("MODERATION_PATTERNS_FILE", ""),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		TracingEnabled: getenvBool("TRACING_ENABLED", false),
	}
}

// Validate 拒绝无法启动的配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.QuotaTimezone != "" {
		if _, err := time.LoadLocation(cfg.QuotaTimezone); err != nil {
			return errors.New("QUOTA_TIMEZONE is not a valid location")
		}
	}
	return nil
}

// Location 返回计算“当天”配额所用的时区。
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil || c.QuotaTimezone == "" {
		return time.UTC
	}
	return loc
}
