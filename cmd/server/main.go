package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/config"
	"chatserver/internal/db"
	clog "chatserver/internal/log"
	"chatserver/internal/moderation"
	"chatserver/internal/mw"
	"chatserver/internal/observability"
	"chatserver/internal/presence"
	"chatserver/internal/server"
	"chatserver/internal/service"
	"chatserver/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	shutdownTracing, err := observability.SetupTracing(cfg.TracingEnabled, "chatserver", os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup")
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), time.Minute)
	gdb, err := db.Connect(connectCtx, cfg.DatabaseDSN)
	cancelConnect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if cfg.DBAutoMigrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
	}

	var extra []string
	if cfg.ModerationPatternsFile != "" {
		extra, err = moderation.LoadPatternFile(cfg.ModerationPatternsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ModerationPatternsFile).Msg("load moderation patterns")
		}
	}
	mod, err := moderation.New(extra...)
	if err != nil {
		log.Fatal().Err(err).Msg("compile moderation patterns")
	}
	log.Info().Int("patterns", len(mod.Patterns())).Msg("moderation ready")

	var mirror presence.Mirror
	var redisMirror *presence.RedisMirror
	if cfg.RedisAddr != "" {
		redisMirror = presence.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisMirror.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, presence mirror will retry per call")
		}
		cancel()
		mirror = redisMirror
	}
	tracker := presence.NewTracker(gdb, mirror)
	{
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DBTimeout)
		n, err := tracker.ResetAll(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("reset presence")
		}
		if n > 0 {
			log.Info().Int64("users", n).Msg("cleared stale online flags")
		}
	}

	messages := service.NewMessageService(gdb, mod, cfg)
	registry := ws.NewRegistry()
	dispatcher := ws.NewDispatcher(registry, messages, tracker, auth.JWTVerifier{Secret: cfg.JWTSecret}, cfg.DBTimeout)
	hub := ws.NewHub(cfg, registry, dispatcher)

	handler := server.NewHandler(gdb, service.NewUserService(gdb, cfg), messages, service.NewConversationService(gdb), tracker, hub)
	rl := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	rl.Start()
	r := server.SetupRouter(cfg, gdb, handler, hub, rl)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := hub.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("websocket shutdown")
	}
	rl.Stop()
	if redisMirror != nil {
		_ = redisMirror.Close()
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("server stopped")
}
