package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatserver/internal/config"
	"chatserver/internal/models"
	"chatserver/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid password", "password123", false},
		{"empty password", "", false},
		{"long password", "a" + string(make([]byte, 70)), false}, // bcrypt max is 72 bytes
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	userID := uint(42)

	token, err := GenerateAccessToken(userID, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID uint
		wantErr bool
	}{
		{"valid token", token, secret, userID, false},
		{"wrong secret", token, "wrong-secret", 0, true},
		{"invalid token", "invalid.token.here", secret, 0, true},
		{"empty token", "", secret, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && claims.UserID != tt.wantUID {
				t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	secret := "test-secret"
	// Generate token with -1 minute TTL (already expired)
	token, err := GenerateAccessToken(1, secret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseAccessToken(token, secret)
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token1, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	token2, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	if token1 == "" {
		t.Error("GenerateRefreshToken() returned empty token")
	}

	if token1 == token2 {
		t.Error("GenerateRefreshToken() should generate unique tokens")
	}

	// Check token length (hex encoded 32 bytes = 64 chars)
	if len(token1) != 64 {
		t.Errorf("GenerateRefreshToken() token length = %d, want 64", len(token1))
	}
}

func TestJWTVerifier_Verify(t *testing.T) {
	secret := "test-secret"
	v := JWTVerifier{Secret: secret}
	token, err := GenerateAccessToken(7, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	expired, err := GenerateAccessToken(7, secret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		userID  uint
		wantErr bool
		is      error
	}{
		{"matching user", token, 7, false, nil},
		{"other user", token, 8, true, ErrTokenMismatch},
		{"garbage token", "not-a-jwt", 7, true, nil},
		{"expired token", expired, 7, true, nil},
		{"empty token", "", 7, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.token, tt.userID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Verify() error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken(3, "issuer-secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if err := (JWTVerifier{Secret: "other-secret"}).Verify(token, 3); err == nil {
		t.Error("Verify() should reject a token signed with another secret")
	}
}

func TestParseAccessToken_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := ParseAccessToken(token, "secret"); err == nil {
		t.Error("ParseAccessToken() accepted an unsigned token")
	}
}

func TestRefreshTokenStore(t *testing.T) {
	gdb := testutil.NewDB(t)
	u := testutil.CreateUser(t, gdb, "alice", false)

	live, _ := GenerateRefreshToken()
	stale, _ := GenerateRefreshToken()
	if err := SaveRefreshToken(gdb, u.ID, live, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := SaveRefreshToken(gdb, u.ID, stale, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	var stored models.RefreshToken
	if err := gdb.Where("user_id = ?", u.ID).First(&stored).Error; err != nil {
		t.Fatalf("load stored token: %v", err)
	}
	if stored.Token == live || stored.Token == stale {
		t.Error("refresh token stored in plain text")
	}

	rec, err := ValidateRefreshToken(gdb, live)
	if err != nil {
		t.Fatalf("ValidateRefreshToken() error = %v", err)
	}
	if rec.UserID != u.ID {
		t.Errorf("ValidateRefreshToken() UserID = %d, want %d", rec.UserID, u.ID)
	}

	if _, err := ValidateRefreshToken(gdb, stale); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateRefreshToken(expired) error = %v, want ErrInvalidToken", err)
	}
	if _, err := ValidateRefreshToken(gdb, "unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateRefreshToken(unknown) error = %v, want ErrInvalidToken", err)
	}

	if err := RevokeRefreshToken(gdb, live); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if _, err := ValidateRefreshToken(gdb, live); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateRefreshToken(revoked) error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gdb := testutil.NewDB(t)
	u := testutil.CreateUser(t, gdb, "alice", true)
	cfg := config.Config{JWTSecret: "mw-secret"}

	r := gin.New()
	r.GET("/me", AuthMiddleware(cfg, gdb), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": GetUserID(c)})
	})

	valid, _ := GenerateAccessToken(u.ID, cfg.JWTSecret, 5)
	ghost, _ := GenerateAccessToken(u.ID+100, cfg.JWTSecret, 5)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"deleted user", "Bearer " + ghost, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
