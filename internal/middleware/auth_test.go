package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polydash/termgate/internal/auth"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
)

func setupAuthTest(t *testing.T) string {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.APIToken{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prevDB := database.DB
	database.DB = db
	prevCfg := config.Cfg
	config.Cfg.AuthDisabled = false
	t.Cleanup(func() {
		database.DB = prevDB
		config.Cfg = prevCfg
	})

	plaintext, _, err := auth.Mint("test-client")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return plaintext
}

func protectedEcho(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seenName string
	h := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := GetToken(r); token != nil {
			seenName = token.Name
		}
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seenName
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	plaintext := setupAuthTest(t)
	h, seenName := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/terminal/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if *seenName != "test-client" {
		t.Errorf("expected token name in context, got %q", *seenName)
	}
}

func TestRequireAuthLowercaseBearer(t *testing.T) {
	plaintext := setupAuthTest(t)
	h, _ := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected scheme match to be case-insensitive, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	setupAuthTest(t)
	h, _ := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Authentication required") {
		t.Errorf("expected JSON error body, got %q", rec.Body.String())
	}
}

func TestRequireAuthRejectsBadToken(t *testing.T) {
	setupAuthTest(t)
	h, _ := protectedEcho(t)

	for _, header := range []string{
		"Bearer tg_1_wrongsecret",
		"Bearer garbage",
		"Token tg_1_abc",
		"Bearer",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestRequireAuthRejectsRevokedToken(t *testing.T) {
	plaintext := setupAuthTest(t)
	h, _ := protectedEcho(t)

	token, err := database.GetAPITokenByName("test-client")
	if err != nil {
		t.Fatalf("lookup token: %v", err)
	}
	if err := database.RevokeAPIToken(token.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for revoked token, got %d", rec.Code)
	}
}

func TestRequireAuthDisabledBypasses(t *testing.T) {
	setupAuthTest(t)
	config.Cfg.AuthDisabled = true
	h, seenName := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
	if *seenName != "" {
		t.Errorf("expected no token record with auth disabled, got %q", *seenName)
	}
}
