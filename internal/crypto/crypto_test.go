package crypto

import (
	"testing"
	"time"

	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupKeyStore(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prevDB := database.DB
	database.DB = db
	prevTTL := config.Cfg.AttachTokenTTL
	config.Cfg.AttachTokenTTL = "2m"
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		database.DB = prevDB
		config.Cfg.AttachTokenTTL = prevTTL
	})
}

func TestAttachTokenRoundTrip(t *testing.T) {
	setupKeyStore(t)

	tok, err := MintAttachToken("sess-42")
	if err != nil {
		t.Fatalf("MintAttachToken: %v", err)
	}
	if tok == "" || tok == "sess-42" {
		t.Fatalf("token looks wrong: %q", tok)
	}

	got, err := VerifyAttachToken(tok)
	if err != nil {
		t.Fatalf("VerifyAttachToken: %v", err)
	}
	if got != "sess-42" {
		t.Errorf("verified session = %q, want sess-42", got)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	setupKeyStore(t)

	// Prime the key store.
	if _, err := MintAttachToken("sess-1"); err != nil {
		t.Fatalf("MintAttachToken: %v", err)
	}

	for _, tok := range []string{"", "not-a-token", "gAAAAABtampered"} {
		if _, err := VerifyAttachToken(tok); err == nil {
			t.Errorf("VerifyAttachToken(%q) succeeded, want error", tok)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	setupKeyStore(t)
	config.Cfg.AttachTokenTTL = "1ms"

	tok, err := MintAttachToken("sess-exp")
	if err != nil {
		t.Fatalf("MintAttachToken: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := VerifyAttachToken(tok); err == nil {
		t.Error("expired token verified")
	}
}

func TestRotateKeepsPreviousKeyValid(t *testing.T) {
	setupKeyStore(t)

	oldTok, err := MintAttachToken("sess-old")
	if err != nil {
		t.Fatalf("MintAttachToken: %v", err)
	}

	if err := RotateKeys(); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}

	// Token signed before the rotation still verifies via the demoted key.
	got, err := VerifyAttachToken(oldTok)
	if err != nil {
		t.Fatalf("VerifyAttachToken after rotate: %v", err)
	}
	if got != "sess-old" {
		t.Errorf("verified session = %q", got)
	}

	// New tokens come from the new primary and verify too.
	newTok, err := MintAttachToken("sess-new")
	if err != nil {
		t.Fatalf("MintAttachToken after rotate: %v", err)
	}
	if got, err := VerifyAttachToken(newTok); err != nil || got != "sess-new" {
		t.Errorf("new token verify = %q, %v", got, err)
	}

	// A second rotation retires the original key for good.
	if err := RotateKeys(); err != nil {
		t.Fatalf("second RotateKeys: %v", err)
	}
	if _, err := VerifyAttachToken(oldTok); err == nil {
		t.Error("token from two rotations ago still verifies")
	}
}

func TestRotateBeforeAnyKeyIsNoop(t *testing.T) {
	setupKeyStore(t)

	if err := RotateKeys(); err != nil {
		t.Fatalf("RotateKeys on empty store: %v", err)
	}
	// Minting afterwards still works.
	if _, err := MintAttachToken("sess-1"); err != nil {
		t.Fatalf("MintAttachToken: %v", err)
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"tg_1_supersecret", "****cret"},
	}
	for _, tt := range tests {
		if got := Mask(tt.input); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
