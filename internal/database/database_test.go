package database

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB points the package at an in-memory SQLite database so the
// typed helpers can be exercised directly.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&Setting{}, &APIToken{}, &TerminalAuditRecord{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		DB = prev
	})
}

func TestSettingRoundTrip(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("audit_retention_days", "7"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := GetSetting("audit_retention_days")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "7" {
		t.Errorf("GetSetting = %q, want 7", got)
	}

	// Assign updates in place rather than duplicating the key.
	if err := SetSetting("audit_retention_days", "14"); err != nil {
		t.Fatalf("SetSetting update: %v", err)
	}
	got, _ = GetSetting("audit_retention_days")
	if got != "14" {
		t.Errorf("GetSetting after update = %q, want 14", got)
	}

	if err := DeleteSetting("audit_retention_days"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("audit_retention_days"); err == nil {
		t.Error("expected error reading deleted setting")
	}
}

func TestAPITokenLifecycle(t *testing.T) {
	setupTestDB(t)

	tok := APIToken{Name: "ci-deployer", SecretHash: "$2a$10$fakehash"}
	if err := CreateAPIToken(&tok); err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}
	if tok.ID == 0 {
		t.Fatal("token ID not assigned")
	}

	loaded, err := GetAPIToken(tok.ID)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if loaded.Name != "ci-deployer" || loaded.Revoked {
		t.Errorf("loaded token = %+v", loaded)
	}
	if loaded.LastUsedAt != nil {
		t.Error("fresh token should have nil LastUsedAt")
	}

	if err := TouchAPIToken(tok.ID); err != nil {
		t.Fatalf("TouchAPIToken: %v", err)
	}
	loaded, _ = GetAPIToken(tok.ID)
	if loaded.LastUsedAt == nil {
		t.Error("LastUsedAt not set after touch")
	}

	count, err := APITokenCount()
	if err != nil || count != 1 {
		t.Errorf("APITokenCount = %d, %v", count, err)
	}

	if err := RevokeAPIToken(tok.ID); err != nil {
		t.Fatalf("RevokeAPIToken: %v", err)
	}
	loaded, _ = GetAPIToken(tok.ID)
	if !loaded.Revoked {
		t.Error("token not revoked")
	}
	count, _ = APITokenCount()
	if count != 0 {
		t.Errorf("APITokenCount after revoke = %d, want 0", count)
	}
}

func TestAPITokenNameUnique(t *testing.T) {
	setupTestDB(t)

	if err := CreateAPIToken(&APIToken{Name: "dup", SecretHash: "x"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := CreateAPIToken(&APIToken{Name: "dup", SecretHash: "y"}); err == nil {
		t.Error("expected unique constraint violation on duplicate name")
	}
}

func TestAuditRecordLifecycle(t *testing.T) {
	setupTestDB(t)

	rec := TerminalAuditRecord{
		SessionID: "sess-audit-1",
		Namespace: "prod",
		Pod:       "web-7f9c",
		Container: "app",
		Backend:   "kubernetes",
	}
	if err := InsertAuditRecord(&rec); err != nil {
		t.Fatalf("InsertAuditRecord: %v", err)
	}

	loaded, err := GetAuditRecord("sess-audit-1")
	if err != nil {
		t.Fatalf("GetAuditRecord: %v", err)
	}
	if loaded.EndedAt != nil {
		t.Error("live record should have nil EndedAt")
	}

	if err := CloseAuditRecord("sess-audit-1", "process exited", 120, 4096); err != nil {
		t.Fatalf("CloseAuditRecord: %v", err)
	}
	loaded, _ = GetAuditRecord("sess-audit-1")
	if loaded.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	if loaded.ExitReason != "process exited" || loaded.BytesIn != 120 || loaded.BytesOut != 4096 {
		t.Errorf("closed record = %+v", loaded)
	}

	// A second close must not overwrite the first.
	first := *loaded.EndedAt
	if err := CloseAuditRecord("sess-audit-1", "duplicate close", 0, 0); err != nil {
		t.Fatalf("second CloseAuditRecord: %v", err)
	}
	loaded, _ = GetAuditRecord("sess-audit-1")
	if !loaded.EndedAt.Equal(first) || loaded.ExitReason != "process exited" {
		t.Error("second close overwrote the first")
	}
}

func TestListAuditRecordsNewestFirst(t *testing.T) {
	setupTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		rec := TerminalAuditRecord{
			SessionID: id,
			Namespace: "ns",
			Pod:       "p",
			Container: "c",
			Backend:   "local",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := InsertAuditRecord(&rec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	recs, err := ListAuditRecords(2)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].SessionID != "new" || recs[1].SessionID != "mid" {
		t.Errorf("order = %s, %s", recs[0].SessionID, recs[1].SessionID)
	}
}

func TestPruneAuditRecords(t *testing.T) {
	setupTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	for _, rec := range []TerminalAuditRecord{
		{SessionID: "ancient", Namespace: "ns", Pod: "p", Container: "c", Backend: "local", EndedAt: &old},
		{SessionID: "fresh", Namespace: "ns", Pod: "p", Container: "c", Backend: "local", EndedAt: &recent},
		{SessionID: "live", Namespace: "ns", Pod: "p", Container: "c", Backend: "local"},
	} {
		r := rec
		if err := InsertAuditRecord(&r); err != nil {
			t.Fatalf("insert %s: %v", rec.SessionID, err)
		}
	}

	removed, err := PruneAuditRecords(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditRecords: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// Live sessions survive pruning no matter how old.
	if _, err := GetAuditRecord("live"); err != nil {
		t.Errorf("live record pruned: %v", err)
	}
	if _, err := GetAuditRecord("fresh"); err != nil {
		t.Errorf("fresh record pruned: %v", err)
	}
	if _, err := GetAuditRecord("ancient"); err == nil {
		t.Error("ancient record not pruned")
	}
}
