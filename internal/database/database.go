package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/polydash/termgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := filepath.Join(config.Cfg.DataPath, "termgate.db")
	if err := os.MkdirAll(config.Cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Setting{}, &APIToken{}, &TerminalAuditRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"audit_retention_days": "30",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// API token helpers

func CreateAPIToken(token *APIToken) error {
	return DB.Create(token).Error
}

func GetAPIToken(id uint) (*APIToken, error) {
	var tok APIToken
	if err := DB.First(&tok, id).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

func GetAPITokenByName(name string) (*APIToken, error) {
	var tok APIToken
	if err := DB.Where("name = ?", name).First(&tok).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

func ListAPITokens() ([]APIToken, error) {
	var tokens []APIToken
	if err := DB.Order("id").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func RevokeAPIToken(id uint) error {
	return DB.Model(&APIToken{}).Where("id = ?", id).Update("revoked", true).Error
}

func TouchAPIToken(id uint) error {
	now := time.Now()
	return DB.Model(&APIToken{}).Where("id = ?", id).Update("last_used_at", &now).Error
}

func APITokenCount() (int64, error) {
	var count int64
	err := DB.Model(&APIToken{}).Where("revoked = ?", false).Count(&count).Error
	return count, err
}

// Audit record helpers

func InsertAuditRecord(rec *TerminalAuditRecord) error {
	return DB.Create(rec).Error
}

// CloseAuditRecord marks a session as ended and stores final counters.
// Idempotent: a record that already has ended_at keeps its first values.
func CloseAuditRecord(sessionID, exitReason string, bytesIn, bytesOut int64) error {
	now := time.Now()
	return DB.Model(&TerminalAuditRecord{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]interface{}{
			"ended_at":    &now,
			"exit_reason": exitReason,
			"bytes_in":    bytesIn,
			"bytes_out":   bytesOut,
		}).Error
}

func GetAuditRecord(sessionID string) (*TerminalAuditRecord, error) {
	var rec TerminalAuditRecord
	if err := DB.Where("session_id = ?", sessionID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func ListAuditRecords(limit int) ([]TerminalAuditRecord, error) {
	var recs []TerminalAuditRecord
	q := DB.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PruneAuditRecords deletes closed records older than the cutoff and
// returns how many were removed.
func PruneAuditRecords(cutoff time.Time) (int64, error) {
	res := DB.Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).Delete(&TerminalAuditRecord{})
	return res.RowsAffected, res.Error
}
