package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// APIToken is a gateway credential. Issued tokens look like
// "tg_<id>_<secret>"; only the bcrypt hash of the secret is stored.
type APIToken struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string     `gorm:"uniqueIndex;not null;size:64" json:"name"`
	SecretHash string     `gorm:"not null" json:"-"`
	Revoked    bool       `gorm:"not null;default:false" json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TerminalAuditRecord captures one terminal session for the audit trail.
// EndedAt stays null while the session is live.
type TerminalAuditRecord struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID     string     `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	Namespace     string     `gorm:"not null;index" json:"namespace"`
	Pod           string     `gorm:"not null" json:"pod"`
	Container     string     `gorm:"not null" json:"container"`
	Backend       string     `gorm:"not null" json:"backend"`
	ClientAddr    string     `json:"client_addr"`
	TokenName     string     `json:"token_name"`
	ExitReason    string     `json:"exit_reason"`
	BytesIn       int64      `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut      int64      `gorm:"not null;default:0" json:"bytes_out"`
	RecordingPath string     `json:"-"`
	StartedAt     time.Time  `gorm:"autoCreateTime" json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}
