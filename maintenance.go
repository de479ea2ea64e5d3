package main

import (
	"log"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polydash/termgate/internal/crypto"
	"github.com/polydash/termgate/internal/database"
	"github.com/polydash/termgate/internal/handlers"
)

const (
	keyRotationSchedule = "0 3 * * *"
	auditPruneSchedule  = "30 3 * * *"
	idleSweepSchedule   = "@every 1m"
)

// startMaintenance schedules the recurring gateway chores: attach-token key
// rotation, idle session cleanup, and audit retention. Callers stop the
// returned cron on shutdown.
func startMaintenance() *cron.Cron {
	c := cron.New()
	mustSchedule(c, keyRotationSchedule, rotateAttachKeys)
	mustSchedule(c, idleSweepSchedule, sweepIdleSessions)
	mustSchedule(c, auditPruneSchedule, pruneAuditRecords)
	c.Start()
	log.Printf("[maintenance] jobs scheduled (key rotation %q, idle sweep %q, audit prune %q)",
		keyRotationSchedule, idleSweepSchedule, auditPruneSchedule)
	return c
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("[maintenance] schedule %q: %v", spec, err)
	}
}

// rotateAttachKeys demotes the primary fernet key and mints a fresh one.
// Tokens signed with the demoted key keep verifying until the next rotation.
func rotateAttachKeys() {
	if err := crypto.RotateKeys(); err != nil {
		log.Printf("[maintenance] key rotation failed: %v", err)
		return
	}
	log.Printf("[maintenance] attach token signing key rotated")
}

func sweepIdleSessions() {
	if handlers.Sessions == nil {
		return
	}
	if n := handlers.Sessions.CleanupIdle(); n > 0 {
		log.Printf("[maintenance] closed %d idle session(s)", n)
	}
}

// auditRetention reads the retention window from settings. Missing or
// malformed values fall back to 30 days.
func auditRetention() time.Duration {
	days := 30
	if v, err := database.GetSetting("audit_retention_days"); err == nil {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

func pruneAuditRecords() {
	cutoff := time.Now().Add(-auditRetention())
	n, err := database.PruneAuditRecords(cutoff)
	if err != nil {
		log.Printf("[maintenance] audit prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[maintenance] pruned %d audit record(s) ended before %s", n, cutoff.Format(time.DateOnly))
	}
}
