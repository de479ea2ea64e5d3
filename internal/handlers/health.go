package handlers

import (
	"net/http"

	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	backends := backend.Names()

	status := "healthy"
	if dbStatus != "connected" || len(backends) == 0 {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"backends": backends,
	}
	if Sessions != nil {
		resp["sessions"] = Sessions.LiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
