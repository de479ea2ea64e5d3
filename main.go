package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/polydash/termgate/internal/auth"
	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
	"github.com/polydash/termgate/internal/handlers"
	"github.com/polydash/termgate/internal/logging"
	"github.com/polydash/termgate/internal/middleware"
	"github.com/polydash/termgate/internal/termserver"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-token":
			runCLICommand("create-token")
			return
		case "--revoke-token":
			runCLICommand("revoke-token")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, Backend=%s, AuthDisabled=%v",
		config.Cfg.ListenAddr, config.Cfg.Backend, config.Cfg.AuthDisabled)
	if config.Cfg.AuthDisabled {
		log.Printf("WARNING: API token auth is disabled")
	}

	if err := backend.Init(context.Background()); err != nil {
		log.Printf("WARNING: %v", err)
	}

	// Init terminal session manager
	sessions := termserver.NewManager()
	handlers.Sessions = sessions
	log.Printf("Terminal session manager initialized (scrollback=%d bytes, recording=%q, idle_timeout=%s)",
		config.Cfg.ScrollbackBytes, config.Cfg.RecordingDir, config.Cfg.SessionTimeoutDuration())

	maintenance := startMaintenance()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		// No bearer auth here: health is liveness, and attach carries its
		// own credential (the fernet token from negotiation).
		r.Get("/health", handlers.HealthCheck)
		r.Get("/terminal/attach/{id}", handlers.AttachTerminal)

		// Protected routes (require an API token)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/terminal/session/{namespace}/{pod}/{container}", handlers.NegotiateSession)
			r.Get("/terminal/sessions", handlers.ListTerminalSessions)
			r.Get("/terminal/sessions/{id}", handlers.GetTerminalSession)
			r.Delete("/terminal/sessions/{id}", handlers.CloseTerminalSession)

			r.Get("/logs", handlers.GetServerLogs)
			r.Delete("/logs", handlers.ClearServerLogs)
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	maintenance.Stop()
	sessions.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	name := fs.String("name", "", "Token name")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Fprintf(os.Stderr, "Usage: termgate --%s --name <token-name>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-token":
		plaintext, token, err := auth.Mint(*name)
		if err != nil {
			log.Fatalf("Failed to create token: %v", err)
		}
		fmt.Printf("Token '%s' created (id %d). Save it now; it is not shown again:\n%s\n",
			token.Name, token.ID, plaintext)

	case "revoke-token":
		token, err := database.GetAPITokenByName(*name)
		if err != nil {
			log.Fatalf("Token '%s' not found", *name)
		}
		if err := database.RevokeAPIToken(token.ID); err != nil {
			log.Fatalf("Failed to revoke token: %v", err)
		}
		fmt.Printf("Token '%s' revoked.\n", *name)
	}
}
