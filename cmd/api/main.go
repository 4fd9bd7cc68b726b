package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"collabsphere.org/internal/audit"
	"collabsphere.org/internal/auth"
	"collabsphere.org/internal/config"
	"collabsphere.org/internal/document"
	"collabsphere.org/internal/httpapi"
	"collabsphere.org/internal/mail"
	"collabsphere.org/internal/obs"
	"collabsphere.org/internal/org"
	"collabsphere.org/internal/workspace"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	mailer, err := mail.NewSender(cfg.Mail, cfg.FrontendBaseURL)
	if err != nil {
		log.Fatalf("mail: %v", err)
	}
	auditor := audit.NewRecorder(db)

	issuer, err := auth.NewIssuer(cfg.GateSecret, cfg.GateTTL)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	authSvc, err := auth.NewService(db, issuer,
		auth.WithVaultTTL(cfg.VaultTTL),
		auth.WithRotateOnRefresh(cfg.RotateVaultOnRefresh),
		auth.WithMailer(mailer),
		auth.WithAudit(auditor),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	orgSvc, err := org.NewService(db, org.WithMailer(mailer), org.WithAudit(auditor))
	if err != nil {
		log.Fatalf("org service: %v", err)
	}
	wsSvc, err := workspace.NewService(db)
	if err != nil {
		log.Fatalf("workspace service: %v", err)
	}
	docSvc, err := document.NewService(db, document.WithAudit(auditor))
	if err != nil {
		log.Fatalf("document service: %v", err)
	}

	api := httpapi.New(cfg, authSvc, orgSvc, wsSvc, docSvc, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting collabsphere-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
