// Package config loads service configuration from the environment. A local
// .env file is honoured in development; real deployments set variables
// directly. Nothing here is read after startup; every consumer receives its
// settings through a constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the service needs at startup.
type Config struct {
	Addr        string
	PostgresDSN string
	Production  bool

	// Gate tokens are signed JWTs. The TTL unit is seconds, made explicit
	// after the upstream ambiguity around the bare 90000 default.
	GateSecret string
	GateTTL    time.Duration

	// Vault tokens are the long-lived opaque session handles.
	VaultTTL             time.Duration
	RotateVaultOnRefresh bool
	VaultCookieName      string
	VaultCookieMaxAge    time.Duration

	FrontendBaseURL string

	Mail MailConfig
}

// MailConfig configures the SMTP transport.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

const (
	defaultAddr            = ":8080"
	defaultGateTTLSeconds  = 90000
	defaultVaultTTLDays    = 30
	defaultVaultCookieName = "vaultToken"
)

// Load reads configuration from the environment, consulting an optional .env
// file first. It fails fast on a missing gate secret: the service cannot
// issue or verify a single token without one.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:                 envOr("COLLAB_ADDR", defaultAddr),
		PostgresDSN:          os.Getenv("COLLAB_PG_DSN"),
		Production:           strings.EqualFold(os.Getenv("COLLAB_ENV"), "production"),
		GateSecret:           os.Getenv("COLLAB_GATE_SECRET"),
		GateTTL:              time.Duration(envInt("GATE_TTL_SECONDS", defaultGateTTLSeconds)) * time.Second,
		VaultTTL:             time.Duration(envInt("VAULT_TTL_DAYS", defaultVaultTTLDays)) * 24 * time.Hour,
		RotateVaultOnRefresh: envBool("ROTATE_VAULT_ON_REFRESH"),
		VaultCookieName:      envOr("VAULT_COOKIE_NAME", defaultVaultCookieName),
		VaultCookieMaxAge:    time.Duration(envInt("VAULT_MAX_AGE_MS", defaultVaultTTLDays*24*60*60*1000)) * time.Millisecond,
		FrontendBaseURL:      strings.TrimRight(envOr("FRONTEND_URL", "http://localhost:3000"), "/"),
		Mail: MailConfig{
			Host:     os.Getenv("MAIL_HOST"),
			Port:     envInt("MAIL_PORT", 587),
			Username: os.Getenv("MAIL_USER"),
			Password: os.Getenv("MAIL_PASS"),
			From:     envOr("MAIL_FROM", "no-reply@collabsphere.org"),
		},
	}

	if strings.TrimSpace(cfg.GateSecret) == "" {
		return Config{}, errors.New("COLLAB_GATE_SECRET is required")
	}
	if cfg.GateTTL <= 0 {
		return Config{}, fmt.Errorf("GATE_TTL_SECONDS must be positive, got %s", cfg.GateTTL)
	}
	if cfg.VaultTTL <= 0 {
		return Config{}, fmt.Errorf("VAULT_TTL_DAYS must be positive, got %s", cfg.VaultTTL)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
