package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ImThienz/BlockChain/internal/models"
)

// Config holds the server settings, read from the environment (with .env
// support for development).
type Config struct {
	Addr           string
	Store          string // "postgres" or "memory"
	DBSource       string
	JWTSecret      string
	AccountsFile   string
	LogLevel       string
	LogFile        string
	BroadcastEvery time.Duration
	ArchiveAfter   time.Duration // 0 disables archival
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           getenv("SERVER_ADDR", ":8080"),
		Store:          getenv("STORE", "postgres"),
		DBSource:       os.Getenv("DB_SOURCE"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AccountsFile:   getenv("ACCOUNTS_FILE", "accounts.yaml"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFile:        os.Getenv("LOG_FILE"),
		BroadcastEvery: 5 * time.Second,
	}

	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return nil, fmt.Errorf("STORE must be postgres or memory, got %q", cfg.Store)
	}
	if cfg.Store == "postgres" && cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if v := os.Getenv("BROADCAST_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BROADCAST_EVERY: %w", err)
		}
		cfg.BroadcastEvery = d
	}
	if v := os.Getenv("ARCHIVE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ARCHIVE_AFTER: %w", err)
		}
		cfg.ArchiveAfter = d
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AccountSpec is one provisioned account in the accounts file.
type AccountSpec struct {
	Identity       string      `yaml:"identity"`
	Role           models.Role `yaml:"role"`
	PassphraseHash string      `yaml:"passphrase_hash"`
	OpeningBalance int64       `yaml:"opening_balance"`
}

// Provisioning is the parsed accounts file: the fixed set of identities,
// their roles and login credentials.
type Provisioning struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// LoadProvisioning parses the YAML accounts file.
func LoadProvisioning(path string) (*Provisioning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var p Provisioning
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	for i, a := range p.Accounts {
		if a.Identity == "" {
			return nil, fmt.Errorf("account %d: identity is required", i)
		}
		if a.Role != models.RoleUser && a.Role != models.RoleAdmin {
			return nil, fmt.Errorf("account %q: role must be USER or ADMIN, got %q", a.Identity, a.Role)
		}
		if a.OpeningBalance < 0 {
			return nil, fmt.Errorf("account %q: opening balance cannot be negative", a.Identity)
		}
	}
	return &p, nil
}

// RoleAssignments returns the identity to role map for the role registry.
func (p *Provisioning) RoleAssignments() map[string]models.Role {
	m := make(map[string]models.Role, len(p.Accounts))
	for _, a := range p.Accounts {
		m[a.Identity] = a.Role
	}
	return m
}
