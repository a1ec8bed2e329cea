// Package config loads environment-based configuration for toolgate.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// APIKeyPrefix is the required prefix for inbound API keys.
	APIKeyPrefix = "tg_"

	// APIKeyMinLen is the minimum total length of an API key. The part
	// after the prefix must be hex, so anything shorter than this does
	// not carry enough entropy for hash-based lookup.
	APIKeyMinLen = 35
)

// Config holds all environment-based configuration for toolgate.
type Config struct {
	// Master key for token encryption at rest. 32 bytes, hex or base64
	// encoded. Encryption is mandatory: startup fails without it.
	MasterKey string `env:"TOOLGATE_MASTER_KEY"`

	// External HTTPS URL of this server, used to build the OAuth
	// redirect URI advertised during dynamic client registration.
	ServerURL string `env:"TOOLGATE_SERVER_URL"`

	// HTTP listen address.
	ListenAddr string `env:"TOOLGATE_LISTEN_ADDR" envDefault:":8085"`

	// Path to the bbolt database. Defaults to ~/.toolgate/toolgate.db.
	DBPath string `env:"TOOLGATE_DB_PATH"`

	// Optional YAML catalog of preregistered MCP servers.
	CatalogPath string `env:"TOOLGATE_CATALOG"`

	// Inbound auth. At least one of these must be set.
	// AUTH_USERS: "user1:bcrypt_hash1,user2:bcrypt_hash2"
	// API_KEYS:   "user1:tg_hex1,user2:tg_hex2"
	AuthUsers string `env:"TOOLGATE_AUTH_USERS"`
	APIKeys   string `env:"TOOLGATE_API_KEYS"`

	// Minutes subtracted from token expiry when deciding whether to
	// refresh, so a token cannot expire mid-request.
	TokenExpiryBufferMinutes int `env:"TOOLGATE_TOKEN_EXPIRY_BUFFER" envDefault:"5"`

	// Timeout applied to every outbound call to an OAuth provider or
	// MCP server.
	OutboundTimeout time.Duration `env:"TOOLGATE_OUTBOUND_TIMEOUT" envDefault:"30s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level when set.
	LogLevel string `env:"TOOLGATE_LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the master key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DBPath = filepath.Join(home, ".toolgate", "toolgate.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("TOOLGATE_MASTER_KEY is required (tokens are always encrypted at rest)")
	}

	if c.ServerURL == "" {
		return fmt.Errorf("TOOLGATE_SERVER_URL is required to build the OAuth redirect URI")
	}

	if strings.HasSuffix(c.ServerURL, "/") {
		c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	}

	if c.AuthUsers == "" && c.APIKeys == "" {
		return fmt.Errorf("at least one auth method required: TOOLGATE_AUTH_USERS or TOOLGATE_API_KEYS")
	}

	if c.TokenExpiryBufferMinutes < 0 {
		return fmt.Errorf("TOOLGATE_TOKEN_EXPIRY_BUFFER must not be negative")
	}

	if c.OutboundTimeout <= 0 {
		return fmt.Errorf("TOOLGATE_OUTBOUND_TIMEOUT must be positive")
	}

	return nil
}

// RedirectURI returns the OAuth callback URL advertised to remote
// providers during dynamic client registration.
func (c *Config) RedirectURI() string {
	return c.ServerURL + "/oauth/callback"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UserCredential holds one username and its bcrypt password hash parsed
// from TOOLGATE_AUTH_USERS.
type UserCredential struct {
	Username string
	Hash     string
}

// ParseAuthUsers parses the TOOLGATE_AUTH_USERS string.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
func (c *Config) ParseAuthUsers() ([]UserCredential, error) {
	if c.AuthUsers == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var creds []UserCredential

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid auth user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(creds)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password hash for %q is not a bcrypt hash (use the hash-password subcommand)", username)
		}

		if _, dup := seen[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in TOOLGATE_AUTH_USERS", username)
		}

		seen[username] = struct{}{}
		creds = append(creds, UserCredential{Username: username, Hash: hash})
	}

	return creds, nil
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from TOOLGATE_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the TOOLGATE_API_KEYS string.
// Format: "user1:tg_key1,user2:tg_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, APIKeyMinLen)
		}

		suffix := key[len(APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in TOOLGATE_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
