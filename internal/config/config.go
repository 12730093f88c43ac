package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Chat server endpoints and credentials.
	WSURL  string `env:"CHAT_WS_URL"`
	APIURL string `env:"CHAT_API_URL"`
	Token  string `env:"CHAT_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	Device string `env:"CHAT_DEVICE"`

	// Wire codec for the live channel: json or msgpack.
	WireCodec string `env:"CHAT_WIRE_CODEC" envDefault:"json"`

	RoomPageSize    int `env:"CHAT_ROOM_PAGE_SIZE" envDefault:"20"`
	HistoryPageSize int `env:"CHAT_HISTORY_PAGE_SIZE" envDefault:"50"`

	ReconnectMin  time.Duration `env:"CHAT_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax  time.Duration `env:"CHAT_RECONNECT_MAX" envDefault:"1m"`
	EchoTolerance time.Duration `env:"CHAT_ECHO_TOLERANCE" envDefault:"2m"`

	// IANA zone used for day grouping. Empty means the system zone.
	Timezone string `env:"CHAT_TIMEZONE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Operator HTTP surface (/mcp, /metrics, /healthz).
	EnableHTTP     bool   `env:"ENABLE_HTTP" envDefault:"false"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8091"`
	HTTPAPIKeys    string `env:"HTTP_API_KEYS"`

	location *time.Location
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the chat token to other users.
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

	if cfg.Device == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.Device = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if err := checkURL("CHAT_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if err := checkURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if _, err := transport.CodecByName(c.WireCodec); err != nil {
		return fmt.Errorf("CHAT_WIRE_CODEC: %w", err)
	}

	if c.RoomPageSize <= 0 {
		return fmt.Errorf("CHAT_ROOM_PAGE_SIZE must be positive, got %d", c.RoomPageSize)
	}

	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("CHAT_HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHAT_RECONNECT_MIN (%s) must be positive and not above CHAT_RECONNECT_MAX (%s)", c.ReconnectMin, c.ReconnectMax)
	}

	if c.EchoTolerance < 0 {
		return fmt.Errorf("CHAT_ECHO_TOLERANCE must not be negative")
	}

	c.location = time.Local

	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("CHAT_TIMEZONE: %w", err)
		}

		c.location = loc
	}

	if c.EnableHTTP && c.HTTPAPIKeys == "" {
		return fmt.Errorf("HTTP_API_KEYS is required when ENABLE_HTTP is true")
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return err
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be a %s URL, got %q", name, strings.Join(schemes, " or "), raw)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Location is the zone messages are grouped by day in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}

	return c.location
}

// APIKeyEntry is one operator key: a name for logs and the bcrypt hash
// of the key itself.
type APIKeyEntry struct {
	Name string
	Hash string
}

// ParseAPIKeys parses the HTTP_API_KEYS string.
// Format: "name1:bcrypt_hash1,name2:bcrypt_hash2"
// Hashes come from the hash-key command.
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.HTTPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.HTTPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		// bcrypt hashes use '$', never ':'.
		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		hash := pair[idx+1:]
		if name == "" || hash == "" {
			return nil, fmt.Errorf("empty name or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key hash for %q is not a bcrypt hash", name)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in HTTP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Hash: hash})
	}

	return entries, nil
}
