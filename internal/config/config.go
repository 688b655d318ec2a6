// Package config loads server and client settings from the environment and
// ticket-type policies from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers accepted by TURNSTILE_DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Server is the configuration of `turnstile serve`.
type Server struct {
	Addr        string
	DBDriver    string
	DBPath      string
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
	PolicyFile  string
	Timezone    string
	CORSOrigins []string

	BatchConcurrency int
	ItemTimeout      time.Duration
	MaxBatch         int
	PollAttempts     int
	PollInterval     time.Duration
	OccupancyTTL     time.Duration

	LedgerRetention time.Duration
	// LedgerSweep is a cron spec for the ledger retention sweep.
	LedgerSweep string
}

// Client is the configuration of the scanning device commands.
type Client struct {
	ServerURL         string
	Token             string
	CachePath         string
	DeviceID          string
	EventID           string
	PolicyFile        string
	Timezone          string
	ReplayWindow      time.Duration
	SyncInterval      time.Duration
	ReconnectDebounce time.Duration
	CacheMaxAge       time.Duration
	HTTPTimeout       time.Duration
}

// LoadDotEnv loads path (default ".env") into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no env file, using process environment", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadServer reads server settings from the environment.
func LoadServer() (Server, error) {
	cfg, err := readServer()
	if err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// LoadStorage reads server settings but only checks the database ones.
// Used by maintenance commands that never issue or verify tokens.
func LoadStorage() (Server, error) {
	cfg, err := readServer()
	if err != nil {
		return Server{}, err
	}
	return cfg, cfg.ValidateStorage()
}

func readServer() (Server, error) {
	var e env
	cfg := Server{
		Addr:             e.str("TURNSTILE_ADDR", ":8080"),
		DBDriver:         e.str("TURNSTILE_DB_DRIVER", DriverSQLite),
		DBPath:           e.str("TURNSTILE_DB_PATH", "turnstile.db"),
		DatabaseURL:      e.str("DATABASE_URL", ""),
		JWTSecret:        e.str("TURNSTILE_JWT_SECRET", ""),
		TokenTTL:         e.duration("TURNSTILE_TOKEN_TTL", 24*time.Hour),
		PolicyFile:       e.str("TURNSTILE_POLICY_FILE", ""),
		Timezone:         e.str("TURNSTILE_TIMEZONE", "UTC"),
		CORSOrigins:      e.list("TURNSTILE_CORS_ORIGINS"),
		BatchConcurrency: e.integer("TURNSTILE_BATCH_CONCURRENCY", 16),
		ItemTimeout:      e.duration("TURNSTILE_ITEM_TIMEOUT", 10*time.Second),
		MaxBatch:         e.integer("TURNSTILE_MAX_BATCH", 500),
		PollAttempts:     e.integer("TURNSTILE_POLL_ATTEMPTS", 10),
		PollInterval:     e.duration("TURNSTILE_POLL_INTERVAL", 25*time.Millisecond),
		OccupancyTTL:     e.duration("TURNSTILE_OCCUPANCY_TTL", 2*time.Second),
		LedgerRetention:  e.duration("TURNSTILE_LEDGER_RETENTION", 72*time.Hour),
		LedgerSweep:      e.str("TURNSTILE_LEDGER_SWEEP", "@every 1h"),
	}
	if err := e.err(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// ValidateStorage checks the database driver settings.
func (c Server) ValidateStorage() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("TURNSTILE_DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown TURNSTILE_DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

// Validate checks settings that have no usable default.
func (c Server) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return errors.New("TURNSTILE_JWT_SECRET is required")
	}
	if c.BatchConcurrency <= 0 || c.MaxBatch <= 0 {
		return errors.New("batch concurrency and max batch must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TURNSTILE_TIMEZONE: %w", err)
	}
	return nil
}

// LoadClient reads client settings from the environment.
func LoadClient() (Client, error) {
	var e env
	cfg := Client{
		ServerURL:         strings.TrimRight(e.str("TURNSTILE_SERVER_URL", "http://localhost:8080"), "/"),
		Token:             e.str("TURNSTILE_TOKEN", ""),
		CachePath:         e.str("TURNSTILE_CACHE_PATH", "turnstile-client.db"),
		DeviceID:          e.str("TURNSTILE_DEVICE_ID", hostname()),
		EventID:           e.str("TURNSTILE_EVENT_ID", ""),
		PolicyFile:        e.str("TURNSTILE_POLICY_FILE", ""),
		Timezone:          e.str("TURNSTILE_TIMEZONE", "UTC"),
		ReplayWindow:      e.duration("TURNSTILE_REPLAY_WINDOW", 10*time.Second),
		SyncInterval:      e.duration("TURNSTILE_SYNC_INTERVAL", 30*time.Second),
		ReconnectDebounce: e.duration("TURNSTILE_RECONNECT_DEBOUNCE", 2*time.Second),
		CacheMaxAge:       e.duration("TURNSTILE_CACHE_MAX_AGE", 24*time.Hour),
		HTTPTimeout:       e.duration("TURNSTILE_HTTP_TIMEOUT", 30*time.Second),
	}
	return cfg, e.err()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "scanner"
	}
	return h
}

// env reads typed variables and collects parse errors.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) err() error {
	return errors.Join(e.errs...)
}
