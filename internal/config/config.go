package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/poolgate.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon.
type Config struct {
	Environment string

	// HTTP boundary
	ListenAddress string
	AdminSecret   string

	// Fast store: "memory" or a redis:// URL
	FastStoreURL string

	// Durable backup: "sqlite" or "postgres"
	DurableBackend  string
	SQLitePath      string
	PostgresDSN     string
	PostgresMaxOpen int
	PostgresMaxIdle int

	// Token authenticator
	AuthSecret string

	// Reconciliation loop
	ReconcileInterval time.Duration

	// Inline durable write budget per request
	WriteTimeout time.Duration

	// Batched ledger writer
	TxBatchSize     int
	TxFlushInterval time.Duration
	TxChannelBuffer int

	// Per-user request limit; zero disables limiting
	RateLimitPerSecond float64
	RateLimitBurst     float64

	// Unit-price table (YAML)
	PriceTablePath string

	LogFile  string
	LogLevel string
}

// Load reads the current environment and loads the matching daemon config
// file. Env vars with the DATAPOOL_ prefix take precedence over file values.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:        s.Environment,
		ListenAddress:      firstNonEmpty(os.Getenv("DATAPOOL_LISTEN_ADDRESS"), merged["listen_address"], ":8090"),
		AdminSecret:        firstNonEmpty(os.Getenv("DATAPOOL_ADMIN_SECRET"), merged["admin_secret"]),
		FastStoreURL:       firstNonEmpty(os.Getenv("DATAPOOL_FASTSTORE_URL"), merged["faststore_url"], "memory"),
		DurableBackend:     strings.ToLower(firstNonEmpty(os.Getenv("DATAPOOL_DURABLE_BACKEND"), merged["durable_backend"], "sqlite")),
		SQLitePath:         firstNonEmpty(os.Getenv("DATAPOOL_SQLITE_PATH"), merged["sqlite_path"], DefaultSQLitePath()),
		PostgresDSN:        firstNonEmpty(os.Getenv("DATAPOOL_POSTGRES_DSN"), merged["postgres_dsn"]),
		PostgresMaxOpen:    parseOptionalInt(firstNonEmpty(os.Getenv("DATAPOOL_POSTGRES_MAX_OPEN"), merged["postgres_max_open"]), 10),
		PostgresMaxIdle:    parseOptionalInt(firstNonEmpty(os.Getenv("DATAPOOL_POSTGRES_MAX_IDLE"), merged["postgres_max_idle"]), 5),
		AuthSecret:         firstNonEmpty(os.Getenv("DATAPOOL_AUTH_SECRET"), merged["auth_secret"]),
		TxBatchSize:        parseOptionalInt(firstNonEmpty(os.Getenv("DATAPOOL_TX_BATCH_SIZE"), merged["tx_batch_size"]), 100),
		TxChannelBuffer:    parseOptionalInt(firstNonEmpty(os.Getenv("DATAPOOL_TX_CHANNEL_BUFFER"), merged["tx_channel_buffer"]), 10000),
		RateLimitPerSecond: parseOptionalFloat(firstNonEmpty(os.Getenv("DATAPOOL_RATELIMIT_PER_SECOND"), merged["ratelimit_per_second"]), 0),
		RateLimitBurst:     parseOptionalFloat(firstNonEmpty(os.Getenv("DATAPOOL_RATELIMIT_BURST"), merged["ratelimit_burst"]), 0),
		PriceTablePath:     firstNonEmpty(os.Getenv("DATAPOOL_PRICE_TABLE"), merged["price_table"]),
		LogFile:            firstNonEmpty(os.Getenv("DATAPOOL_LOG_FILE"), merged["log_file"]),
		LogLevel:           firstNonEmpty(os.Getenv("DATAPOOL_LOG_LEVEL"), merged["log_level"], "info"),
	}

	cfg.ReconcileInterval, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("DATAPOOL_RECONCILE_INTERVAL"), merged["reconcile_interval"]), 5*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid reconcile_interval: %w", err)
	}
	cfg.WriteTimeout, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("DATAPOOL_WRITE_TIMEOUT"), merged["write_timeout"]), 2*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid write_timeout: %w", err)
	}
	cfg.TxFlushInterval, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("DATAPOOL_TX_FLUSH_INTERVAL"), merged["tx_flush_interval"]), time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid tx_flush_interval: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.AuthSecret == "" {
		return errors.New("auth_secret must be set (DATAPOOL_AUTH_SECRET)")
	}
	switch c.DurableBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("sqlite_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown durable_backend %q (want sqlite or postgres)", c.DurableBackend)
	}
	if c.FastStoreURL != "memory" && !strings.HasPrefix(c.FastStoreURL, "redis://") && !strings.HasPrefix(c.FastStoreURL, "rediss://") {
		return fmt.Errorf("faststore_url %q must be \"memory\" or a redis:// URL", c.FastStoreURL)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultSQLitePath returns the fallback database location under the user's
// home directory.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "datapool.db"
	}
	return filepath.Join(home, ".datapool", "datapool.db")
}
