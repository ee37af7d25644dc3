package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	DatabaseURL    string        `yaml:"database_url"`
	Database       DatabasePool  `yaml:"database"`
	RedisURL       string        `yaml:"redis_url"`
	MeiliURL       string        `yaml:"meili_url"`
	MeiliMasterKey string        `yaml:"meili_master_key"`
	TokenSecret    string        `yaml:"token_secret"`
	RestoreTTL     time.Duration `yaml:"restore_ttl"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SeedUsers      []string      `yaml:"seed_users"`
	AutoMigrate    bool          `yaml:"auto_migrate"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Realtime connection limits.
	SendQueue       int           `yaml:"send_queue"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`

	Client ClientConfig `yaml:"client"`
}

// DatabasePool sizes the PostgreSQL connection pool.
type DatabasePool struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ClientConfig drives the `watch` command.
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url"`
	CachePath         string        `yaml:"cache_path"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	CacheMaxAge       time.Duration `yaml:"cache_max_age"`
}

func Defaults() Config {
	return Config{
		Addr:            ":8080",
		Database: DatabasePool{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		TokenSecret:     "taskboard-dev-secret",
		RestoreTTL:      30 * 24 * time.Hour,
		BcryptCost:      10,
		AllowedOrigins:  []string{"*"},
		AutoMigrate:     true,
		LogLevel:        "info",
		LogFormat:       "json",
		SendQueue:       64,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageBytes: 64 << 10,
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8080/ws",
			CachePath:         "taskboard-cache.db",
			RequestTimeout:    10 * time.Second,
			ReconnectInitial:  time.Second,
			ReconnectMax:      5 * time.Second,
			ReconnectAttempts: 10,
			CacheMaxAge:       10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// TASKBOARD_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("TASKBOARD_CONFIG"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("TASKBOARD_ADDR", cfg.Addr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.Database.MaxOpenConns = getenvInt("TASKBOARD_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getenvInt("TASKBOARD_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxIdleTime = getenvDuration("TASKBOARD_DB_CONN_MAX_IDLE_TIME", cfg.Database.ConnMaxIdleTime)
	cfg.Database.ConnMaxLifetime = getenvDuration("TASKBOARD_DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.TokenSecret = getenv("TASKBOARD_TOKEN_SECRET", cfg.TokenSecret)
	cfg.RestoreTTL = getenvDuration("TASKBOARD_RESTORE_TTL", cfg.RestoreTTL)
	cfg.BcryptCost = getenvInt("TASKBOARD_BCRYPT_COST", cfg.BcryptCost)
	cfg.AllowedOrigins = getenvList("TASKBOARD_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.SeedUsers = getenvList("TASKBOARD_SEED_USERS", cfg.SeedUsers)
	cfg.AutoMigrate = getenvBool("TASKBOARD_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.LogLevel = getenv("TASKBOARD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("TASKBOARD_LOG_FORMAT", cfg.LogFormat)
	cfg.SendQueue = getenvInt("TASKBOARD_SEND_QUEUE", cfg.SendQueue)
	cfg.WriteTimeout = getenvDuration("TASKBOARD_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.PingInterval = getenvDuration("TASKBOARD_PING_INTERVAL", cfg.PingInterval)
	cfg.MaxMessageBytes = int64(getenvInt("TASKBOARD_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))

	cfg.Client.ServerURL = getenv("TASKBOARD_SERVER_URL", cfg.Client.ServerURL)
	cfg.Client.CachePath = getenv("TASKBOARD_CACHE_PATH", cfg.Client.CachePath)
	cfg.Client.RequestTimeout = getenvDuration("TASKBOARD_REQUEST_TIMEOUT", cfg.Client.RequestTimeout)
	cfg.Client.ReconnectInitial = getenvDuration("TASKBOARD_RECONNECT_INITIAL", cfg.Client.ReconnectInitial)
	cfg.Client.ReconnectMax = getenvDuration("TASKBOARD_RECONNECT_MAX", cfg.Client.ReconnectMax)
	cfg.Client.ReconnectAttempts = getenvInt("TASKBOARD_RECONNECT_ATTEMPTS", cfg.Client.ReconnectAttempts)
	cfg.Client.CacheMaxAge = getenvDuration("TASKBOARD_CACHE_MAX_AGE", cfg.Client.CacheMaxAge)
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("config: token secret is required")
	}
	if c.RestoreTTL <= 0 {
		return fmt.Errorf("config: restore ttl must be positive")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("config: database max open conns must be positive")
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("config: send queue must be positive")
	}
	if c.Client.ReconnectInitial <= 0 || c.Client.ReconnectMax < c.Client.ReconnectInitial {
		return fmt.Errorf("config: reconnect backoff must satisfy 0 < initial <= max")
	}
	for _, seed := range c.SeedUsers {
		if _, _, ok := SplitSeed(seed); !ok {
			return fmt.Errorf("config: seed user %q must be login:password", seed)
		}
	}
	return nil
}

// SplitSeed parses a "login:password" seed entry.
func SplitSeed(seed string) (string, string, bool) {
	login, password, ok := strings.Cut(seed, ":")
	login = strings.TrimSpace(login)
	if !ok || login == "" || password == "" {
		return "", "", false
	}
	return login, password, true
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
