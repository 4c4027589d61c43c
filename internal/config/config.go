// Package config loads server settings from defaults, an optional YAML file,
// TRIVIA_* environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRIVIA"

// Finalizer backends.
const (
	BackendNone     = "none"
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogLevel       string   `mapstructure:"log_level"`

	RoundDuration   time.Duration `mapstructure:"round_duration"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MinPlayers      int           `mapstructure:"min_players"`
	MaxPlayers      int           `mapstructure:"max_players"`

	OutboundBuffer int           `mapstructure:"outbound_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadLimit      int64         `mapstructure:"read_limit"`

	FinalizerBackend string        `mapstructure:"finalizer_backend"`
	FinalizerURL     string        `mapstructure:"finalizer_url"`
	FinalizerPath    string        `mapstructure:"finalizer_path"`
	FinalizerTimeout time.Duration `mapstructure:"finalizer_timeout"`
	FinalizeAttempts int           `mapstructure:"finalize_attempts"`
	FinalizeBackoff  time.Duration `mapstructure:"finalize_backoff"`

	DatabaseURL  string `mapstructure:"database_url"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisDB      int    `mapstructure:"redis_db"`
	JournalQueue string `mapstructure:"journal_queue"`

	HistorianBatchSize  int           `mapstructure:"historian_batch_size"`
	HistorianFlushDelay time.Duration `mapstructure:"historian_flush_delay"`
	HistorianPopTimeout time.Duration `mapstructure:"historian_pop_timeout"`

	AuthPublicKey string `mapstructure:"auth_public_key"`
}

var defaults = map[string]any{
	"port":            5080,
	"allowed_origins": []string{"http://localhost:5173"},
	"log_level":       "info",

	"round_duration":   20 * time.Second,
	"disconnect_grace": 3 * time.Second,
	"sweep_interval":   5 * time.Second,
	"min_players":      2,
	"max_players":      0,

	"outbound_buffer": 32,
	"ping_interval":   30 * time.Second,
	"read_limit":      int64(64 << 10),

	"finalizer_backend": BackendNone,
	"finalizer_url":     "",
	"finalizer_path":    "/api/game-sessions/finalize",
	"finalizer_timeout": 10 * time.Second,
	"finalize_attempts": 3,
	"finalize_backoff":  500 * time.Millisecond,

	"database_url":  "",
	"redis_addr":    "",
	"redis_db":      0,
	"journal_queue": "trivia_results",

	"historian_batch_size":  20,
	"historian_flush_delay": 500 * time.Millisecond,
	"historian_pop_timeout": 3 * time.Second,

	"auth_public_key": "",
}

// New returns a viper instance with every key defaulted and TRIVIA_* env binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers a flag per key on fs and binds it to v. Flag names use
// dashes (round-duration for round_duration).
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (env: TRIVIA_CONFIG)")
	fs.IntP("port", "p", 5080, "port to listen on")
	fs.StringSlice("allowed-origins", []string{"http://localhost:5173"}, "origins allowed by CORS and the websocket handshake")
	fs.String("log-level", "info", "logrus level (debug, info, warn, error)")

	fs.Duration("round-duration", 20*time.Second, "time allowed per question")
	fs.Duration("disconnect-grace", 3*time.Second, "how long a dropped connection may reconnect before the player is removed")
	fs.Duration("sweep-interval", 5*time.Second, "how often empty lobbies are deleted")
	fs.Int("min-players", 2, "players required to start a game")
	fs.Int("max-players", 0, "players allowed in a started game (0 = unlimited)")

	fs.Int("outbound-buffer", 32, "queued messages per connection before drops")
	fs.Duration("ping-interval", 30*time.Second, "websocket keepalive ping interval")
	fs.Int64("read-limit", 64<<10, "maximum inbound message size in bytes")

	fs.String("finalizer-backend", BackendNone, "where completed sessions are recorded: none, http or postgres")
	fs.String("finalizer-url", "", "base URL of the persistence service (http backend)")
	fs.String("finalizer-path", "/api/game-sessions/finalize", "finalize endpoint path (http backend)")
	fs.Duration("finalizer-timeout", 10*time.Second, "timeout for one finalize attempt")
	fs.Int("finalize-attempts", 3, "finalize attempts before giving up")
	fs.Duration("finalize-backoff", 500*time.Millisecond, "delay before the first finalize retry, doubled each retry")

	fs.String("database-url", "", "postgres connection string")
	fs.String("redis-addr", "", "redis address for the result journal")
	fs.Int("redis-db", 0, "redis database index")
	fs.String("journal-queue", "trivia_results", "redis list finalized results are pushed to")

	fs.Int("historian-batch-size", 20, "results written per historian transaction")
	fs.Duration("historian-flush-delay", 500*time.Millisecond, "longest a popped result waits before the historian flushes")
	fs.Duration("historian-pop-timeout", 3*time.Second, "how long one BLPOP blocks")

	fs.String("auth-public-key", "", "base64 ed25519 key that verifies handshake tokens")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("trivia")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.RoundDuration <= 0 {
		return fmt.Errorf("round_duration must be positive, got %s", c.RoundDuration)
	}
	if c.DisconnectGrace < 0 {
		return fmt.Errorf("disconnect_grace must not be negative, got %s", c.DisconnectGrace)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.MinPlayers < 1 {
		return fmt.Errorf("min_players must be at least 1, got %d", c.MinPlayers)
	}
	if c.MaxPlayers != 0 && c.MaxPlayers < c.MinPlayers {
		return fmt.Errorf("max_players (%d) is below min_players (%d)", c.MaxPlayers, c.MinPlayers)
	}
	if c.OutboundBuffer < 1 {
		return fmt.Errorf("outbound_buffer must be at least 1, got %d", c.OutboundBuffer)
	}
	if c.FinalizeAttempts < 1 {
		return fmt.Errorf("finalize_attempts must be at least 1, got %d", c.FinalizeAttempts)
	}
	switch c.FinalizerBackend {
	case BackendNone:
	case BackendHTTP:
		if c.FinalizerURL == "" {
			return errors.New("finalizer_url is required for the http finalizer")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres finalizer")
		}
	default:
		return fmt.Errorf("unknown finalizer_backend %q (want none, http or postgres)", c.FinalizerBackend)
	}
	return nil
}

// ValidateHistorian checks the settings the historian needs on top of Validate.
func (c *Config) ValidateHistorian() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required for the historian")
	}
	if c.RedisAddr == "" {
		return errors.New("redis_addr is required for the historian")
	}
	if c.HistorianBatchSize < 1 {
		return fmt.Errorf("historian_batch_size must be at least 1, got %d", c.HistorianBatchSize)
	}
	if c.HistorianPopTimeout < time.Second {
		return fmt.Errorf("historian_pop_timeout must be at least 1s, got %s", c.HistorianPopTimeout)
	}
	return nil
}
