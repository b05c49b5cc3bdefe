// Package config loads server configuration. Values are layered: built-in
// defaults, then an optional YAML file, then environment variables, then
// command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/report"
)

// Config holds all configuration for the chat server and the notifier.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Matching MatchingConfig       `yaml:"matching"`
	Redis    RedisConfig          `yaml:"redis"`
	NATS     messaging.NATSConfig `yaml:"nats"`
	Database DatabaseConfig       `yaml:"database"`
	SMTP     report.SMTPConfig    `yaml:"smtp"`
	Log      LogConfig            `yaml:"log"`
}

// ServerConfig holds WebSocket server settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxFrameSize   int64         `yaml:"max_frame_size"`
}

// MatchingConfig holds engine settings. A zero MaxWait disables the idle
// wait limit.
type MatchingConfig struct {
	MaxWait       time.Duration `yaml:"max_wait"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MailboxSize   int           `yaml:"mailbox_size"`
}

// RedisConfig holds the Redis connection used for rate limits and bans. An
// empty Addr disables both.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the Postgres DSN for report persistence. An empty
// URL disables persistence.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a Config with production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxFrameSize:   8 << 20,
		},
		Matching: MatchingConfig{
			SweepInterval: 5 * time.Second,
			MailboxSize:   1024,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  messaging.DefaultNATSConfig(),
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	num("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize)
	num("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	dur("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("MATCH_MAX_WAIT", &cfg.Matching.MaxWait)
	dur("SWEEP_INTERVAL", &cfg.Matching.SweepInterval)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("NATS_URL", &cfg.NATS.URL)
	str("DATABASE_URL", &cfg.Database.URL)
	str("SMTP_ADDR", &cfg.SMTP.Addr)
	str("SMTP_USERNAME", &cfg.SMTP.Username)
	str("SMTP_PASSWORD", &cfg.SMTP.Password)
	str("SMTP_FROM", &cfg.SMTP.From)
	str("SMTP_TO", &cfg.SMTP.To)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate checks values that would make the server unusable.
func (c Config) Validate() error {
	switch {
	case c.Server.ListenAddr == "":
		return errors.New("config: listen address is empty")
	case c.Server.WorkerPoolSize <= 0:
		return errors.New("config: worker pool size must be positive")
	case c.Server.MaxConnections <= 0:
		return errors.New("config: max connections must be positive")
	case c.Server.MaxFrameSize <= 0:
		return errors.New("config: max frame size must be positive")
	case c.Matching.MaxWait < 0:
		return errors.New("config: max wait must not be negative")
	case c.Matching.SweepInterval <= 0:
		return errors.New("config: sweep interval must be positive")
	case c.Matching.MailboxSize <= 0:
		return errors.New("config: mailbox size must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Flags binds the command line overrides for cfg to a flag set. The config
// file path is returned through path.
func Flags(name string, cfg *Config, path *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(path, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "address to listen on")
	fs.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis address (empty disables rate limits and bans)")
	fs.StringVar(&cfg.NATS.URL, "nats", cfg.NATS.URL, "NATS URL (empty disables report publishing)")
	fs.StringVar(&cfg.Database.URL, "database", cfg.Database.URL, "Postgres DSN (empty disables report persistence)")
	fs.DurationVar(&cfg.Matching.MaxWait, "max-wait", cfg.Matching.MaxWait, "return queued identities to idle after this long (0 disables)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: console or json")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

// Load builds the configuration from args. The config file named by
// --config is applied first so that the environment and explicit flags win
// over it.
func Load(name string, args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path := configPath(args); path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	var path string
	fs := Flags(name, &cfg, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if help, _ := fs.GetBool("help"); help {
		return Config{}, pflag.ErrHelp
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configPath finds the --config value ahead of the full flag parse.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return ""
		case a == "--config" || a == "-c":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-c="):
			return strings.TrimPrefix(a, "-c=")
		}
	}
	return ""
}
