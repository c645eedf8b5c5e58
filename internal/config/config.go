package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Config represents wpphookd's config.toml.
type Config struct {
	Instance string         `toml:"instance"`
	DataDir  string         `toml:"data_dir"`
	HTTP     HTTPConfig     `toml:"http"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Business BusinessConfig `toml:"business"`
	Store    StoreConfig    `toml:"store"`
	History  HistoryConfig  `toml:"history"`
	Redis    RedisConfig    `toml:"redis"`
	AMQP     AMQPConfig     `toml:"amqp"`
	Spool    SpoolConfig    `toml:"spool"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
	// Origin is the UI origin allowed by CORS and the websocket handshake.
	// "*" allows any.
	Origin string `toml:"origin"`
}

type WebhookConfig struct {
	VerifyToken string `toml:"verify_token"`
}

// BusinessConfig identifies the business line when webhook metadata omits it.
type BusinessConfig struct {
	Number        string `toml:"number"`
	PhoneNumberID string `toml:"phone_number_id"`
}

type StoreConfig struct {
	Driver      string   `toml:"driver"`
	SQLitePath  string   `toml:"sqlite_path"`
	MongoURI    string   `toml:"mongo_uri"`
	MongoDB     string   `toml:"mongo_db"`
	PostgresDSN string   `toml:"postgres_dsn"`
	OpTimeout   Duration `toml:"op_timeout"`
	// ChangeFeed enables tailing the backend's native change feed in addition
	// to explicit notification after each write.
	ChangeFeed bool `toml:"change_feed"`
}

type HistoryConfig struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

// RedisConfig enables the summary cache when Addr is set.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      Duration `toml:"ttl"`
}

// AMQPConfig enables the broker sink when URL is set.
type AMQPConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// SpoolConfig enables directory ingest. Dir defaults to <data dir>/spool.
type SpoolConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for keys absent from every source.
func Default() *Config {
	return &Config{
		Instance: "main",
		HTTP:     HTTPConfig{Addr: ":3000", Origin: "*"},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			MongoURI:  "mongodb://localhost:27017",
			MongoDB:   "whatsapp",
			OpTimeout: Duration{5 * time.Second},
		},
		History: HistoryConfig{DefaultLimit: 200, MaxLimit: 500},
		Redis:   RedisConfig{TTL: Duration{10 * time.Minute}},
		AMQP:    AMQPConfig{Exchange: "wpphook.events"},
	}
}

// Load reads config from the given path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the config file
// (skipped when missing), then envFile loaded into the process environment
// (skipped when missing, never overriding variables already set), then
// environment overrides. The result is validated.
func Resolve(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. The short names
// (MONGO_URI, PORT, ...) are accepted for compatibility with existing
// deployments; WPPHOOK_* names take precedence over them.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
			}
		}
	}

	str(&c.Instance, "WPPHOOK_INSTANCE")
	str(&c.DataDir, "WPPHOOK_DATA_DIR")
	if v, ok := lookup("PORT"); ok && v != "" {
		c.HTTP.Addr = ":" + v
	}
	str(&c.HTTP.Addr, "WPPHOOK_HTTP_ADDR")
	str(&c.HTTP.Origin, "ORIGIN", "WPPHOOK_HTTP_ORIGIN")
	str(&c.Webhook.VerifyToken, "VERIFY_TOKEN", "WPPHOOK_VERIFY_TOKEN")
	str(&c.Business.Number, "BUSINESS_NUMBER", "WPPHOOK_BUSINESS_NUMBER")
	str(&c.Business.PhoneNumberID, "PHONE_NUMBER_ID", "WPPHOOK_PHONE_NUMBER_ID")
	str(&c.Store.Driver, "WPPHOOK_STORE_DRIVER")
	str(&c.Store.SQLitePath, "WPPHOOK_SQLITE_PATH")
	str(&c.Store.MongoURI, "MONGO_URI", "WPPHOOK_MONGO_URI")
	str(&c.Store.MongoDB, "DB_NAME", "WPPHOOK_MONGO_DB")
	str(&c.Store.PostgresDSN, "DATABASE_URL", "WPPHOOK_POSTGRES_DSN")
	str(&c.Redis.Addr, "REDIS_ADDR", "WPPHOOK_REDIS_ADDR")
	str(&c.Redis.Password, "REDIS_PASSWORD", "WPPHOOK_REDIS_PASSWORD")
	str(&c.AMQP.URL, "AMQP_URL", "WPPHOOK_AMQP_URL")
	str(&c.AMQP.Exchange, "WPPHOOK_AMQP_EXCHANGE")
	str(&c.Spool.Dir, "WPPHOOK_SPOOL_DIR")
	if c.Spool.Dir != "" {
		c.Spool.Enabled = true
	}

	if v, ok := lookup("WPPHOOK_OP_TIMEOUT"); ok && v != "" {
		if err := c.Store.OpTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("WPPHOOK_OP_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("WPPHOOK_CHANGE_FEED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WPPHOOK_CHANGE_FEED: %w", err)
		}
		c.Store.ChangeFeed = b
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDB == "" {
			errs = append(errs, errors.New("store.mongo_uri and store.mongo_db are required for the mongo driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Store.OpTimeout.Duration <= 0 {
		errs = append(errs, errors.New("store.op_timeout must be positive"))
	}
	if c.History.DefaultLimit <= 0 || c.History.MaxLimit <= 0 {
		errs = append(errs, errors.New("history limits must be positive"))
	} else if c.History.DefaultLimit > c.History.MaxLimit {
		errs = append(errs, errors.New("history.default_limit exceeds history.max_limit"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
