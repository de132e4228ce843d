// Package config loads the server's TOML configuration file into typed
// structs via github.com/pelletier/go-toml/v2. There is no directive DSL
// here (the cfgparser/config.Map machinery this was grounded on is gone,
// see DESIGN.md) — every setting is a plain struct field with a toml tag
// and a default applied after decode.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root of coremaild's configuration file.
type Config struct {
	Hostname string `toml:"hostname"`

	Postgres PostgresConfig `toml:"postgres"`
	Blobs    BlobsConfig    `toml:"blobs"`

	SMTP       ListenerConfig `toml:"smtp"`
	Submission ListenerConfig `toml:"submission"`
	LMTP       ListenerConfig `toml:"lmtp"`
	POP3       ListenerConfig `toml:"pop3"`
	IMAP       ListenerConfig `toml:"imap"`
	Metrics    MetricsConfig  `toml:"metrics"`

	TLS TLSConfig `toml:"tls"`

	Auth  AuthConfig  `toml:"auth"`
	Queue QueueConfig `toml:"queue"`
	Hooks HooksConfig `toml:"hooks"`

	Log LogConfig `toml:"log"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type BlobsConfig struct {
	Root       string        `toml:"root"`
	GCInterval time.Duration `toml:"gc_interval"`
}

// ListenerConfig is shared by every protocol endpoint. Addr is empty to
// mean "disabled".
type ListenerConfig struct {
	Addr            string `toml:"addr"`
	ImplicitTLS     bool   `toml:"implicit_tls"`
	InsecureAuth    bool   `toml:"insecure_auth"`
	MaxMessageBytes int64  `toml:"max_message_bytes"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type AuthConfig struct {
	EnableLogin bool `toml:"enable_login"`
}

type QueueConfig struct {
	Workers          int           `toml:"workers"`
	MaxAttempts      int           `toml:"max_attempts"`
	BackoffBase      time.Duration `toml:"backoff_base"`
	BackoffCap       time.Duration `toml:"backoff_cap"`
	PerDomainLimit   int64         `toml:"per_domain_limit"`
	PollInterval     time.Duration `toml:"poll_interval"`
	RelayConnTimeout time.Duration `toml:"relay_conn_timeout"`
}

type HooksConfig struct {
	CacheTTL   time.Duration `toml:"cache_ttl"`
	HTTPBudget time.Duration `toml:"http_budget"`
}

type LogConfig struct {
	Debug bool `toml:"debug"`
}

// Defaults mirror the queue backoff and worker-sizing constants a
// reference endpoint/queue setup hardcoded.
func Defaults() Config {
	return Config{
		Hostname: "localhost",
		Blobs:    BlobsConfig{Root: "/var/lib/coremail/blobs", GCInterval: time.Hour},
		SMTP:     ListenerConfig{Addr: ":25", MaxMessageBytes: 32 << 20},
		Submission: ListenerConfig{
			Addr:            ":587",
			InsecureAuth:    false,
			MaxMessageBytes: 32 << 20,
		},
		POP3:    ListenerConfig{Addr: ":110"},
		IMAP:    ListenerConfig{Addr: ":143"},
		Metrics: MetricsConfig{Addr: ":9120"},
		Queue: QueueConfig{
			Workers:          16,
			MaxAttempts:      5,
			BackoffBase:      time.Minute,
			BackoffCap:       6 * time.Hour,
			PerDomainLimit:   4,
			PollInterval:     5 * time.Second,
			RelayConnTimeout: 60 * time.Second,
		},
		Hooks: HooksConfig{
			CacheTTL:   30 * time.Second,
			HTTPBudget: 10 * time.Second,
		},
	}
}

// Load reads and decodes path over top of Defaults(), then validates the
// result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Blobs.Root == "" {
		return fmt.Errorf("config: blobs.root is required")
	}
	if c.SMTP.Addr == "" && c.Submission.Addr == "" && c.LMTP.Addr == "" {
		return fmt.Errorf("config: at least one of smtp.addr, submission.addr, lmtp.addr must be set")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	return nil
}
