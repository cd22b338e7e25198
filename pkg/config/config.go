// Package config loads the gateway configuration: embedded defaults, an
// optional YAML file, environment variables and flags, with the versioned
// central document from the governance bus layered between file and env.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tradegate/pkg/audit"
	"tradegate/pkg/auth"
	"tradegate/pkg/bus"
	"tradegate/pkg/keys"
	"tradegate/pkg/proxy"
	"tradegate/pkg/schedule"
	"tradegate/pkg/statebus"
	"tradegate/pkg/telemetry"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type AuthConfig struct {
	Issuers         []auth.IssuerConfig `mapstructure:"issuers"`
	Skew            time.Duration       `mapstructure:"skew"`
	Bypass          bool                `mapstructure:"bypass"`
	JWKSTimeout     time.Duration       `mapstructure:"jwks_timeout"`
	Protected       []string            `mapstructure:"protected"`
	Public          []string            `mapstructure:"public"`
	LoginRateLimit  int                 `mapstructure:"login_rate_limit"`
	LoginRateWindow time.Duration       `mapstructure:"login_rate_window"`
	Session         auth.SessionConfig  `mapstructure:"session"`
}

type TierConfig struct {
	GenericRole   string `mapstructure:"generic_role"`
	GatesKey      string `mapstructure:"gates_key"`
	ReloadChannel string `mapstructure:"reload_channel"`
}

type StreamConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	DedupWindow       int           `mapstructure:"dedup_window"`
	Timezone          string        `mapstructure:"timezone"`
}

type AuditConfig struct {
	audit.PostgresOptions `mapstructure:",squash"`
	HashSalt              string `mapstructure:"hash_salt"`
}

type HTTPConfig struct {
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

type Config struct {
	Environment        string `mapstructure:"environment"`
	Addr               string `mapstructure:"addr"`
	LogLevel           string `mapstructure:"log_level"`
	StrictProdSecurity bool   `mapstructure:"strict_prod_security"`
	Instance           string `mapstructure:"instance"`
	// Version of the central document applied, 0 when running on bootstrap values.
	Version int `mapstructure:"version"`

	Buses     map[bus.Name]bus.Options `mapstructure:"buses"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Tier      TierConfig               `mapstructure:"tier"`
	Stream    StreamConfig             `mapstructure:"stream"`
	Topics    []keys.TopicSpec         `mapstructure:"topics"`
	Proxy     []proxy.Route            `mapstructure:"proxy"`
	Schedule  schedule.Options         `mapstructure:"schedule"`
	Kafka     statebus.KafkaConfig     `mapstructure:"kafka"`
	Audit     AuditConfig              `mapstructure:"audit"`
	HTTP      HTTPConfig               `mapstructure:"http"`
	Telemetry telemetry.Options        `mapstructure:"telemetry"`

	loc *time.Location
}

// Location is the zone civil-date topic keys are resolved in.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Loader remembers parsed flags so the configuration can be rebuilt once the
// central document is known.
type Loader struct {
	flags     *pflag.FlagSet
	file      string
	lookupEnv func(string) (string, bool)
}

// NewLoader parses command-line flags. It returns pflag.ErrHelp unchanged
// when help was requested.
func NewLoader(args []string) (*Loader, error) {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	file := fs.String("config", "", "path to a YAML configuration file")
	fs.String("addr", "", "listen address (overrides config)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &Loader{flags: fs, file: *file, lookupEnv: os.LookupEnv}, nil
}

// Load builds the bootstrap configuration.
func (l *Loader) Load() (*Config, error) {
	return l.build(nil)
}

func (l *Loader) build(central map[string]any) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return nil, fmt.Errorf("read embedded defaults: %w", err)
	}
	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", l.file, err)
		}
	}
	if central != nil {
		if err := v.MergeConfigMap(central); err != nil {
			return nil, fmt.Errorf("merge central document: %w", err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlag("addr", l.flags.Lookup("addr")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_level", l.flags.Lookup("log-level")); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	l.resolveSecrets(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecrets reads issuer trust secrets from the environment variables
// the issuer table names. Secrets never come from the central document.
func (l *Loader) resolveSecrets(cfg *Config) {
	for i := range cfg.Auth.Issuers {
		name := strings.TrimSpace(cfg.Auth.Issuers[i].SecretEnv)
		if name == "" {
			continue
		}
		if val, ok := l.lookupEnv(name); ok {
			cfg.Auth.Issuers[i].Secret = strings.TrimSpace(val)
		}
	}
	if cfg.Instance == "" {
		host, _ := os.Hostname()
		cfg.Instance = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

var ErrInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalid)
	}
	for _, name := range bus.Names {
		opts, ok := c.Buses[name]
		if !ok || strings.TrimSpace(opts.Addr) == "" {
			return fmt.Errorf("%w: buses.%s.addr is required", ErrInvalid, name)
		}
	}
	for name := range c.Buses {
		if !name.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalid, bus.ErrUnknownBus, name)
		}
	}
	if c.Stream.PollInterval <= 0 || c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: stream intervals must be positive", ErrInvalid)
	}
	if c.Stream.QueueDepth <= 0 {
		return fmt.Errorf("%w: stream.queue_depth must be positive", ErrInvalid)
	}
	loc, err := time.LoadLocation(c.Stream.Timezone)
	if err != nil {
		return fmt.Errorf("%w: stream.timezone: %v", ErrInvalid, err)
	}
	c.loc = loc
	if _, err := keys.NewResolver(c.Topics, loc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Auth.LoginRateLimit < 0 || (c.Auth.LoginRateLimit > 0 && c.Auth.LoginRateWindow <= 0) {
		return fmt.Errorf("%w: auth.login_rate_window must be positive", ErrInvalid)
	}
	return nil
}
