package bus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Name identifies one of the purpose-segmented buses.
type Name string

const (
	Governance Name = "governance"
	Market     Name = "market"
	Intel      Name = "intel"
)

// Names lists every bus the gateway knows, in connection order.
var Names = []Name{Governance, Market, Intel}

func (n Name) Valid() bool {
	switch n {
	case Governance, Market, Intel:
		return true
	default:
		return false
	}
}

type TLSOptions struct {
	Enabled       bool   `mapstructure:"enabled"`
	Insecure      bool   `mapstructure:"insecure"`
	AllowInsecure bool   `mapstructure:"allow_insecure"`
	ServerName    string `mapstructure:"server_name"`
	CAFile        string `mapstructure:"ca_file"`
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
}

type Options struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	RequireTLS  bool          `mapstructure:"require_tls"`
	TLS         TLSOptions    `mapstructure:"tls"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (o Options) redisOptions(name Name, role string, tlsConfig *tls.Config) *redis.Options {
	dial := o.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	opts := &redis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		TLSConfig:   tlsConfig,
		DialTimeout: dial,
		ClientName:  "tradegate-" + string(name) + "-" + role,
		MaxRetries:  2,
	}
	if role == "sub" {
		opts.PoolSize = 4
	}
	return opts
}

func (o TLSOptions) build(name Name) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.Insecure {
		if !o.AllowInsecure {
			return nil, fmt.Errorf("bus %s: tls.insecure requires tls.allow_insecure", name)
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(o.ServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(o.CAFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("bus %s: read ca file: %w", name, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("bus %s: parse ca file: no valid certificates", name)
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(o.CertFile)
	keyFile := strings.TrimSpace(o.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("bus %s: both tls.cert_file and tls.key_file must be set", name)
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("bus %s: load mTLS keypair: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
