package hardening

import (
	"strings"
	"testing"

	"tradegate/pkg/auth"
	"tradegate/pkg/bus"
	"tradegate/pkg/config"
)

func productionConfig() *config.Config {
	secure := bus.Options{Addr: "bus:6379", RequireTLS: true, TLS: bus.TLSOptions{Enabled: true}}
	cfg := &config.Config{
		Environment:        "production",
		StrictProdSecurity: true,
		Buses: map[bus.Name]bus.Options{
			bus.Governance: secure,
			bus.Market:     secure,
			bus.Intel:      secure,
		},
	}
	cfg.Auth.Session.Secret = strings.Repeat("k", auth.MinSessionSecret)
	cfg.Auth.Issuers = []auth.IssuerConfig{{Name: "desk", Issuer: "https://id.desk.example", Secret: "trust"}}
	cfg.HTTP.CORSOrigins = []string{"https://console.example.com"}
	return cfg
}

func TestValidateProduction(t *testing.T) {
	if err := ValidateProduction(productionConfig()); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	cases := map[string]func(*config.Config){
		"bypass_forbidden": func(c *config.Config) { c.Auth.Bypass = true },
		"bus_tls_required": func(c *config.Config) {
			o := c.Buses[bus.Market]
			o.RequireTLS = false
			c.Buses[bus.Market] = o
		},
		"bus_insecure_forbidden": func(c *config.Config) {
			o := c.Buses[bus.Intel]
			o.TLS.Insecure = true
			c.Buses[bus.Intel] = o
		},
		"short_session_secret":  func(c *config.Config) { c.Auth.Session.Secret = "short" },
		"no_issuers":            func(c *config.Config) { c.Auth.Issuers = nil },
		"issuer_without_secret": func(c *config.Config) { c.Auth.Issuers[0].Secret = "" },
		"audit_tls_required":    func(c *config.Config) { c.Audit.URL = "postgres://audit/db" },
		"cors_wildcard":         func(c *config.Config) { c.HTTP.CORSOrigins = []string{"*"} },
		"cors_https_required":   func(c *config.Config) { c.HTTP.CORSOrigins = []string{"http://console.example.com"} },
		"cors_localhost":        func(c *config.Config) { c.HTTP.CORSOrigins = []string{"https://localhost:3000"} },
		"cors_empty":            func(c *config.Config) { c.HTTP.CORSOrigins = []string{" "} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := productionConfig()
			mutate(cfg)
			if err := ValidateProduction(cfg); err == nil {
				t.Fatal("expected hardening error")
			}
		})
	}
}

func TestValidateProductionSkips(t *testing.T) {
	cfg := productionConfig()
	cfg.Environment = "development"
	cfg.Auth.Bypass = true
	cfg.HTTP.CORSOrigins = []string{"*"}
	if err := ValidateProduction(cfg); err != nil {
		t.Fatalf("expected skip outside production, got %v", err)
	}

	cfg = productionConfig()
	cfg.StrictProdSecurity = false
	cfg.Auth.Bypass = true
	if err := ValidateProduction(cfg); err != nil {
		t.Fatalf("expected skip when strict mode is off, got %v", err)
	}
}

func TestJWKSIssuerCounts(t *testing.T) {
	cfg := productionConfig()
	cfg.Auth.Issuers = []auth.IssuerConfig{{Name: "sso", Issuer: "https://sso.example", Algorithm: "RS256", JWKSURL: "https://sso.example/jwks"}}
	if err := ValidateProduction(cfg); err != nil {
		t.Fatalf("expected jwks issuer to satisfy hardening, got %v", err)
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Production ": true, "staging": true, "dev": false, "": false} {
		if got := IsProductionLikeEnv(env); got != want {
			t.Fatalf("IsProductionLikeEnv(%q)=%v want %v", env, got, want)
		}
	}
}
