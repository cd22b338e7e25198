// Package hardening refuses to start a production-like gateway with settings
// that are only acceptable on a developer machine.
package hardening

import (
	"fmt"
	"strings"

	"tradegate/pkg/auth"
	"tradegate/pkg/bus"
	"tradegate/pkg/config"
)

func ValidateProduction(cfg *config.Config) error {
	if !IsProductionLikeEnv(cfg.Environment) || !cfg.StrictProdSecurity {
		return nil
	}
	if cfg.Auth.Bypass {
		return fmt.Errorf("gateway: strict production hardening forbids AUTH_BYPASS")
	}
	for _, name := range bus.Names {
		opts := cfg.Buses[name]
		if !opts.RequireTLS || !opts.TLS.Enabled {
			return fmt.Errorf("gateway: strict production hardening requires TLS on the %s bus", name)
		}
		if opts.TLS.Insecure || opts.TLS.AllowInsecure {
			return fmt.Errorf("gateway: strict production hardening forbids insecure TLS on the %s bus", name)
		}
	}
	if len(strings.TrimSpace(cfg.Auth.Session.Secret)) < auth.MinSessionSecret {
		return fmt.Errorf("gateway: strict production hardening requires a session secret of at least %d bytes", auth.MinSessionSecret)
	}
	if err := validateIssuers(cfg.Auth.Issuers); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Audit.URL) != "" && !cfg.Audit.RequireTLS {
		return fmt.Errorf("gateway: strict production hardening requires AUDIT_REQUIRE_TLS=true")
	}
	return validateCORSOrigins(cfg.HTTP.CORSOrigins)
}

func validateIssuers(issuers []auth.IssuerConfig) error {
	usable := 0
	for _, is := range issuers {
		if strings.TrimSpace(is.Secret) != "" || strings.TrimSpace(is.JWKSURL) != "" {
			usable++
		}
	}
	if usable == 0 {
		return fmt.Errorf("gateway: strict production hardening requires at least one issuer with a trust secret or jwks_url")
	}
	return nil
}

func validateCORSOrigins(origins []string) error {
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("gateway: strict production hardening forbids CORS wildcard origin")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("gateway: strict production hardening forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("gateway: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("gateway: strict production hardening requires explicit HTTP_CORS_ORIGINS")
	}
	return nil
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
