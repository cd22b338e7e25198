package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// IssuerConfig declares one trusted identity provider. HS256 issuers carry a
// shared secret (loaded from the environment variable named by SecretEnv);
// RS256 issuers carry a JWKS URL.
type IssuerConfig struct {
	Name      string `mapstructure:"name"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	Algorithm string `mapstructure:"algorithm"`
	SecretEnv string `mapstructure:"secret_env"`
	JWKSURL   string `mapstructure:"jwks_url"`
	Secret    string `mapstructure:"-"`
}

type issuer struct {
	cfg         IssuerConfig
	alg         string
	secret      []byte
	fingerprint string
	jwks        *jwksCache
}

// Verifier checks identity tokens against the issuer their iss claim names.
type Verifier struct {
	issuers map[string]*issuer
	skew    time.Duration
	now     func() time.Time
}

const DefaultSkew = 30 * time.Second

// NewVerifier builds the issuer table. An HS256 issuer without a secret is
// accepted here and fails per token with KindMissingTrustSecret, so a
// rotation gap is visible rather than a startup crash.
func NewVerifier(cfgs []IssuerConfig, skew time.Duration, client *http.Client) (*Verifier, error) {
	if skew < 0 {
		skew = 0
	}
	v := &Verifier{issuers: make(map[string]*issuer, len(cfgs)), skew: skew, now: time.Now}
	for _, c := range cfgs {
		c.Issuer = strings.TrimSpace(c.Issuer)
		if c.Issuer == "" {
			return nil, fmt.Errorf("issuer %q: iss is required", c.Name)
		}
		if _, dup := v.issuers[c.Issuer]; dup {
			return nil, fmt.Errorf("issuer %q declared twice", c.Issuer)
		}
		is := &issuer{cfg: c, alg: strings.ToUpper(strings.TrimSpace(c.Algorithm))}
		switch is.alg {
		case "", "HS256":
			is.alg = "HS256"
			if c.Secret != "" {
				is.secret = []byte(c.Secret)
				is.fingerprint = Fingerprint(is.secret)
			}
		case "RS256":
			if strings.TrimSpace(c.JWKSURL) == "" {
				return nil, fmt.Errorf("issuer %q: jwks_url is required for RS256", c.Issuer)
			}
			is.jwks = newJWKSCache(c.JWKSURL, client)
			is.fingerprint = "jwks"
		default:
			return nil, fmt.Errorf("issuer %q: unsupported algorithm %q", c.Issuer, c.Algorithm)
		}
		v.issuers[c.Issuer] = is
	}
	return v, nil
}

// Fingerprint is a short stable identifier for a secret, safe to log.
func Fingerprint(secret []byte) string {
	sum := blake3.Sum256(secret)
	return hex.EncodeToString(sum[:6])
}

// Issuers lists the trusted iss values.
func (v *Verifier) Issuers() []string {
	out := make([]string, 0, len(v.issuers))
	for iss := range v.issuers {
		out = append(out, iss)
	}
	return out
}

// Verify checks token signature, issuer, time window and audience. A bad
// token fails once; nothing here retries.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	rt, err := parseUnverified(token)
	if err != nil {
		return Claims{}, fail(KindMalformed, "", err)
	}
	iss := rt.claims.Issuer
	is, ok := v.issuers[iss]
	if !ok {
		return Claims{}, fail(KindUntrustedIssuer, iss, nil)
	}
	if !strings.EqualFold(rt.header.Alg, is.alg) {
		return Claims{}, fail(KindMalformed, iss, fmt.Errorf("alg %q, issuer expects %s", rt.header.Alg, is.alg))
	}
	fingerprint := is.fingerprint
	switch is.alg {
	case "HS256":
		if len(is.secret) == 0 {
			return Claims{}, fail(KindMissingTrustSecret, iss, nil)
		}
		if !hmac.Equal(rt.signature, hs256(is.secret, rt.signed)) {
			return Claims{}, fail(KindBadSignature, iss, errors.New("signature mismatch"))
		}
	case "RS256":
		if strings.TrimSpace(rt.header.Kid) == "" {
			return Claims{}, fail(KindMalformed, iss, errors.New("kid required"))
		}
		pub, err := is.jwks.key(ctx, rt.header.Kid, v.now())
		if err != nil {
			return Claims{}, fail(KindMissingTrustSecret, iss, err)
		}
		h := sha256.Sum256([]byte(rt.signed))
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], rt.signature); err != nil {
			return Claims{}, fail(KindBadSignature, iss, err)
		}
		fingerprint = "jwks:" + rt.header.Kid
	}

	c := rt.claims
	now := v.now()
	if c.ExpiresAt == 0 {
		return Claims{}, fail(KindMalformed, iss, errors.New("exp required"))
	}
	if exp := time.Unix(c.ExpiresAt, 0); !now.Before(exp.Add(v.skew)) {
		return Claims{}, fail(KindExpired, iss, &ExpiredError{
			Now:         now,
			ExpiresAt:   exp,
			Issuer:      iss,
			Fingerprint: fingerprint,
			Skew:        v.skew,
		})
	}
	if c.NotBefore != 0 && now.Add(v.skew).Before(time.Unix(c.NotBefore, 0)) {
		return Claims{}, fail(KindNotActive, iss, nil)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Claims{}, fail(KindMalformed, iss, errors.New("sub required"))
	}
	if aud := strings.TrimSpace(is.cfg.Audience); aud != "" && !audContains(c.Audience, aud) {
		return Claims{}, fail(KindAudience, iss, fmt.Errorf("audience %q not present", aud))
	}
	return c, nil
}
