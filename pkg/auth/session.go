package auth

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradegate/pkg/httpx"
)

const sessionAudience = "tradegate.session"

// Session is the locally signed claim set carried in the session cookie.
// Subject is always the identity provider's subject.
type Session struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Name      string   `json:"name,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Tier      string   `json:"tier,omitempty"`
	Audience  string   `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	// Bypass marks the synthetic session used while the boundary is disabled.
	Bypass bool `json:"-"`
}

type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	TTL        time.Duration `mapstructure:"ttl"`
	CookieName string        `mapstructure:"cookie_name"`
	Domain     string        `mapstructure:"domain"`
}

// Sessions issues and reads session tokens. Sessions are never stored
// server-side.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	cookie string
	domain string
	trust  httpx.ProxyTrust
	now    func() time.Time
}

const MinSessionSecret = 32

func NewSessions(cfg SessionConfig, trust httpx.ProxyTrust) (*Sessions, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("session secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "tg_session"
	}
	return &Sessions{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		cookie: cfg.CookieName,
		domain: cfg.Domain,
		trust:  trust,
		now:    time.Now,
	}, nil
}

// Issue signs a session for verified identity claims.
func (s *Sessions) Issue(c Claims) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	if idpExp := time.Unix(c.ExpiresAt, 0); c.ExpiresAt != 0 && idpExp.Before(exp) && idpExp.After(now) {
		exp = idpExp
	}
	token, err := signHS256(s.secret, Session{
		Issuer:    c.Issuer,
		Subject:   c.Subject,
		Name:      c.Name,
		Email:     c.Email,
		Roles:     c.Roles,
		Tier:      c.Tier,
		Audience:  sessionAudience,
		ExpiresAt: exp.Unix(),
		IssuedAt:  now.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse verifies a session token.
func (s *Sessions) Parse(token string) (Session, error) {
	rt, err := parseUnverified(token)
	if err != nil {
		return Session{}, err
	}
	if rt.header.Alg != "HS256" || !hmac.Equal(rt.signature, hs256(s.secret, rt.signed)) {
		return Session{}, errors.New("invalid session signature")
	}
	var sess Session
	if err := json.Unmarshal(rt.payload, &sess); err != nil {
		return Session{}, err
	}
	if sess.Audience != sessionAudience {
		return Session{}, fmt.Errorf("not a session token (aud %q)", sess.Audience)
	}
	if sess.Subject == "" || !s.now().Before(time.Unix(sess.ExpiresAt, 0)) {
		return Session{}, errors.New("session expired")
	}
	return sess, nil
}

// Read resolves the request's session. Any failure means unauthenticated.
func (s *Sessions) Read(r *http.Request) (Session, bool) {
	token := ""
	if c, err := r.Cookie(s.cookie); err == nil {
		token = c.Value
	} else if h := strings.TrimSpace(r.Header.Get("Authorization")); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		token = strings.TrimSpace(h[7:])
	}
	if token == "" {
		return Session{}, false
	}
	sess, err := s.Parse(token)
	if err != nil {
		return Session{}, false
	}
	return sess, true
}

// SetCookie stores the session. Secure follows the client's original scheme.
func (s *Sessions) SetCookie(w http.ResponseWriter, r *http.Request, token string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    token,
		Path:     "/",
		Domain:   s.domain,
		Expires:  exp,
		MaxAge:   int(exp.Sub(s.now()).Seconds()),
		HttpOnly: true,
		Secure:   s.trust.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) ClearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		Domain:   s.domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.trust.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}
