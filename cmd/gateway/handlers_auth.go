package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradegate/pkg/audit"
	"tradegate/pkg/auth"
	"tradegate/pkg/httpx"
)

// handleSSO exchanges an identity token for a session cookie and redirects.
// The caller only ever learns "not authenticated"; the reason stays in logs.
func (s *Server) handleSSO(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		s.rejectIdentity(r, &auth.Error{Kind: auth.KindMalformed, Err: errors.New("missing token")})
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	claims, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		s.rejectIdentity(r, err)
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	session, exp, err := s.Sessions.Issue(claims)
	if err != nil {
		s.Log.Error("session issue failed", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "session_unavailable")
		return
	}
	s.Sessions.SetCookie(w, r, session, exp)
	s.Log.Info("session issued",
		zap.String("issuer", claims.Issuer),
		zap.String("subject_hash", audit.HashSubject(claims.Subject, []byte(s.Config.Audit.HashSalt))),
		zap.String("tier", s.Tiers.ResolveTier(claims.Roles, claims.Tier).String()),
		zap.Time("expires_at", exp))
	http.Redirect(w, r, safeRedirect(r.URL.Query().Get("redirect")), http.StatusFound)
}

func (s *Server) rejectIdentity(r *http.Request, err error) {
	kind := auth.KindOf(err)
	if kind == "" {
		kind = auth.KindMalformed
	}
	var ae *auth.Error
	issuer := ""
	if errors.As(err, &ae) {
		issuer = ae.Issuer
	}
	fields := []zap.Field{zap.String("kind", string(kind)), zap.String("issuer", issuer), zap.Error(err)}
	var expired *auth.ExpiredError
	if errors.As(err, &expired) {
		fields = append(fields,
			zap.Time("now", expired.Now),
			zap.Time("expires_at", expired.ExpiresAt),
			zap.String("secret_fingerprint", expired.Fingerprint),
			zap.Duration("skew", expired.Skew))
	}
	s.Log.Warn("identity exchange rejected", fields...)
	s.Metrics.AuthFailures.WithLabelValues(string(kind)).Inc()
	audit.Emit(r.Context(), s.Audit, audit.Record{
		Kind:     audit.AuthFailure,
		Issuer:   issuer,
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   http.StatusUnauthorized,
		Reason:   string(kind),
		ClientIP: s.Trust.ClientIP(r),
	}, s.Log)
}

// safeRedirect accepts only same-site relative paths.
func safeRedirect(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}

type meResponse struct {
	Issuer    string    `json:"issuer,omitempty"`
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Bypass    bool      `json:"bypass,omitempty"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	resp := meResponse{
		Issuer:  sess.Issuer,
		Subject: sess.Subject,
		Name:    sess.Name,
		Email:   sess.Email,
		Roles:   sess.Roles,
		Tier:    s.tierOf(sess).String(),
		Bypass:  sess.Bypass,
	}
	if sess.ExpiresAt > 0 {
		resp.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.ClearCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}
