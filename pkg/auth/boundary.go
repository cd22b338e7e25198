package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tradegate/pkg/httpx"
)

type contextKey string

const sessionContextKey contextKey = "tradegate.session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(Session)
	return s, ok
}

// Boundary gates every protected prefix behind a valid session.
type Boundary struct {
	Sessions  *Sessions
	Protected []string
	Public    []string
	// Bypass disables the whole boundary. Every bypassed request is logged.
	Bypass bool
	Log    *zap.Logger
	// OnReject observes rejected requests, e.g. for metrics.
	OnReject func(r *http.Request)
}

// BypassSession is attached to protected requests while the boundary is off.
var BypassSession = Session{Subject: "bypass", Tier: "override", Bypass: true}

func (b *Boundary) Middleware(next http.Handler) http.Handler {
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := b.Sessions.Read(r); ok {
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
			return
		}
		path := r.URL.Path
		if !matchPrefix(b.Protected, path) || matchPrefix(b.Public, path) {
			next.ServeHTTP(w, r)
			return
		}
		if b.Bypass {
			log.Warn("auth boundary bypassed", zap.String("method", r.Method), zap.String("path", path))
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), BypassSession)))
			return
		}
		if b.OnReject != nil {
			b.OnReject(r)
		}
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
	})
}

// matchPrefix matches whole path segments, so /api matches /api and /api/x
// but not /apix.
func matchPrefix(prefixes []string, path string) bool {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
