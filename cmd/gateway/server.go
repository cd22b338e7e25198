package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"tradegate/pkg/audit"
	"tradegate/pkg/auth"
	"tradegate/pkg/bus"
	"tradegate/pkg/config"
	"tradegate/pkg/httpx"
	"tradegate/pkg/keys"
	"tradegate/pkg/metrics"
	"tradegate/pkg/proxy"
	"tradegate/pkg/ratelimit"
	"tradegate/pkg/schedule"
	"tradegate/pkg/stream"
	"tradegate/pkg/telemetry"
	"tradegate/pkg/tier"
)

// Server carries everything request handlers need. It is assembled once in
// runGateway and never mutated afterwards.
type Server struct {
	Config    *config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Buses     *bus.Set
	Resolver  *keys.Resolver
	Verifier  *auth.Verifier
	Sessions  *auth.Sessions
	Tiers     tier.Resolver
	Gates     *tier.Engine
	Hub       *stream.Hub
	Dist      *stream.Distributor
	Lifecycle *stream.Lifecycle
	Schedule  *schedule.Service
	Proxy     *proxy.Proxy
	Audit     audit.Sink
	Limiter   ratelimit.Limiter
	Trust     httpx.ProxyTrust
	Started   time.Time
}

// tierOf resolves the caller's tier. The bypass session is always Override.
func (s *Server) tierOf(sess auth.Session) tier.Tier {
	if sess.Bypass {
		return tier.Override
	}
	return s.Tiers.ResolveTier(sess.Roles, sess.Tier)
}

func (s *Server) routes() http.Handler {
	cfg := s.Config
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORSMiddleware(cfg.HTTP.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(s.limitRequestBodyMiddleware)
	boundary := &auth.Boundary{
		Sessions:  s.Sessions,
		Protected: cfg.Auth.Protected,
		Public:    cfg.Auth.Public,
		Bypass:    cfg.Auth.Bypass,
		Log:       s.Log.Named("auth"),
		OnReject: func(r *http.Request) {
			s.Metrics.AuthFailures.WithLabelValues("no_session").Inc()
		},
	}
	r.Use(boundary.Middleware)

	// Long-lived streams stay outside the tracing middleware so their
	// writers keep flush and hijack support.
	r.Get("/stream/{topic}", s.handleStream)
	r.Get("/stream/{topic}/{symbol}", s.handleStream)
	r.Get("/ws/{topic}", s.handleWS)
	r.Get("/ws/{topic}/{symbol}", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.HTTPMiddleware("gateway"))
		r.Get("/health", s.handleHealth)

		ssoLimit := ratelimit.Middleware(s.Limiter, cfg.Auth.LoginRateLimit,
			ratelimit.ByClientIP("sso:", s.Trust),
			func(*http.Request, ratelimit.Decision) { s.Metrics.RateLimited.Inc() })
		if cfg.Auth.LoginRateLimit > 0 {
			r.With(ssoLimit).Get("/auth/sso", s.handleSSO)
		} else {
			r.Get("/auth/sso", s.handleSSO)
		}
		r.Get("/auth/me", s.handleMe)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
			r.Get("/models/{topic}", s.handleModel)
			r.Get("/models/{topic}/{symbol}", s.handleModel)
			r.Get("/tier-gates/config", s.handleGateConfig)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireTier(tier.Administrator))
			r.Post("/admin/schedule/rebuild", s.handleScheduleRebuild)
			r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		})

		if s.Proxy != nil {
			for _, prefix := range s.Proxy.Prefixes() {
				r.Handle(prefix, s.Proxy)
				r.Handle(prefix+"/*", s.Proxy)
			}
		}
	})
	return r
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	limit := s.Config.HTTP.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// requireTier rejects sessions below min with 403.
func (s *Server) requireTier(min tier.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := auth.SessionFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
				return
			}
			if t := s.tierOf(sess); t < min {
				httpx.ErrorWith(w, http.StatusForbidden, "forbidden", map[string]any{"tier": t.String(), "required": min.String()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deny renders a gate denial and records it.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, sess auth.Session, d *tier.Denial) {
	s.Metrics.GateDenials.WithLabelValues(d.Gate, d.Tier.String()).Inc()
	audit.Emit(r.Context(), s.Audit, audit.Record{
		Kind:     audit.GateDenial,
		Subject:  sess.Subject,
		Tier:     d.Tier.String(),
		Issuer:   sess.Issuer,
		Gate:     d.Gate,
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   http.StatusForbidden,
		ClientIP: s.Trust.ClientIP(r),
	}, s.Log)
	proxy.WriteDenial(w, d)
}
