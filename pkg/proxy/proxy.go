// Package proxy forwards authenticated REST calls to backend services by
// path prefix, attaching the caller's identity and tier.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tradegate/pkg/audit"
	"tradegate/pkg/auth"
	"tradegate/pkg/httpx"
	"tradegate/pkg/metrics"
	"tradegate/pkg/tier"
)

// Identity headers set by the gateway. Inbound copies are always removed.
const (
	HeaderSubject = "X-User-Sub"
	HeaderTier    = "X-User-Tier"
	HeaderRoles   = "X-User-Roles"
	HeaderEmail   = "X-User-Email"
)

// Route maps a path prefix to one backend.
type Route struct {
	Name        string        `mapstructure:"name" json:"name"`
	Prefix      string        `mapstructure:"prefix" json:"prefix"`
	Backend     string        `mapstructure:"backend" json:"backend"`
	Gate        string        `mapstructure:"gate" json:"gate,omitempty"`
	WriteGate   string        `mapstructure:"write_gate" json:"write_gate,omitempty"`
	StripPrefix bool          `mapstructure:"strip_prefix" json:"strip_prefix,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// Gatekeeper decides feature gates. *tier.Engine implements it.
type Gatekeeper interface {
	Require(t tier.Tier, key string) error
}

type Options struct {
	Transport http.RoundTripper
	Gates     Gatekeeper
	TierOf    func(auth.Session) tier.Tier
	Metrics   *metrics.Metrics
	Audit     audit.Sink
	Log       *zap.Logger
}

type route struct {
	Route
	target *url.URL
	rp     *httputil.ReverseProxy
}

// Proxy is an http.Handler over a fixed prefix table.
type Proxy struct {
	routes []*route
	opts   Options
}

func New(routes []Route, opts Options) (*Proxy, error) {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.TierOf == nil {
		opts.TierOf = func(s auth.Session) tier.Tier {
			t, _ := tier.Parse(s.Tier)
			return t
		}
	}
	p := &Proxy{opts: opts}
	seen := map[string]bool{}
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("proxy route %q: prefix must start with /", r.Name)
		}
		r.Prefix = strings.TrimSuffix(r.Prefix, "/")
		if seen[r.Prefix] {
			return nil, fmt.Errorf("proxy prefix %q declared twice", r.Prefix)
		}
		seen[r.Prefix] = true
		target, err := url.Parse(r.Backend)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("proxy route %q: invalid backend %q", r.Name, r.Backend)
		}
		if r.Name == "" {
			r.Name = target.Host
		}
		rt := &route{Route: r, target: target}
		rt.rp = p.reverseProxy(rt)
		p.routes = append(p.routes, rt)
	}
	sort.Slice(p.routes, func(i, j int) bool { return len(p.routes[i].Prefix) > len(p.routes[j].Prefix) })
	return p, nil
}

// Routes returns the table in match order.
func (p *Proxy) Routes() []Route {
	out := make([]Route, len(p.routes))
	for i, r := range p.routes {
		out[i] = r.Route
	}
	return out
}

// Prefixes lists every routed prefix, for mounting on a router.
func (p *Proxy) Prefixes() []string {
	out := make([]string, len(p.routes))
	for i, r := range p.routes {
		out[i] = r.Prefix
	}
	return out
}

func (p *Proxy) match(path string) *route {
	for _, r := range p.routes {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r
		}
	}
	return nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := p.match(r.URL.Path)
	if rt == nil {
		httpx.Error(w, http.StatusNotFound, "not_found")
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	t := p.opts.TierOf(sess)
	gates := []string{rt.Gate}
	if mutating(r.Method) {
		gates = append(gates, rt.WriteGate)
	}
	for _, g := range gates {
		if err := p.opts.Gates.Require(t, g); err != nil {
			p.deny(w, r, sess, err)
			return
		}
	}
	if rt.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	rt.rp.ServeHTTP(w, r)
}

func (p *Proxy) deny(w http.ResponseWriter, r *http.Request, sess auth.Session, err error) {
	var d *tier.Denial
	if !errors.As(err, &d) {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	p.opts.Metrics.GateDenials.WithLabelValues(d.Gate, d.Tier.String()).Inc()
	audit.Emit(r.Context(), p.opts.Audit, audit.Record{
		Kind: audit.GateDenial, Subject: sess.Subject, Tier: d.Tier.String(), Gate: d.Gate,
		Method: r.Method, Path: r.URL.Path, Status: http.StatusForbidden,
	}, p.opts.Log)
	WriteDenial(w, d)
}

// WriteDenial renders a gate denial naming the gate and the evaluated tier.
func WriteDenial(w http.ResponseWriter, d *tier.Denial) {
	httpx.ErrorWith(w, http.StatusForbidden, "feature_gated", map[string]any{
		"gate": d.Gate,
		"tier": d.Tier.String(),
	})
}

func (p *Proxy) reverseProxy(rt *route) *httputil.ReverseProxy {
	log := p.opts.Log.With(zap.String("dependency", rt.Name))
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if rt.StripPrefix {
				pr.Out.URL.Path = strings.TrimPrefix(pr.Out.URL.Path, rt.Prefix)
				pr.Out.URL.RawPath = ""
				if pr.Out.URL.Path == "" {
					pr.Out.URL.Path = "/"
				}
			}
			pr.SetURL(rt.target)
			pr.SetXForwarded()
			h := pr.Out.Header
			for name := range h {
				if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-User-") {
					h.Del(name)
				}
			}
			h.Del("Cookie")
			h.Del("Authorization")
			if sess, ok := auth.SessionFromContext(pr.In.Context()); ok {
				h.Set(HeaderSubject, sess.Subject)
				h.Set(HeaderTier, p.opts.TierOf(sess).String())
				if len(sess.Roles) > 0 {
					h.Set(HeaderRoles, strings.Join(sess.Roles, ","))
				}
				if sess.Email != "" {
					h.Set(HeaderEmail, sess.Email)
				}
			}
			if id := middleware.GetReqID(pr.In.Context()); id != "" {
				h.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport: p.opts.Transport,
		ModifyResponse: func(resp *http.Response) error {
			if mutating(resp.Request.Method) {
				p.auditMutation(resp.Request, rt, resp.StatusCode)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.opts.Metrics.ProxyErrors.WithLabelValues(rt.Name).Inc()
			log.Warn("backend unavailable",
				zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			if mutating(r.Method) {
				p.auditMutation(r, rt, http.StatusBadGateway)
			}
			httpx.ErrorWith(w, http.StatusBadGateway, "backend_unavailable", map[string]any{"dependency": rt.Name})
		},
	}
}

func (p *Proxy) auditMutation(r *http.Request, rt *route, status int) {
	sess, _ := auth.SessionFromContext(r.Context())
	audit.Emit(r.Context(), p.opts.Audit, audit.Record{
		Kind: audit.ProxyMutation, Subject: sess.Subject, Tier: p.opts.TierOf(sess).String(),
		Method: r.Method, Path: r.URL.Path, Status: status, Dependency: rt.Name,
	}, p.opts.Log)
}
