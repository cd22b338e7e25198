package main

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tradegate/pkg/auth"
	"tradegate/pkg/httpx"
	"tradegate/pkg/keys"
	"tradegate/pkg/stream"
	"tradegate/pkg/tier"
)

const maxStreamsGate = "max_streams"

// streamRequest is a stream request that passed topic resolution and every
// gate, with its hub registration held.
type streamRequest struct {
	client  *stream.Client
	initial []stream.Frame
}

// openStream resolves the topic, applies its gate and the per-subject stream
// quota, and registers with the hub. On failure it has already written the
// response.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request) (*streamRequest, bool) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return nil, false
	}
	name, symbol := chi.URLParam(r, "topic"), chi.URLParam(r, "symbol")
	concrete := name
	if name != stream.LifecycleTopic || symbol != "" {
		var spec keys.TopicSpec
		var err error
		concrete, spec, err = s.Resolver.Topic(name, symbol)
		if err != nil {
			httpx.Error(w, http.StatusNotFound, "unknown_topic")
			return nil, false
		}
		t := s.tierOf(sess)
		if err := s.Gates.Require(t, spec.Gate); err != nil {
			var d *tier.Denial
			if errors.As(err, &d) {
				s.deny(w, r, sess, d)
				return nil, false
			}
		}
	}

	t := s.tierOf(sess)
	limit := s.Gates.Check(t, maxStreamsGate).Limit
	c, err := s.Hub.Register(r.Context(), sess.Subject, []string{concrete}, limit)
	if errors.Is(err, stream.ErrStreamLimit) {
		s.deny(w, r, sess, &tier.Denial{Gate: maxStreamsGate, Tier: t})
		return nil, false
	}
	if err != nil {
		s.Log.Warn("stream registration failed", zap.String("topic", concrete), zap.Error(err))
		httpx.Error(w, http.StatusServiceUnavailable, "unavailable")
		return nil, false
	}
	return &streamRequest{client: c, initial: s.Dist.Snapshots([]string{concrete})}, true
}

func (s *Server) serveOptions() stream.ServeOptions {
	return stream.ServeOptions{
		KeepAlive:    s.Config.Stream.KeepAlive,
		WriteTimeout: s.Config.Stream.WriteTimeout,
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.openStream(w, r)
	if !ok {
		return
	}
	defer s.Hub.Unregister(req.client)
	err := stream.ServeSSE(w, r, req.client, req.initial, s.serveOptions())
	s.logStreamEnd(req.client, "sse", err)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	req, ok := s.openStream(w, r)
	if !ok {
		return
	}
	defer s.Hub.Unregister(req.client)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.Config.HTTP.CORSOrigins),
	})
	if err != nil {
		s.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	err = stream.ServeWS(r.Context(), conn, req.client, req.initial, s.serveOptions())
	s.logStreamEnd(req.client, "ws", err)
}

func (s *Server) logStreamEnd(c *stream.Client, transport string, err error) {
	fields := []zap.Field{
		zap.String("client", c.ID),
		zap.Strings("topics", c.Topics),
		zap.String("transport", transport),
	}
	switch {
	case err == nil:
		s.Log.Debug("stream closed", fields...)
	case stream.IsEviction(err):
		s.Log.Info("stream evicted", append(fields, zap.String("reason", c.Reason()))...)
	default:
		s.Log.Debug("stream ended", append(fields, zap.Error(err))...)
	}
}

// originPatterns converts configured CORS origins to websocket host patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
