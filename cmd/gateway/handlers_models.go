package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradegate/pkg/auth"
	"tradegate/pkg/httpx"
	"tradegate/pkg/keys"
	"tradegate/pkg/stream"
	"tradegate/pkg/tier"
)

// handleModel is the point-in-time read of a polling topic.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	_, spec, err := s.Resolver.Topic(chi.URLParam(r, "topic"), chi.URLParam(r, "symbol"))
	if err != nil || spec.Source == keys.SourceKafka || spec.Mode != keys.Poll {
		httpx.Error(w, http.StatusNotFound, "unknown_topic")
		return
	}
	if err := s.Gates.Require(s.tierOf(sess), spec.Gate); err != nil {
		var d *tier.Denial
		if errors.As(err, &d) {
			s.deny(w, r, sess, d)
			return
		}
	}
	conn, err := s.Buses.Get(spec.Bus)
	if err != nil || !conn.Up() {
		httpx.ErrorWith(w, http.StatusServiceUnavailable, "unavailable", map[string]any{"topic": spec.Name})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	key, ok := s.Resolver.KeyFor(spec, symbol)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown_topic")
		return
	}
	raw, err := conn.Commands().Get(r.Context(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		httpx.Error(w, http.StatusNotFound, "unavailable")
		return
	}
	if err != nil {
		s.Log.Warn("model read failed", zap.String("topic", spec.Name), zap.String("key", key), zap.Error(err))
		httpx.ErrorWith(w, http.StatusServiceUnavailable, "unavailable", map[string]any{"topic": spec.Name})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(stream.Payload(raw))
}

type gateConfigResponse struct {
	Tier      string                   `json:"tier"`
	Version   int                      `json:"version"`
	Document  tier.Document            `json:"document"`
	Decisions map[string]tier.Decision `json:"decisions"`
}

// handleGateConfig returns the gate document with the caller's tier and the
// decision for every declared gate.
func (s *Server) handleGateConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	t := s.tierOf(sess)
	snap := s.Gates.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, gateConfigResponse{
		Tier:      t.String(),
		Version:   snap.Version(),
		Document:  snap.Document(),
		Decisions: snap.Evaluate(t),
	})
}
