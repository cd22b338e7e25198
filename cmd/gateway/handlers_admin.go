package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"tradegate/pkg/bus"
	"tradegate/pkg/httpx"
)

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Instance      string            `json:"instance"`
	Connections   int               `json:"connections"`
	Topics        map[string]int    `json:"topics"`
	Buses         map[bus.Name]bool `json:"buses"`
	ConfigVersion int               `json:"config_version"`
	GatesVersion  int               `json:"gates_version"`
}

// handleHealth always answers 200 while the process serves; a down bus shows
// as "degraded" so orchestration can tell the two apart.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, perTopic := s.Hub.Counts()
	buses := s.Buses.Status()
	status := "ok"
	for _, up := range buses {
		if !up {
			status = "degraded"
			break
		}
	}
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.Started).Seconds()),
		Instance:      s.Config.Instance,
		Connections:   total,
		Topics:        perTopic,
		Buses:         buses,
		ConfigVersion: s.Config.Version,
		GatesVersion:  s.Gates.Snapshot().Version(),
	})
}

func (s *Server) handleScheduleRebuild(w http.ResponseWriter, r *http.Request) {
	art, published, err := s.Schedule.Rebuild(r.Context(), "admin request")
	if err != nil {
		s.Log.Warn("schedule rebuild failed", zap.Error(err))
		httpx.Error(w, http.StatusServiceUnavailable, "schedule_unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"published":    published,
		"version":      art.Version,
		"events":       art.Events(),
		"window_start": art.WindowStart,
		"window_end":   art.WindowEnd,
	})
}
