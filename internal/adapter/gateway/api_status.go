package gateway

import (
	"net/http"
	"sync/atomic"
	"time"
)

// StatusResponse is the JSON body returned by GET /healthz.
type StatusResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Requests      RequestStatus `json:"requests"`
	Stream        StreamStatus  `json:"stream"`
	Providers     []string      `json:"providers"`
	Tools         []string      `json:"tools"`
}

// RequestStatus holds request counts.
type RequestStatus struct {
	InFlight   int   `json:"in_flight"`
	Registered int   `json:"registered"`
	Submitted  int64 `json:"submitted_total"`
	Retried    int64 `json:"retried_total"`
	Aborted    int64 `json:"aborted_total"`
}

// StreamStatus holds broadcast counts.
type StreamStatus struct {
	Conversations int   `json:"conversations"`
	Subscribers   int   `json:"subscribers"`
	Subscriptions int64 `json:"subscriptions_total"`
	Dropped       int64 `json:"dropped_total"`
}

// Metrics tracks counters for the status and metrics endpoints.
type Metrics struct {
	Submitted     atomic.Int64
	Retried       atomic.Int64
	Aborted       atomic.Int64
	Subscriptions atomic.Int64
}

func (s *Server) status() StatusResponse {
	stats := s.deps.Hub.Stats()
	registered := 0
	if s.deps.Registry != nil {
		registered = s.deps.Registry.Len()
	}
	return StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Requests: RequestStatus{
			InFlight:   s.deps.Chat.InFlight(),
			Registered: registered,
			Submitted:  s.metrics.Submitted.Load(),
			Retried:    s.metrics.Retried.Load(),
			Aborted:    s.metrics.Aborted.Load(),
		},
		Stream: StreamStatus{
			Conversations: stats.Conversations,
			Subscribers:   stats.Subscribers,
			Subscriptions: s.metrics.Subscriptions.Load(),
			Dropped:       stats.Dropped,
		},
		Providers: s.deps.Providers,
		Tools:     s.deps.Tools,
	}
}

// handleHealth serves GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}
