package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"chatstream/internal/domain"
)

// afterSeq reads the resume point of a subscription from the Last-Event-ID
// header or the "after" query parameter.
func afterSeq(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.NewDomainError("gateway.afterSeq", domain.ErrInvalidInput, "bad event id "+strconv.Quote(raw))
	}
	return n, nil
}

// handleEvents streams a conversation's events as server-sent events. The
// SSE id is the broadcast sequence number, so a reconnecting client resumes
// where it left off.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, domain.ErrStreamingUnsupported)
		return
	}
	after, err := afterSeq(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conv := r.PathValue("conversationID")
	sub, err := s.deps.Hub.Subscribe(conv, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()
	s.metrics.Subscriptions.Add(1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 1000\n\n")
	flusher.Flush()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					s.logger.Warn("sse subscriber dropped", "conversation_id", conv)
					fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q}\n\n", FrameTypeDropped, FrameTypeDropped)
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, env); err != nil {
				s.logger.Debug("sse write failed", "conversation_id", conv, "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE writes one event. Heartbeats carry no id so they do not move the
// client's resume point.
func writeSSE(w http.ResponseWriter, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", env.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event.Type(), data)
	return err
}
