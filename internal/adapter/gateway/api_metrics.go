package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
)

// handleMetrics serves GET /metrics in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.status()

	gauge(w, "chatstream_requests_in_flight", "Requests currently streaming.", float64(st.Requests.InFlight))
	gauge(w, "chatstream_registry_entries", "Live cancellation registry entries.", float64(st.Requests.Registered))
	counter(w, "chatstream_requests_submitted_total", "Messages submitted.", st.Requests.Submitted)
	counter(w, "chatstream_requests_retried_total", "Retries started.", st.Requests.Retried)
	counter(w, "chatstream_requests_aborted_total", "Requests canceled by a client.", st.Requests.Aborted)

	gauge(w, "chatstream_stream_conversations", "Conversations with a broadcast channel.", float64(st.Stream.Conversations))
	gauge(w, "chatstream_stream_subscribers", "Attached subscribers.", float64(st.Stream.Subscribers))
	counter(w, "chatstream_stream_subscriptions_total", "Subscriptions opened.", st.Stream.Subscriptions)
	counter(w, "chatstream_stream_dropped_total", "Subscribers dropped for falling behind.", st.Stream.Dropped)

	gauge(w, "chatstream_uptime_seconds", "Seconds since the server started.", float64(st.UptimeSeconds))

	// Go runtime metrics.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
	gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", float64(mem.Alloc))
	gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", float64(mem.Sys))
}

func gauge(w io.Writer, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}
