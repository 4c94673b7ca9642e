package gateway

// FrameType identifies a control frame exchanged over the WebSocket
// subscription. Event envelopes are sent as they are and carry their own
// type.
type FrameType string

const (
	FrameTypeAbort       FrameType = "abort"
	FrameTypeAbortResult FrameType = "abort-result"
	FrameTypeDropped     FrameType = "dropped"
)

// ClientFrame is a frame sent by the client.
type ClientFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
}

// ServerFrame is a control frame sent by the server.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Status    int       `json:"status,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
}
