package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// defaultOrigins allows local development clients.
var defaultOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// handleWebSocket streams a conversation's events over a WebSocket. The
// client may send abort frames on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: append(append([]string(nil), defaultOrigins...), s.cfg.AllowedOrigins...),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	s.metrics.Subscriptions.Add(1)
	s.logger.Debug("websocket client connected", "conversation_id", conv, "after_seq", after)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readLoop(ctx, cancel, ws)

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					s.logger.Warn("websocket subscriber dropped", "conversation_id", conv)
					s.writeFrame(ws, ServerFrame{Type: FrameTypeDropped})
					ws.Close(websocket.StatusTryAgainLater, "subscriber dropped")
					return
				}
				ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, ws, env)
			wcancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			s.logger.Debug("websocket client disconnected", "conversation_id", conv)
			return
		}
	}
}

// readLoop handles control frames until the connection closes.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) {
	defer cancel()
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		switch frame.Type {
		case FrameTypeAbort:
			s.writeFrame(ws, s.abortFrame(frame.RequestID))
		default:
			s.logger.Debug("ignoring websocket frame", "type", frame.Type)
		}
	}
}

func (s *Server) abortFrame(requestID string) ServerFrame {
	status, resp := s.abort(requestID)
	return ServerFrame{
		Type:      FrameTypeAbortResult,
		RequestID: requestID,
		Status:    status,
		Success:   resp.Success,
		Message:   resp.Message,
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, frame ServerFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		s.logger.Debug("websocket write failed", "type", frame.Type, "error", err)
	}
}
