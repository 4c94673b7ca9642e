package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chatstream/internal/domain"
	"chatstream/internal/usecase/cancellation"
)

const maxBodyBytes = 1 << 20

type submitRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Content   string `json:"content"`
}

type retryRequest struct {
	RequestID string `json:"requestId,omitempty"`
}

type selectRequest struct {
	Index *int `json:"index"`
}

// AbortResponse is the body of the abort endpoint.
type AbortResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.deps.Chat.Submit(r.Context(), r.PathValue("conversationID"), req.RequestID, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Submitted.Add(1)
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.deps.Chat.Retry(r.Context(), r.PathValue("conversationID"), r.PathValue("messageKey"), req.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Retried.Add(1)
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Index == nil {
		s.writeError(w, r, domain.NewDomainError("gateway.select", domain.ErrInvalidInput, "missing index"))
		return
	}
	conv, key := r.PathValue("conversationID"), r.PathValue("messageKey")
	if err := s.deps.Chat.Select(r.Context(), conv, key, *req.Index); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageKey": key, "selected": *req.Index})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Chat.Conversation(r.Context(), r.PathValue("conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	status, resp := s.abort(r.PathValue("requestID"))
	writeJSON(w, status, resp)
}

// abort cancels requestID and reports the outcome: 200 when this call
// canceled it, 409 when it already finished and 404 when it is unknown.
func (s *Server) abort(requestID string) (int, AbortResponse) {
	switch s.deps.Chat.Abort(requestID) {
	case cancellation.Canceled:
		s.metrics.Aborted.Add(1)
		return http.StatusOK, AbortResponse{Success: true, Message: "request canceled"}
	case cancellation.AlreadyTerminal:
		return http.StatusConflict, AbortResponse{Message: "request already finished"}
	default:
		return http.StatusNotFound, AbortResponse{Message: "request not found"}
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, err.Error())
	}
	return nil
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrToolInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConversationBusy),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrShutdown),
		errors.Is(err, domain.ErrProviderNotFound),
		errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
