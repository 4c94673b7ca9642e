package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// maxErrorBody is how much of a non-200 response body is kept for the error.
const maxErrorBody = 4096

// doStreamRequest performs a JSON POST request for SSE streaming and returns
// the open *http.Response (caller must close Body). Non-200 responses come
// back as *domain.UpstreamError; failures after an abort source fired come
// back as *domain.AbortedError.
func doStreamRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyStreamError(ctx, provider, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		if readErr != nil {
			return nil, classifyStreamError(ctx, provider, readErr)
		}
		return nil, mapHTTPError(provider, httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// mapHTTPError maps an HTTP status code and response body to an
// *domain.UpstreamError wrapping the matching category sentinel, so that
// callers can still branch on ErrRateLimit or ErrAuthInvalid.
func mapHTTPError(provider string, statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, providerErrorMessage(body))

	var err error
	switch {
	case statusCode == http.StatusTooManyRequests:
		err = fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err = fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		err = fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	default:
		err = fmt.Errorf("%s", detail)
	}
	return &domain.UpstreamError{Provider: provider, StatusCode: statusCode, Err: err}
}

// providerErrorMessage extracts error.message from the JSON error payloads
// both OpenAI and Anthropic return, falling back to the raw body.
func providerErrorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(payload.Error, &s) == nil && s != "" {
			return s
		}
	}
	return string(bytes.TrimSpace(body))
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// bearerHeaders returns the Authorization header for key, if any.
func bearerHeaders(key string) map[string]string {
	headers := map[string]string{}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	return headers
}
