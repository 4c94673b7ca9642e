package llm

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		sentinel error
		wantMsg  string
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, domain.ErrRateLimit, "slow down"},
		{http.StatusUnauthorized, `{"error":"invalid api key"}`, domain.ErrAuthInvalid, "invalid api key"},
		{http.StatusForbidden, `forbidden`, domain.ErrAuthInvalid, "forbidden"},
		{http.StatusRequestEntityTooLarge, `{"error":{"message":"too long"}}`, domain.ErrContextOverflow, "too long"},
		{http.StatusInternalServerError, `boom`, nil, "boom"},
		{418, `I'm a teapot`, nil, "teapot"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError("openai", tt.status, []byte(tt.body))

			var upstream *domain.UpstreamError
			require.True(t, errors.As(err, &upstream))
			assert.Equal(t, "openai", upstream.Provider)
			assert.Equal(t, tt.status, upstream.StatusCode)
			assert.Contains(t, err.Error(), tt.wantMsg)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			} else {
				assert.False(t, domain.IsRetryableError(err))
			}
		})
	}
}

func TestBearerHeaders(t *testing.T) {
	assert.Empty(t, bearerHeaders(""))
	assert.Equal(t, map[string]string{"Authorization": "Bearer k"}, bearerHeaders("k"))
}
