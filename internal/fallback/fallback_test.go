package fallback

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflinePage(t *testing.T) {
	t.Parallel()

	resp := OfflinePage()
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	body := string(resp.Body)
	assert.Contains(t, body, "addEventListener('online'")
	assert.Contains(t, body, "addEventListener('offline'")
	assert.Contains(t, body, `id="retry"`)
}

func TestImagePlaceholder(t *testing.T) {
	t.Parallel()

	resp := ImagePlaceholder()
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(resp.Body), "<svg"))
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	resp := APIError("")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))

	var body apiError
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.True(t, body.Error)
	assert.True(t, body.Offline)
	assert.NotEmpty(t, body.Message)
	assert.Equal(t, RetryAfterSeconds, body.RetryAfter)

	custom := APIError("search is offline")
	require.NoError(t, json.Unmarshal(custom.Body, &body))
	assert.Equal(t, "search is offline", body.Message)
}

func TestFallbacksAreDeterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, OfflinePage(), OfflinePage())
	assert.Equal(t, ImagePlaceholder(), ImagePlaceholder())
	assert.Equal(t, APIError("x"), APIError("x"))
	assert.Equal(t, http.StatusNotFound, FontMissing().Status)
	assert.Empty(t, FontMissing().Body)
	assert.Equal(t, http.StatusServiceUnavailable, Offline().Status)
}
