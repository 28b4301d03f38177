package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authgate/internal/ratelimit"
)

func newThrottledHandler(t *testing.T, capacity int, trustForwardedFor bool) http.Handler {
	t.Helper()

	ctrl, err := ratelimit.NewController(ratelimit.ControllerConfig{
		Policies: map[ratelimit.EndpointClass]ratelimit.Policy{
			ratelimit.ClassLogin: {Capacity: capacity, RefillTokens: capacity, RefillInterval: time.Minute},
		},
	}, zap.NewNop())
	require.NoError(t, err)

	routes := ratelimit.NewRouteTable()
	routes.Register(http.MethodPost, PathLogin, ratelimit.ClassLogin)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return RateLimit(ctrl, routes, trustForwardedFor, nil, zap.NewNop())(next)
}

func postLogin(h http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, PathLogin, nil)
	r.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		r.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRateLimitSetsRemainingHeader(t *testing.T) {
	h := newThrottledHandler(t, 3, false)

	for _, want := range []string{"2", "1", "0"} {
		w := postLogin(h, "203.0.113.7:1000", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, w.Header().Get("X-Rate-Limit-Remaining"))
	}
}

func TestRateLimitDenialContract(t *testing.T) {
	h := newThrottledHandler(t, 1, false)

	require.Equal(t, http.StatusOK, postLogin(h, "203.0.113.7:1000", "").Code)

	w := postLogin(h, "203.0.113.7:1000", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body.Error)
	assert.Contains(t, body.Message, "Rate limit exceeded")
}

func TestRateLimitUnregisteredRoutePassesFreely(t *testing.T) {
	h := newThrottledHandler(t, 1, false)

	for i := 0; i < 10; i++ {
		r := httptest.NewRequest(http.MethodGet, PathLogin, nil)
		r.RemoteAddr = "203.0.113.7:1000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code, "GET form view of a metered POST path is free")
		assert.Empty(t, w.Header().Get("X-Rate-Limit-Remaining"))
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	h := newThrottledHandler(t, 1, false)

	require.Equal(t, http.StatusOK, postLogin(h, "203.0.113.7:1000", "198.51.100.1").Code)

	// Same peer, different spoofed header: still the same bucket.
	w := postLogin(h, "203.0.113.7:1001", "198.51.100.2")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitHonorsForwardedForWhenTrusted(t *testing.T) {
	h := newThrottledHandler(t, 1, true)

	require.Equal(t, http.StatusOK, postLogin(h, "10.0.0.1:1000", "198.51.100.1").Code)
	require.Equal(t, http.StatusTooManyRequests, postLogin(h, "10.0.0.1:1000", "198.51.100.1").Code)

	// A different forwarded client behind the same proxy keeps its own bucket.
	assert.Equal(t, http.StatusOK, postLogin(h, "10.0.0.1:1000", "198.51.100.2").Code)
}
