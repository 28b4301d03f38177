package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authgate/internal/ratelimit"
	"authgate/internal/repository/memory"
	"authgate/internal/token"
)

// newTestRouter wires the full stack against in-memory stores, with policies
// generous enough that metering never interferes with the flow under test.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	store := memory.NewTokenStore()
	accounts := memory.NewAccountStore(nil)
	tokens := token.NewService(store, nil, token.ServiceConfig{
		VerificationTTL: 24 * time.Hour,
		ResetTTL:        24 * time.Hour,
	}, nil, zap.NewNop())

	generous := ratelimit.Policy{Capacity: 1000, RefillTokens: 1000, RefillInterval: time.Minute}
	ctrl, err := ratelimit.NewController(ratelimit.ControllerConfig{
		Policies: map[ratelimit.EndpointClass]ratelimit.Policy{
			ratelimit.ClassLogin:                generous,
			ratelimit.ClassRegister:             generous,
			ratelimit.ClassVerifyEmail:          generous,
			ratelimit.ClassPasswordResetRequest: generous,
			ratelimit.ClassPasswordResetConfirm: generous,
		},
	}, zap.NewNop())
	require.NoError(t, err)

	authHandler := NewAuthHandler(tokens, accounts, zap.NewNop())
	return NewRouter(authHandler, ctrl, DefaultRouteTable(), false, nil, zap.NewNop())
}

func doJSON(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func dataField(t *testing.T, resp Response, key string) string {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "response data should be an object")
	value, _ := data[key].(string)
	return value
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, PathRegister,
		`{"email":"alice@example.com","password_hash":"hash-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeResponse(t, w)
	require.True(t, resp.Success)
	verifyToken := dataField(t, resp, "verification_token")
	require.NotEmpty(t, verifyToken)

	// Unverified accounts cannot log in yet.
	w = doJSON(router, http.MethodPost, PathLogin,
		`{"email":"alice@example.com","password_hash":"hash-1"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, PathVerifyEmail, `{"token":"`+verifyToken+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// The link is single-use.
	w = doJSON(router, http.MethodPost, PathVerifyEmail, `{"token":"`+verifyToken+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, token.ReasonAlreadyUsed, decodeResponse(t, w).Error)

	w = doJSON(router, http.MethodPost, PathLogin,
		`{"email":"alice@example.com","password_hash":"hash-1"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, PathLogin,
		`{"email":"alice@example.com","password_hash":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPasswordResetFlow(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, PathRegister,
		`{"email":"bob@example.com","password_hash":"old-hash"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	verifyToken := dataField(t, decodeResponse(t, w), "verification_token")
	require.Equal(t, http.StatusOK,
		doJSON(router, http.MethodPost, PathVerifyEmail, `{"token":"`+verifyToken+`"}`).Code)

	w = doJSON(router, http.MethodPost, PathForgotPassword, `{"email":"bob@example.com"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	resetToken := dataField(t, decodeResponse(t, w), "reset_token")
	require.NotEmpty(t, resetToken)

	w = doJSON(router, http.MethodPost, PathResetPassword,
		`{"token":"`+resetToken+`","new_password_hash":"new-hash"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Old credentials dead, new ones live.
	assert.Equal(t, http.StatusUnauthorized,
		doJSON(router, http.MethodPost, PathLogin,
			`{"email":"bob@example.com","password_hash":"old-hash"}`).Code)
	assert.Equal(t, http.StatusOK,
		doJSON(router, http.MethodPost, PathLogin,
			`{"email":"bob@example.com","password_hash":"new-hash"}`).Code)

	// Replaying the reset link conflicts.
	w = doJSON(router, http.MethodPost, PathResetPassword,
		`{"token":"`+resetToken+`","new_password_hash":"other"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestForgotPasswordNeverRevealsAccountExistence(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, PathForgotPassword, `{"email":"ghost@example.com"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data, "unknown addresses get the same 202, minus any token")
}

func TestForgotPasswordRefreshKillsOldLink(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, PathRegister,
		`{"email":"carol@example.com","password_hash":"h"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	first := dataField(t, decodeResponse(t,
		doJSON(router, http.MethodPost, PathForgotPassword, `{"email":"carol@example.com"}`)), "reset_token")
	second := dataField(t, decodeResponse(t,
		doJSON(router, http.MethodPost, PathForgotPassword, `{"email":"carol@example.com"}`)), "reset_token")
	require.NotEqual(t, first, second)

	w = doJSON(router, http.MethodPost, PathResetPassword,
		`{"token":"`+first+`","new_password_hash":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "the superseded link is simply invalid")
	assert.Equal(t, token.ReasonInvalid, decodeResponse(t, w).Error)
}

func TestVerifyEmailRejectsGarbage(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, PathVerifyEmail, `{"token":"not-a-real-token"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, token.ReasonInvalid, decodeResponse(t, w).Error)

	w = doJSON(router, http.MethodPost, PathVerifyEmail, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest,
		doJSON(router, http.MethodPost, PathRegister, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest,
		doJSON(router, http.MethodPost, PathRegister, `{"email":"  "}`).Code)

	require.Equal(t, http.StatusCreated,
		doJSON(router, http.MethodPost, PathRegister, `{"email":"dave@example.com"}`).Code)
	assert.Equal(t, http.StatusConflict,
		doJSON(router, http.MethodPost, PathRegister, `{"email":"DAVE@example.com"}`).Code)
}

func TestLogoutIsUnmetered(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 20; i++ {
		w := doJSON(router, http.MethodPost, PathLogout, ``)
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("X-Rate-Limit-Remaining"))
	}
}

func TestHealthAndNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/health", ``)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = doJSON(router, http.MethodGet, "/nope", ``)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
