package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authgate/internal/model"
	"authgate/internal/token"
	"authgate/internal/util"
)

// AuthHandler exposes the registration, verification and password-reset
// flows that drive the token lifecycle manager. Email delivery happens
// upstream: responses carry the minted token so the dispatcher can send it.
type AuthHandler struct {
	tokens   *token.Service
	accounts model.AccountStore
	logger   *zap.Logger
}

func NewAuthHandler(tokens *token.Service, accounts model.AccountStore, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		tokens:   tokens,
		accounts: accounts,
		logger:   logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type registerRequest struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

type loginRequest struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token           string `json:"token"`
	NewPasswordHash string `json:"new_password_hash"`
}

// Register creates an account and mints its email-verification token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email := util.NormalizeEmail(req.Email)
	if email == "" {
		h.respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	account := &model.Account{
		AccountID:    uuid.NewString(),
		Email:        email,
		PasswordHash: req.PasswordHash,
	}
	if err := h.accounts.Create(r.Context(), account); err != nil {
		if errors.Is(err, model.ErrAccountEmailExists) {
			h.respondError(w, http.StatusConflict, "email already registered")
			return
		}
		h.serverError(w, "failed to create account", err)
		return
	}

	tok, err := h.tokens.IssueOrRefresh(r.Context(), account.AccountID, model.KindEmailVerification)
	if err != nil {
		h.serverError(w, "failed to issue verification token", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, Response{
		Success: true,
		Data: map[string]string{
			"account_id":         account.AccountID,
			"verification_token": tok.Value,
		},
		Message: "account created, verification pending",
	})
}

// Login is a placeholder credential check: real password hashing and session
// issuance live in the surrounding application. It exists here because the
// login endpoint class is the strictest metered route.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		h.respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	account, err := h.accounts.GetByEmail(r.Context(), req.Email)
	if errors.Is(err, model.ErrAccountNotFound) {
		h.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		h.serverError(w, "failed to look up account", err)
		return
	}

	if !account.IsVerified {
		h.respondError(w, http.StatusForbidden, "email not verified")
		return
	}
	if subtle.ConstantTimeCompare([]byte(account.PasswordHash), []byte(req.PasswordHash)) != 1 {
		h.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"account_id": account.AccountID},
		Message: "login successful",
	})
}

// Logout is intentionally unmetered.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail consumes a verification token and marks the account verified.
// Consuming and marking happen as one logical operation inside the service.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	outcome, err := h.tokens.Consume(r.Context(), req.Token, func(ctx context.Context, accountID string) error {
		return h.accounts.MarkVerified(ctx, accountID)
	})
	if err != nil {
		h.serverError(w, "email verification failed", err)
		return
	}

	h.respondOutcome(w, outcome, "email verified")
}

// ForgotPassword mints (or refreshes) a password-reset token for the account
// owning the email. The response is 202 either way, so the endpoint cannot
// be used to probe which emails exist.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		h.respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	accepted := Response{
		Success: true,
		Message: "if the address is registered, a reset link has been sent",
	}

	account, err := h.accounts.GetByEmail(r.Context(), req.Email)
	if errors.Is(err, model.ErrAccountNotFound) {
		h.respondJSON(w, http.StatusAccepted, accepted)
		return
	}
	if err != nil {
		h.serverError(w, "failed to look up account", err)
		return
	}

	tok, err := h.tokens.IssueOrRefresh(r.Context(), account.AccountID, model.KindPasswordReset)
	if err != nil {
		h.serverError(w, "failed to issue reset token", err)
		return
	}

	accepted.Data = map[string]string{"reset_token": tok.Value}
	h.respondJSON(w, http.StatusAccepted, accepted)
}

// ResetPassword consumes a reset token and installs the new password hash.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.respondError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.NewPasswordHash == "" {
		h.respondError(w, http.StatusBadRequest, "new password is required")
		return
	}

	outcome, err := h.tokens.Consume(r.Context(), req.Token, func(ctx context.Context, accountID string) error {
		return h.accounts.SetPasswordHash(ctx, accountID, req.NewPasswordHash)
	})
	if err != nil {
		h.serverError(w, "password reset failed", err)
		return
	}

	h.respondOutcome(w, outcome, "password updated")
}

func (h *AuthHandler) respondOutcome(w http.ResponseWriter, outcome token.Outcome, successMessage string) {
	switch outcome.Status {
	case token.StatusValid:
		h.respondJSON(w, http.StatusOK, Response{
			Success: true,
			Data:    map[string]string{"account_id": outcome.AccountID},
			Message: successMessage,
		})
	case token.StatusAlreadyUsed:
		h.respondError(w, http.StatusConflict, outcome.Reason)
	case token.StatusExpired:
		h.respondError(w, http.StatusGone, outcome.Reason)
	default:
		h.respondError(w, http.StatusBadRequest, outcome.Reason)
	}
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *AuthHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, Response{Success: false, Error: message})
}

func (h *AuthHandler) serverError(w http.ResponseWriter, message string, err error) {
	// Store faults stay generic to the caller; the detail goes to the log.
	h.logger.Error(message, zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "internal server error")
}
