package model

import (
	"context"
	"errors"
	"time"
)

// TokenKind distinguishes the two single-use credential flows.
type TokenKind string

const (
	KindEmailVerification TokenKind = "email_verification"
	KindPasswordReset     TokenKind = "password_reset"
)

// -------------------- SECURITY TOKEN MODEL --------------------

// SecurityToken is a one-time, time-bound capability granted to one account.
// Exactly one live row exists per (account, kind); issuing again overwrites
// the previous row instead of accumulating history.
type SecurityToken struct {
	Value     string    `json:"token_value" db:"token_value"` // opaque random UUID
	AccountID string    `json:"account_id" db:"account_id"`
	Kind      TokenKind `json:"kind" db:"kind"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Used      bool      `json:"used" db:"used"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LiveAt reports whether the token is still consumable at the given instant.
func (t *SecurityToken) LiveAt(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// -------------------- ACCOUNT MODEL --------------------

// Account carries only the fields the token side effects touch. Full user
// records live in the surrounding application.
type Account struct {
	AccountID    string    `json:"account_id" db:"account_id"` // UUID
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"` // hashed upstream, opaque here
	IsVerified   bool      `json:"is_verified" db:"is_verified"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- SENTINEL ERRORS --------------------

var (
	ErrTokenNotFound      = errors.New("security token not found")
	ErrTokenAlreadyUsed   = errors.New("security token already used")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountEmailExists = errors.New("account email already registered")
)

// -------------------- STORE INTERFACES --------------------

// TokenStore persists security tokens. Every implementation must make Claim
// effectively atomic: of two concurrent Claim calls on the same value at
// most one returns the token, the other ErrTokenAlreadyUsed.
type TokenStore interface {
	// FindByValue returns ErrTokenNotFound for absent rows. Expired-and-purged
	// rows are indistinguishable from rows that never existed.
	FindByValue(ctx context.Context, value string) (*SecurityToken, error)

	// FindByAccountAndKind returns the single row for (account, kind),
	// or ErrTokenNotFound.
	FindByAccountAndKind(ctx context.Context, accountID string, kind TokenKind) (*SecurityToken, error)

	// Upsert replaces any existing row for (token.AccountID, token.Kind).
	// The previous token value becomes unknown to FindByValue afterwards.
	Upsert(ctx context.Context, token *SecurityToken) error

	// Claim flips used from false to true and returns the claimed token.
	// Returns ErrTokenNotFound or ErrTokenAlreadyUsed; used is never unset.
	Claim(ctx context.Context, value string) (*SecurityToken, error)

	// DeleteExpiredBefore removes every row with expiry strictly before the
	// cutoff, regardless of the used flag, and reports how many went away.
	// Backends with native TTL expiry may report 0.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AccountStore is the seam through which consuming a token applies its
// domain side effect.
type AccountStore interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, accountID string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	MarkVerified(ctx context.Context, accountID string) error
	SetPasswordHash(ctx context.Context, accountID, passwordHash string) error
}
