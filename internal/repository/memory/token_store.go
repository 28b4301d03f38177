// Package memory holds process-local store implementations used by tests and
// single-node deployments. State is lost on restart, which is acceptable for
// short-lived security tokens.
package memory

import (
	"context"
	"sync"
	"time"

	"authgate/internal/model"
)

type ownerKey struct {
	accountID string
	kind      model.TokenKind
}

// TokenStore keeps tokens in two maps: by raw value for validation, by
// (account, kind) for the overwrite-on-refresh invariant. One mutex guards
// both so they can never disagree.
type TokenStore struct {
	mu      sync.Mutex
	byValue map[string]*model.SecurityToken
	byOwner map[ownerKey]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		byValue: make(map[string]*model.SecurityToken),
		byOwner: make(map[ownerKey]string),
	}
}

func (s *TokenStore) FindByValue(ctx context.Context, value string) (*model.SecurityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byValue[value]
	if !ok {
		return nil, model.ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *TokenStore) FindByAccountAndKind(ctx context.Context, accountID string, kind model.TokenKind) (*model.SecurityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.byOwner[ownerKey{accountID: accountID, kind: kind}]
	if !ok {
		return nil, model.ErrTokenNotFound
	}
	cp := *s.byValue[value]
	return &cp, nil
}

func (s *TokenStore) Upsert(ctx context.Context, token *model.SecurityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := ownerKey{accountID: token.AccountID, kind: token.Kind}
	if old, ok := s.byOwner[owner]; ok {
		delete(s.byValue, old)
	}

	cp := *token
	s.byValue[cp.Value] = &cp
	s.byOwner[owner] = cp.Value
	return nil
}

func (s *TokenStore) Claim(ctx context.Context, value string) (*model.SecurityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byValue[value]
	if !ok {
		return nil, model.ErrTokenNotFound
	}
	if tok.Used {
		return nil, model.ErrTokenAlreadyUsed
	}

	tok.Used = true
	cp := *tok
	return &cp, nil
}

func (s *TokenStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for value, tok := range s.byValue {
		if tok.ExpiresAt.Before(cutoff) {
			delete(s.byValue, value)
			delete(s.byOwner, ownerKey{accountID: tok.AccountID, kind: tok.Kind})
			deleted++
		}
	}
	return deleted, nil
}

var _ model.TokenStore = (*TokenStore)(nil)
