package memory

import (
	"context"
	"sync"

	"authgate/internal/model"
	"authgate/internal/util"
)

// AccountStore is the in-memory account seam the token side effects write
// through. The real application keeps accounts in its own relational store;
// this one backs the demo server and the tests.
type AccountStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.Account
	byEmail map[string]string
	clock   util.Clock
}

func NewAccountStore(clock util.Clock) *AccountStore {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &AccountStore{
		byID:    make(map[string]*model.Account),
		byEmail: make(map[string]string),
		clock:   clock,
	}
}

func (s *AccountStore) Create(ctx context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := util.NormalizeEmail(account.Email)
	if _, ok := s.byEmail[email]; ok {
		return model.ErrAccountEmailExists
	}

	cp := *account
	cp.Email = email
	now := s.clock.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.byID[cp.AccountID] = &cp
	s.byEmail[email] = cp.AccountID
	return nil
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.byID[accountID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[util.NormalizeEmail(email)]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *AccountStore) MarkVerified(ctx context.Context, accountID string) error {
	return s.update(accountID, func(acc *model.Account) {
		acc.IsVerified = true
	})
}

func (s *AccountStore) SetPasswordHash(ctx context.Context, accountID, passwordHash string) error {
	return s.update(accountID, func(acc *model.Account) {
		acc.PasswordHash = passwordHash
	})
}

func (s *AccountStore) update(accountID string, mutate func(*model.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.byID[accountID]
	if !ok {
		return model.ErrAccountNotFound
	}
	mutate(acc)
	acc.UpdatedAt = s.clock.Now().UTC()
	return nil
}

var _ model.AccountStore = (*AccountStore)(nil)
