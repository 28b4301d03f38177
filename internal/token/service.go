package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authgate/internal/events"
	"authgate/internal/model"
	"authgate/internal/util"
)

// ServiceConfig carries the per-kind expiry windows and the purge cadence.
type ServiceConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	PurgeInterval   time.Duration
}

const (
	defaultTokenTTL     = 24 * time.Hour
	defaultPurgeEvery   = 24 * time.Hour
	purgeRequestTimeout = 30 * time.Second
)

// Service owns the security-token state machine: Created → Valid →
// {Used | Expired}. It issues, validates and consumes single-use tokens and
// purges expired rows on a schedule.
type Service struct {
	store   model.TokenStore
	emitter *events.Emitter
	clock   util.Clock
	cfg     ServiceConfig
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewService(store model.TokenStore, emitter *events.Emitter, cfg ServiceConfig, clock util.Clock, logger *zap.Logger) *Service {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultTokenTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = defaultTokenTTL
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = defaultPurgeEvery
	}
	if clock == nil {
		clock = util.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:   store,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// IssueOrRefresh mints a fresh token for (account, kind). Any existing row
// for the pair is overwritten in place, so the previous link dies the moment
// a new one is requested.
func (s *Service) IssueOrRefresh(ctx context.Context, accountID string, kind model.TokenKind) (*model.SecurityToken, error) {
	now := s.clock.Now().UTC()
	tok := &model.SecurityToken{
		Value:     uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		ExpiresAt: now.Add(s.ttl(kind)),
		Used:      false,
		CreatedAt: now,
	}

	if err := s.store.Upsert(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to persist %s token: %w", kind, err)
	}

	s.emitter.TokenIssued(ctx, accountID, kind)
	s.logger.Info("security token issued",
		zap.String("account_id", accountID),
		zap.String("kind", string(kind)),
		zap.Time("expires_at", tok.ExpiresAt),
	)

	return tok, nil
}

// Validate classifies a raw token value without consuming it. Check order is
// load-bearing: a used-and-expired token reports AlreadyUsed, because used is
// the more specific terminal state reached by legitimate action.
func (s *Service) Validate(ctx context.Context, raw string) (Outcome, error) {
	tok, err := s.store.FindByValue(ctx, raw)
	if errors.Is(err, model.ErrTokenNotFound) {
		return invalid(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("token lookup failed: %w", err)
	}
	return s.classify(tok), nil
}

func (s *Service) classify(tok *model.SecurityToken) Outcome {
	switch {
	case tok.Used:
		return alreadyUsed()
	case !s.clock.Now().Before(tok.ExpiresAt):
		return expired()
	default:
		return valid(tok.AccountID)
	}
}

// Consume validates, atomically claims single use, then applies the domain
// side effect (mark verified, accept new password). The store's conditional
// claim guarantees two simultaneous clicks on the same link produce exactly
// one winner; the loser sees AlreadyUsed. A failed side effect releases the
// claim: either the account changes and the token dies, or neither happens.
func (s *Service) Consume(ctx context.Context, raw string, apply func(ctx context.Context, accountID string) error) (Outcome, error) {
	out, err := s.Validate(ctx, raw)
	if err != nil || out.Status != StatusValid {
		return out, err
	}

	claimed, err := s.store.Claim(ctx, raw)
	if errors.Is(err, model.ErrTokenNotFound) {
		return invalid(), nil
	}
	if errors.Is(err, model.ErrTokenAlreadyUsed) {
		// Lost the race to a concurrent consume.
		return alreadyUsed(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("token claim failed: %w", err)
	}

	if apply != nil {
		if err := apply(ctx, claimed.AccountID); err != nil {
			s.release(ctx, claimed)
			return Outcome{}, fmt.Errorf("token side effect failed for account %s: %w", claimed.AccountID, err)
		}
	}

	s.emitter.TokenConsumed(ctx, claimed.AccountID, claimed.Kind)
	s.logger.Info("security token consumed",
		zap.String("account_id", claimed.AccountID),
		zap.String("kind", string(claimed.Kind)),
	)

	return valid(claimed.AccountID), nil
}

// release rewrites the claimed token with used=false so a side-effect failure
// never strands a dead link on an unchanged account. Upsert keys on
// (account, kind), so this restores the exact row the claim flipped.
func (s *Service) release(ctx context.Context, claimed *model.SecurityToken) {
	reverted := *claimed
	reverted.Used = false
	if err := s.store.Upsert(ctx, &reverted); err != nil {
		s.logger.Error("failed to release claimed token after side-effect failure",
			zap.String("account_id", claimed.AccountID),
			zap.String("kind", string(claimed.Kind)),
			zap.Error(err),
		)
	}
}

// PurgeExpired deletes every row past expiry, used or not, and reports the
// count. Validators already treat purged rows as not-found, so timing of the
// sweep is invisible to users.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	deleted, err := s.store.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("expired security tokens purged",
			zap.Int("deleted", deleted),
			zap.Time("cutoff", now),
		)
	}
	return deleted, nil
}

// Start launches the daily purge loop. Call Stop to end it.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go func() {
			defer close(s.done)
			ticker := time.NewTicker(s.cfg.PurgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), purgeRequestTimeout)
					if _, err := s.PurgeExpired(ctx); err != nil {
						s.logger.Error("scheduled token purge failed", zap.Error(err))
					}
					cancel()
				case <-s.stop:
					return
				}
			}
		}()
		s.logger.Info("token purge loop started", zap.Duration("interval", s.cfg.PurgeInterval))
	})
}

// Stop ends the purge loop and waits for it to exit. Safe without a prior
// Start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Service) ttl(kind model.TokenKind) time.Duration {
	if kind == model.KindPasswordReset {
		return s.cfg.ResetTTL
	}
	return s.cfg.VerificationTTL
}
