package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/model"
	"authgate/internal/repository/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memory.TokenStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewTokenStore()
	svc := NewService(store, nil, ServiceConfig{
		VerificationTTL: 24 * time.Hour,
		ResetTTL:        24 * time.Hour,
	}, clock, nil)
	return svc, store, clock
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Value)
	assert.Equal(t, clock.Now().UTC().Add(24*time.Hour), tok.ExpiresAt)
	assert.False(t, tok.Used)

	out, err := svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)
	assert.Equal(t, "acct-1", out.AccountID)
}

func TestValidateUnknownTokenIsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)

	out, err := svc.Validate(context.Background(), "no-such-token")
	require.NoError(t, err, "an unknown value is user error, not a fault")
	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, ReasonInvalid, out.Reason)
}

func TestConsumeAppliesSideEffectOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	applied := 0
	apply := func(ctx context.Context, accountID string) error {
		applied++
		assert.Equal(t, "acct-1", accountID)
		return nil
	}

	out, err := svc.Consume(ctx, tok.Value, apply)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)
	assert.Equal(t, "acct-1", out.AccountID)
	assert.Equal(t, 1, applied)

	// Second click on the same link.
	out, err = svc.Consume(ctx, tok.Value, apply)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyUsed, out.Status)
	assert.Equal(t, ReasonAlreadyUsed, out.Reason)
	assert.Equal(t, 1, applied, "side effect must not run again")
}

func TestValidateAfterConsumeReportsAlreadyUsed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, tok.Value, nil)
	require.NoError(t, err)

	out, err := svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyUsed, out.Status)
}

func TestExpiryBoundary(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	// One second short of expiry: still valid.
	clock.Advance(24*time.Hour - time.Second)
	out, err := svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)

	// Exactly at expiry: expired. expires_at is the first invalid instant.
	clock.Advance(time.Second)
	out, err = svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
	assert.Equal(t, ReasonExpired, out.Reason)
}

func TestConsumeExpiredTokenSkipsSideEffect(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Second)

	applied := false
	out, err := svc.Consume(ctx, tok.Value, func(ctx context.Context, accountID string) error {
		applied = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
	assert.False(t, applied)

	// Still unconsumed: a later validate must not say AlreadyUsed.
	out, err = svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
}

func TestUsedTakesPrecedenceOverExpired(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, tok.Value, nil)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	out, err := svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyUsed, out.Status, "used and expired must report AlreadyUsed")
}

func TestRefreshInvalidatesPreviousToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)
	second, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, second.Value)

	out, err := svc.Validate(ctx, first.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, out.Status, "the overwritten link must die")

	out, err = svc.Validate(ctx, second.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)
}

func TestRefreshKeepsKindsIndependent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	verify, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)
	_, err = svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)

	out, err := svc.Validate(ctx, verify.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status, "a reset token must not displace the verification token")
}

func TestPurgeExpiredDeletesOnlyPastExpiry(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	stale, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	fresh, err := svc.IssueOrRefresh(ctx, "acct-2", model.KindEmailVerification)
	require.NoError(t, err)

	clock.Advance(13 * time.Hour) // stale is 25h old, fresh 13h

	deleted, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	out, err := svc.Validate(ctx, stale.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, out.Status, "purged rows look like they never existed")

	out, err = svc.Validate(ctx, fresh.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)
}

func TestPurgeExpiredRemovesUsedRowsToo(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindPasswordReset)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, tok.Value, nil)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	deleted, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	var applied atomic.Int32
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Consume(ctx, tok.Value, func(ctx context.Context, accountID string) error {
				applied.Add(1)
				return nil
			})
			if !assert.NoError(t, err) {
				return
			}
			if out.Status == StatusValid {
				winners.Add(1)
			} else {
				assert.Equal(t, StatusAlreadyUsed, out.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(1), applied.Load())
}

func TestConsumeSideEffectFailureReleasesTheClaim(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.NoError(t, err)

	boom := errors.New("account store down")
	_, err = svc.Consume(ctx, tok.Value, func(ctx context.Context, accountID string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing changed on the account, so the link must still be live: no
	// state where the token dies without its side effect.
	out, err := svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)

	// A retry after the outage consumes normally.
	applied := 0
	out, err = svc.Consume(ctx, tok.Value, func(ctx context.Context, accountID string) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out.Status)
	assert.Equal(t, 1, applied)

	out, err = svc.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyUsed, out.Status)
}

// failingStore simulates a backend outage on every call.
type failingStore struct{ err error }

func (f *failingStore) FindByValue(ctx context.Context, value string) (*model.SecurityToken, error) {
	return nil, f.err
}

func (f *failingStore) FindByAccountAndKind(ctx context.Context, accountID string, kind model.TokenKind) (*model.SecurityToken, error) {
	return nil, f.err
}

func (f *failingStore) Upsert(ctx context.Context, token *model.SecurityToken) error {
	return f.err
}

func (f *failingStore) Claim(ctx context.Context, value string) (*model.SecurityToken, error) {
	return nil, f.err
}

func (f *failingStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, f.err
}

func TestStoreFaultsSurfaceAsErrorsNotInvalid(t *testing.T) {
	boom := errors.New("connection refused")
	svc := NewService(&failingStore{err: boom}, nil, ServiceConfig{}, newFakeClock(), nil)
	ctx := context.Background()

	_, err := svc.IssueOrRefresh(ctx, "acct-1", model.KindEmailVerification)
	require.ErrorIs(t, err, boom)

	_, err = svc.Validate(ctx, "whatever")
	require.ErrorIs(t, err, boom, "a backend fault must never masquerade as a bad link")

	_, err = svc.Consume(ctx, "whatever", nil)
	require.ErrorIs(t, err, boom)

	_, err = svc.PurgeExpired(ctx)
	require.ErrorIs(t, err, boom)
}

func TestStopWithoutStart(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Stop()
	svc.Stop()
}

func TestConcurrentStartStop(t *testing.T) {
	svc, _, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.Start()
		}()
		go func() {
			defer wg.Done()
			svc.Stop()
		}()
	}
	wg.Wait()
	svc.Stop()
}
