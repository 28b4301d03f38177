// Package scylla implements the durable token store. Single use is enforced
// with a lightweight transaction on the used flag; row TTLs reap expired
// tokens so the scheduled purge has no work here.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authgate/internal/model"
	"authgate/internal/util"
)

var errStoreUnavailable = errors.New("token store scylla unavailable")

type TokenRepository struct {
	client *ScyllaClient
}

func NewTokenRepository(client *ScyllaClient) *TokenRepository {
	return &TokenRepository{client: client}
}

func (r *TokenRepository) FindByValue(ctx context.Context, value string) (*model.SecurityToken, error) {
	tok := &model.SecurityToken{}

	query := r.client.Prepared.GetTokenByValue.WithContext(ctx).Bind(value)
	err := query.Scan(&tok.Value, &tok.AccountID, &tok.Kind, &tok.ExpiresAt, &tok.Used, &tok.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	return tok, nil
}

func (r *TokenRepository) FindByAccountAndKind(ctx context.Context, accountID string, kind model.TokenKind) (*model.SecurityToken, error) {
	var value string

	query := r.client.Prepared.GetOwnerIndex.WithContext(ctx).Bind(accountID, string(kind))
	err := query.Scan(&value)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	return r.FindByValue(ctx, value)
}

// Upsert reads the owner index, deletes the stale value row, then writes the
// new token and index in one logged batch. The batch keeps the two tables
// agreeing even if a node drops mid-write.
func (r *TokenRepository) Upsert(ctx context.Context, token *model.SecurityToken) error {
	ttl := ttlSeconds(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refusing to store token already expired at %v", token.ExpiresAt)
	}

	var stale string
	err := r.client.Prepared.GetOwnerIndex.WithContext(ctx).Bind(token.AccountID, string(token.Kind)).Scan(&stale)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	if stale != "" {
		del := r.client.Prepared.DeleteToken.WithContext(ctx).Bind(stale)
		if err := del.Exec(); err != nil {
			return fmt.Errorf("%w: %v", errStoreUnavailable, err)
		}
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
        INSERT INTO security_tokens (
            token_value, account_id, kind, expires_at, used, created_at
        ) VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`,
		token.Value, token.AccountID, string(token.Kind),
		token.ExpiresAt, token.Used, token.CreatedAt, ttl)
	batch.Query(`
        INSERT INTO security_tokens_by_owner (account_id, kind, token_value)
        VALUES (?, ?, ?) USING TTL ?`,
		token.AccountID, string(token.Kind), token.Value, ttl)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	util.Debug("security token upserted",
		zap.String("account_id", token.AccountID),
		zap.String("kind", string(token.Kind)),
		zap.Int("ttl_seconds", ttl))

	return nil
}

// Claim wins or loses on a single LWT: UPDATE ... IF used = false. Exactly
// one of two concurrent claimers sees applied=true.
func (r *TokenRepository) Claim(ctx context.Context, value string) (*model.SecurityToken, error) {
	tok, err := r.FindByValue(ctx, value)
	if err != nil {
		return nil, err
	}
	if tok.Used {
		return nil, model.ErrTokenAlreadyUsed
	}

	previous := make(map[string]interface{})
	applied, err := r.client.Session.Query(`
        UPDATE security_tokens SET used = true
        WHERE token_value = ? IF used = false`, value).
		WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}
	if !applied {
		// Row vanished (TTL) or a concurrent claim won.
		if len(previous) == 0 {
			return nil, model.ErrTokenNotFound
		}
		return nil, model.ErrTokenAlreadyUsed
	}

	tok.Used = true
	return tok, nil
}

// DeleteExpiredBefore is a no-op: row TTLs expire tokens in place.
func (r *TokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func ttlSeconds(expiresAt time.Time) int {
	return int(time.Until(expiresAt).Seconds())
}

var _ model.TokenStore = (*TokenRepository)(nil)
