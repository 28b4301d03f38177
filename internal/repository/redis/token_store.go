// Package redis implements the token store on Redis. Expiry is delegated to
// key TTLs, so the scheduled purge has nothing to delete here; single use is
// enforced with an optimistic WATCH transaction on the value key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authgate/internal/client"
	"authgate/internal/model"
	"authgate/internal/util"
)

const (
	tokenValuePrefix = "sectoken:val:"
	tokenOwnerPrefix = "sectoken:owner:"

	claimRetries = 4
	opTimeout    = 5 * time.Second
)

var errStoreUnavailable = errors.New("token store redis unavailable")

type TokenStore struct {
	client *client.RedisClient
}

func NewTokenStore(client *client.RedisClient) *TokenStore {
	return &TokenStore{client: client}
}

func valueKey(value string) string {
	return tokenValuePrefix + value
}

func ownerKey(accountID string, kind model.TokenKind) string {
	return tokenOwnerPrefix + accountID + ":" + string(kind)
}

func (s *TokenStore) FindByValue(ctx context.Context, value string) (*model.SecurityToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Client.Get(ctx, valueKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}
	return decodeToken(data)
}

func (s *TokenStore) FindByAccountAndKind(ctx context.Context, accountID string, kind model.TokenKind) (*model.SecurityToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	value, err := s.client.Client.Get(ctx, ownerKey(accountID, kind)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}
	return s.FindByValue(ctx, value)
}

// Upsert writes the value record and the owner pointer with the token's
// remaining lifetime as TTL. The owner pointer is read first so the stale
// value key dies immediately instead of lingering until its TTL.
func (s *TokenStore) Upsert(ctx context.Context, token *model.SecurityToken) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refusing to store token already expired at %v", token.ExpiresAt)
	}

	encoded, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	owner := ownerKey(token.AccountID, token.Kind)
	stale, err := s.client.Client.Get(ctx, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	pipe := s.client.Client.TxPipeline()
	if stale != "" {
		pipe.Del(ctx, valueKey(stale))
	}
	pipe.Set(ctx, valueKey(token.Value), encoded, ttl)
	pipe.Set(ctx, owner, token.Value, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	util.Debug("security token upserted",
		zap.String("account_id", token.AccountID),
		zap.String("kind", string(token.Kind)),
		zap.Duration("ttl", ttl))

	return nil
}

// Claim flips used under WATCH so two concurrent consumers of the same link
// cannot both win. The record keeps its TTL: a used token must stay visible
// as AlreadyUsed until expiry, not vanish into Invalid.
func (s *TokenStore) Claim(ctx context.Context, value string) (*model.SecurityToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := valueKey(value)

	for i := 0; i < claimRetries; i++ {
		var claimed *model.SecurityToken

		err := s.client.Client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			tok, err := decodeToken(data)
			if err != nil {
				return err
			}
			if tok.Used {
				return model.ErrTokenAlreadyUsed
			}

			tok.Used = true
			updated, err := json.Marshal(tok)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}

			claimed = tok
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrTokenNotFound
		}
		if errors.Is(err, model.ErrTokenAlreadyUsed) {
			return nil, model.ErrTokenAlreadyUsed
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
		}

		return claimed, nil
	}

	// The key was rewritten on every attempt; the only writer besides us is
	// another claimer, so treat exhaustion as losing the race.
	return nil, model.ErrTokenAlreadyUsed
}

// DeleteExpiredBefore is a no-op: Redis evicts expired keys itself.
func (s *TokenStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func decodeToken(data []byte) (*model.SecurityToken, error) {
	var tok model.SecurityToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	return &tok, nil
}

var _ model.TokenStore = (*TokenStore)(nil)
