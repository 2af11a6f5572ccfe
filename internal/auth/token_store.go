package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound means the token was never issued or has been revoked.
var ErrTokenNotFound = errors.New("token not found")

// TokenInfo is the issued-token record kept in Redis. Tokens absent from the
// registry are treated as revoked even if their signature still verifies.
type TokenInfo struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore is the Redis-backed registry of live tokens.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a token store with the given Redis client.
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

func tokenKey(userID string) string {
	return fmt.Sprintf("token:%s", userID)
}

// StoreToken records an issued token, expiring the record with the token.
func (s *TokenStore) StoreToken(ctx context.Context, info *TokenInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal token info: %w", err)
	}
	ttl := time.Until(info.ExpiresAt)
	if ttl <= 0 {
		return errors.New("token already expired")
	}
	if err := s.client.Set(ctx, tokenKey(info.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// GetToken fetches the live-token record for a user.
func (s *TokenStore) GetToken(ctx context.Context, userID string) (*TokenInfo, error) {
	data, err := s.client.Get(ctx, tokenKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal token info: %w", err)
	}
	return &info, nil
}

// RevokeToken drops the record, invalidating the token immediately.
func (s *TokenStore) RevokeToken(ctx context.Context, userID string) error {
	return s.client.Del(ctx, tokenKey(userID)).Err()
}
