package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tickerpulse/internal/adapters/reddit"
	"tickerpulse/pkg/errors"
)

// TokenStore keeps forum bearer tokens in Redis so every process shares them
type TokenStore struct {
	client *redis.Client
}

var _ reddit.TokenStore = (*TokenStore)(nil)

// NewTokenStore creates a new token store
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// GetToken returns the stored token, ok=false when absent
func (s *TokenStore) GetToken(ctx context.Context, key string) (reddit.Token, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return reddit.Token{}, false, nil
	}
	if err != nil {
		return reddit.Token{}, false, errors.Wrapf(err, "get token %s", key)
	}

	var tok reddit.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return reddit.Token{}, false, errors.Wrapf(err, "decode token %s", key)
	}
	return tok, true, nil
}

// SaveToken stores the token until it expires
func (s *TokenStore) SaveToken(ctx context.Context, key string, tok reddit.Token) error {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "save token %s", key)
	}
	return nil
}
