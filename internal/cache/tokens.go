package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when no token is stored for a username.
var ErrNoSession = errors.New("no live session")

// deleteIfMatch removes KEYS[1] only while it still holds ARGV[1], so a stale
// token can never revoke a newer login.
var deleteIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TokenStore maps usernames to their single live session token.
type TokenStore struct {
	rdb redis.Cmdable
}

func NewTokenStore(rdb redis.Cmdable) *TokenStore {
	return &TokenStore{rdb: rdb}
}

// TokenKey is the cache key holding the live token of username.
func TokenKey(username string) string {
	return "token:" + username
}

// Put stores token as the live session of username, replacing any previous
// one. A zero ttl stores it without expiry.
func (s *TokenStore) Put(ctx context.Context, username, token string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, TokenKey(username), token, ttl).Err(); err != nil {
		return fmt.Errorf("store token for %s: %w", username, err)
	}
	return nil
}

// Get returns the live token of username or ErrNoSession.
func (s *TokenStore) Get(ctx context.Context, username string) (string, error) {
	token, err := s.rdb.Get(ctx, TokenKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", username, err)
	}
	return token, nil
}

// DeleteIfMatch removes the session of username only if token is the live
// one. It reports whether a key was removed.
func (s *TokenStore) DeleteIfMatch(ctx context.Context, username, token string) (bool, error) {
	n, err := deleteIfMatch.Run(ctx, s.rdb, []string{TokenKey(username)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("delete token for %s: %w", username, err)
	}
	return n == 1, nil
}

// Delete removes the session of username unconditionally.
func (s *TokenStore) Delete(ctx context.Context, username string) (bool, error) {
	n, err := s.rdb.Del(ctx, TokenKey(username)).Result()
	if err != nil {
		return false, fmt.Errorf("delete token for %s: %w", username, err)
	}
	return n == 1, nil
}
