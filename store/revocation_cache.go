package store

import (
	"context"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const revokedTokenKeyPrefix = "revoked:token:"

// RevocationCache mirrors revoked token ids into Valkey so introspection of
// a dead token can short-circuit without touching the primary store, and so
// a cascade becomes visible to every pod immediately. The cache is advisory:
// a miss always falls through to the credential store.
type RevocationCache struct {
	client valkey.Client
	prefix string
}

// NewRevocationCache connects to a Valkey/Redis-compatible server.
func NewRevocationCache(addr, prefix string) (*RevocationCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	cli, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	if prefix == "" {
		prefix = "agentgate:"
	}
	return &RevocationCache{client: cli, prefix: prefix}, nil
}

// NewRevocationCacheWithClient wraps an existing Valkey client.
func NewRevocationCacheWithClient(client valkey.Client, prefix string) *RevocationCache {
	if prefix == "" {
		prefix = "agentgate:"
	}
	return &RevocationCache{client: client, prefix: prefix}
}

func (c *RevocationCache) key(tokenID string) string {
	return c.prefix + revokedTokenKeyPrefix + tokenID
}

// MarkRevoked records a revoked token id until its natural expiry, after
// which the record is useless anyway.
func (c *RevocationCache) MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	err := c.client.Do(ctx, c.client.B().Set().Key(c.key(tokenID)).Value("1").Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to cache revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id is known-revoked.
func (c *RevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(c.key(tokenID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation cache: %w", err)
	}
	return n > 0, nil
}

// Close closes the Valkey connection.
func (c *RevocationCache) Close() {
	c.client.Close()
}
