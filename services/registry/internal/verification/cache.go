package verification

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"log/slog"
)

const defaultCachePrefix = "catch:registry:kyc:"

// CachedGate fronts another Gate with a redis cache. Only positive answers
// are cached: an account that just passed KYC must not stay blocked for a
// TTL, while a verified account losing its status within the TTL is an
// accepted trade-off. Redis outages degrade to the inner gate.
type CachedGate struct {
	inner  Gate
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCachedGate(inner Gate, client *redis.Client, ttl time.Duration, prefix string, logger *slog.Logger) *CachedGate {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedGate{
		inner:  inner,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

func (g *CachedGate) IsVerified(ctx context.Context, accountID string) (bool, error) {
	key := g.prefix + accountID

	cached, err := g.client.Get(ctx, key).Result()
	if err == nil && cached == "1" {
		return true, nil
	}
	if err != nil && err != redis.Nil {
		g.logger.Warn("verification cache read failed", "account_id", accountID, "error", err)
	}

	verified, err := g.inner.IsVerified(ctx, accountID)
	if err != nil {
		return false, err
	}

	if verified {
		if err := g.client.Set(ctx, key, "1", g.ttl).Err(); err != nil {
			g.logger.Warn("verification cache write failed", "account_id", accountID, "error", err)
		}
	}
	return verified, nil
}
