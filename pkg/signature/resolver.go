package signature

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/grantledger/milestones/pkg/cache"
)

// CachingKeyResolver memoizes access key lookups for a short TTL and
// collapses concurrent lookups for the same account into one upstream call.
type CachingKeyResolver struct {
	next  KeyResolver
	cache *cache.LRUCache[string, []string]
	group singleflight.Group
}

// NewCachingKeyResolver wraps next with a cache sized by cfg.
func NewCachingKeyResolver(next KeyResolver, cfg cache.Config) *CachingKeyResolver {
	return &CachingKeyResolver{
		next:  next,
		cache: cache.NewLRUCache[string, []string](cfg.MaxSize, cfg.TTL),
	}
}

// AccessKeys implements KeyResolver.
func (r *CachingKeyResolver) AccessKeys(ctx context.Context, accountID string) ([]string, error) {
	if keys, ok := r.cache.Get(accountID); ok {
		return keys, nil
	}
	v, err, _ := r.group.Do(accountID, func() (any, error) {
		keys, err := r.next.AccessKeys(ctx, accountID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(accountID, keys)
		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve access keys for %s: %w", accountID, err)
	}
	return v.([]string), nil
}

// Forget drops any cached keys for accountID, e.g. after a key rotation.
func (r *CachingKeyResolver) Forget(accountID string) {
	r.cache.Invalidate(accountID)
}

// StaticKeyResolver serves a fixed account to keys mapping.
type StaticKeyResolver map[string][]string

// AccessKeys implements KeyResolver.
func (s StaticKeyResolver) AccessKeys(_ context.Context, accountID string) ([]string, error) {
	return s[accountID], nil
}
