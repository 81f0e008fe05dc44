package ledger

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/soar"
)

// CachedLedger fronts a Ledger with an in-process LRU of active
// cooldown windows so repeated matches on a hot fingerprint are denied
// without a store round trip. The cache is advisory only: a miss or an
// evicted entry just falls through to the authoritative backend.
type CachedLedger struct {
	inner Ledger
	cache *lru.Cache[string, time.Time]
}

const defaultClaimCacheSize = 4096

func NewCachedLedger(inner Ledger, size int) (*CachedLedger, error) {
	if size <= 0 {
		size = defaultClaimCacheSize
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &CachedLedger{inner: inner, cache: cache}, nil
}

func cacheKey(playbookID, fingerprint string) string {
	return playbookID + "\x00" + fingerprint
}

func (c *CachedLedger) TryClaim(ctx context.Context, playbookID, fingerprint string, event *core.Event, cooldown time.Duration, simulated bool) (*soar.ExecutionRecord, error) {
	key := cacheKey(playbookID, fingerprint)
	if !simulated {
		if expiry, ok := c.cache.Get(key); ok {
			if time.Now().Before(expiry) {
				metrics.ClaimsDenied.WithLabelValues(playbookID, "cooldown_cached").Inc()
				return nil, ErrAlreadyHandled
			}
			c.cache.Remove(key)
		}
	}

	rec, err := c.inner.TryClaim(ctx, playbookID, fingerprint, event, cooldown, simulated)
	if err != nil {
		return nil, err
	}
	if !simulated && cooldown > 0 {
		c.cache.Add(key, time.Now().Add(cooldown))
	}
	return rec, nil
}

func (c *CachedLedger) AppendAction(ctx context.Context, recordID string, outcome soar.ActionOutcome) error {
	return c.inner.AppendAction(ctx, recordID, outcome)
}

func (c *CachedLedger) Record(ctx context.Context, rec *soar.ExecutionRecord) error {
	return c.inner.Record(ctx, rec)
}

func (c *CachedLedger) PendingUnknown(ctx context.Context) ([]*soar.ExecutionRecord, error) {
	return c.inner.PendingUnknown(ctx)
}

func (c *CachedLedger) Cursor(ctx context.Context, source string) (int64, error) {
	return c.inner.Cursor(ctx, source)
}

func (c *CachedLedger) SetCursor(ctx context.Context, source string, position int64) error {
	return c.inner.SetCursor(ctx, source, position)
}

func (c *CachedLedger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return c.inner.Prune(ctx, retention)
}

func (c *CachedLedger) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
