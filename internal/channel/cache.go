package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CachedRetriever caches channels fetched from a slower Retriever, usually a
// remote one. Concurrent misses for the same key set share one upstream call.
// It is safe for concurrent use.
type CachedRetriever struct {
	upstream Retriever
	group    singleflight.Group
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[models.ChannelKey]models.Channel
}

// NewCachedRetriever wraps upstream with a cache.
func NewCachedRetriever(upstream Retriever, logger zerolog.Logger) *CachedRetriever {
	return &CachedRetriever{
		upstream: upstream,
		logger:   logger.With().Str("component", "channel-cache").Logger(),
		cache:    make(map[models.ChannelKey]models.Channel),
	}
}

// Retrieve implements Retriever.
func (c *CachedRetriever) Retrieve(ctx context.Context, keys []models.ChannelKey) ([]models.Channel, error) {
	out := make([]models.Channel, len(keys))
	var missing models.ChannelKeys
	c.mu.RLock()
	for i, k := range keys {
		ch, ok := c.cache[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[i] = ch
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return out, nil
	}

	missing = missing.Unique()
	v, err, shared := c.group.Do(flightKey(missing), func() (interface{}, error) {
		return c.upstream.Retrieve(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	fetched := v.([]models.Channel)
	c.logger.Debug().Int("count", len(fetched)).Bool("shared", shared).Msg("Fetched channels")

	c.mu.Lock()
	for _, ch := range fetched {
		c.cache[ch.Key] = ch
	}
	for i, k := range keys {
		if out[i].Key == 0 {
			out[i] = c.cache[k]
		}
	}
	c.mu.Unlock()
	return out, nil
}

// Invalidate drops cached channels. With no keys, the entire cache is cleared.
func (c *CachedRetriever) Invalidate(keys ...models.ChannelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.cache = make(map[models.ChannelKey]models.Channel)
		return
	}
	for _, k := range keys {
		delete(c.cache, k)
	}
}

// Len returns the number of cached channels.
func (c *CachedRetriever) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func flightKey(keys models.ChannelKeys) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", k)
	}
	return b.String()
}
