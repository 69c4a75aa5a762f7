// Package channel provides lookup of channel schemas by key.
package channel

import (
	"context"
	"sync"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/models"
)

// Retriever looks up channels by key. Retrieve must fail with an error matching
// errs.ErrNotFound if any key is unknown.
type Retriever interface {
	Retrieve(ctx context.Context, keys []models.ChannelKey) ([]models.Channel, error)
}

// Registry is an in-memory Retriever for static deployments and tests.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelKey]models.Channel
}

// NewRegistry creates a registry holding the given channels.
func NewRegistry(channels ...models.Channel) *Registry {
	r := &Registry{channels: make(map[models.ChannelKey]models.Channel, len(channels))}
	for _, ch := range channels {
		r.channels[ch.Key] = ch
	}
	return r
}

// Create adds or replaces channels in the registry.
func (r *Registry) Create(channels ...models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		if ch.Key == 0 {
			return errs.Validationf("channel %q has no key", ch.Name)
		}
		if !ch.DataType.IsValid() {
			return errs.Validationf("channel %d has invalid data type %q", ch.Key, ch.DataType)
		}
	}
	for _, ch := range channels {
		r.channels[ch.Key] = ch
	}
	return nil
}

// Delete removes channels from the registry. Unknown keys are ignored.
func (r *Registry) Delete(keys ...models.ChannelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.channels, k)
	}
}

// Retrieve implements Retriever.
func (r *Registry) Retrieve(_ context.Context, keys []models.ChannelKey) ([]models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(keys))
	for _, k := range keys {
		ch, ok := r.channels[k]
		if !ok {
			return nil, errs.NotFoundf("channel %d", k)
		}
		out = append(out, ch)
	}
	return out, nil
}
