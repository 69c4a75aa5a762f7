package models

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Authority is a write precedence level. Higher values win.
type Authority uint8

const (
	AuthorityNone     Authority = 0
	AuthorityAbsolute Authority = 255
)

// Authorities is a pair of parallel lists of channel keys and authority levels.
// An empty key list with a single authority applies that authority to every
// channel in the session.
type Authorities struct {
	Keys        ChannelKeys `msgpack:"keys" json:"keys"`
	Authorities []Authority `msgpack:"authorities" json:"authorities"`
}

// GlobalAuthority returns a change applying a to all channels.
func GlobalAuthority(a Authority) Authorities {
	return Authorities{Authorities: []Authority{a}}
}

// ChannelAuthority returns a change applying a to a single channel.
func ChannelAuthority(key ChannelKey, a Authority) Authorities {
	return Authorities{Keys: ChannelKeys{key}, Authorities: []Authority{a}}
}

// Empty returns true if the value carries no authority change.
func (a Authorities) Empty() bool { return len(a.Authorities) == 0 }

// IsGlobal returns true if the change applies to every channel.
func (a Authorities) IsGlobal() bool { return len(a.Keys) == 0 && len(a.Authorities) > 0 }

// Clear empties the change while keeping capacity.
func (a *Authorities) Clear() {
	a.Keys = a.Keys[:0]
	a.Authorities = a.Authorities[:0]
}

// AuthorityBuffer accumulates authority changes that arrive before a writer is
// open. Per-channel changes are merged by key with the last value winning. A
// global change discards every buffered per-channel change.
type AuthorityBuffer struct {
	global    *Authority
	perKey    map[ChannelKey]Authority
	hasChange bool
}

// Add merges a change into the buffer.
func (b *AuthorityBuffer) Add(change Authorities) {
	if change.Empty() {
		return
	}
	b.hasChange = true
	if change.IsGlobal() {
		a := change.Authorities[0]
		b.global = &a
		b.perKey = nil
		return
	}
	if b.perKey == nil {
		b.perKey = make(map[ChannelKey]Authority, len(change.Keys))
	}
	for i, k := range change.Keys {
		if i < len(change.Authorities) {
			b.perKey[k] = change.Authorities[i]
		}
	}
}

// Empty returns true if nothing has been buffered.
func (b *AuthorityBuffer) Empty() bool { return !b.hasChange }

// Flush returns the merged change as a single Authorities value and resets the
// buffer.
func (b *AuthorityBuffer) Flush(keys []ChannelKey) (Authorities, bool) {
	out, ok := b.Merged(keys)
	*b = AuthorityBuffer{}
	return out, ok
}

// Merged returns the buffered changes as a single Authorities value without
// resetting the buffer. When a global change was followed by per-channel
// changes, the global authority is expanded over keys and the per-channel values
// are applied on top.
func (b *AuthorityBuffer) Merged(keys []ChannelKey) (Authorities, bool) {
	if !b.hasChange {
		return Authorities{}, false
	}
	if len(b.perKey) == 0 {
		return GlobalAuthority(*b.global), true
	}
	merged := maps.Clone(b.perKey)
	if b.global != nil {
		for _, k := range keys {
			if _, ok := merged[k]; !ok {
				merged[k] = *b.global
			}
		}
	}
	sorted := slices.Sorted(maps.Keys(merged))
	out := Authorities{Keys: sorted, Authorities: make([]Authority, len(sorted))}
	for i, k := range sorted {
		out.Authorities[i] = merged[k]
	}
	return out, true
}

// ControlSubject identifies the holder of write authority.
type ControlSubject struct {
	Key  string `msgpack:"key" json:"key"`
	Name string `msgpack:"name" json:"name"`
}

// NewControlSubject returns a subject with a freshly generated key.
func NewControlSubject(name string) ControlSubject {
	return ControlSubject{Key: uuid.NewString(), Name: name}
}
