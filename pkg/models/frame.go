package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

// Frame is a batch of telemetry: parallel lists of channel keys and the series
// recorded for them. Keys[i] identifies Series[i].
type Frame struct {
	Keys   ChannelKeys
	Series []telem.Series
}

// NewFrame builds a frame from parallel keys and series. It panics if the lengths
// differ.
func NewFrame(keys []ChannelKey, series []telem.Series) Frame {
	if len(keys) != len(series) {
		panic(fmt.Sprintf("models: frame has %d keys and %d series", len(keys), len(series)))
	}
	return Frame{Keys: keys, Series: series}
}

// UnaryFrame builds a frame holding a single series.
func UnaryFrame(key ChannelKey, series telem.Series) Frame {
	return Frame{Keys: ChannelKeys{key}, Series: []telem.Series{series}}
}

// AllocFrame allocates an empty frame with the given capacity.
func AllocFrame(capacity int) Frame {
	return Frame{
		Keys:   make(ChannelKeys, 0, capacity),
		Series: make([]telem.Series, 0, capacity),
	}
}

// Append adds a series for key to the frame.
func (f *Frame) Append(key ChannelKey, series telem.Series) {
	f.Keys = append(f.Keys, key)
	f.Series = append(f.Series, series)
}

// Clear empties the frame while keeping its capacity.
func (f *Frame) Clear() {
	f.Keys = f.Keys[:0]
	f.Series = f.Series[:0]
}

// Len returns the number of series in the frame.
func (f Frame) Len() int { return len(f.Keys) }

// Empty returns true if the frame holds no series.
func (f Frame) Empty() bool { return len(f.Keys) == 0 }

// Get returns the series for key.
func (f Frame) Get(key ChannelKey) (telem.Series, bool) {
	for i, k := range f.Keys {
		if k == key {
			return f.Series[i], true
		}
	}
	return telem.Series{}, false
}

// Has returns true if the frame holds a series for key.
func (f Frame) Has(key ChannelKey) bool {
	_, ok := f.Get(key)
	return ok
}

// KeepKeys returns a frame holding only the series whose keys are in keys.
func (f Frame) KeepKeys(keys []ChannelKey) Frame {
	out := AllocFrame(len(f.Keys))
	for i, k := range f.Keys {
		if ChannelKeys(keys).Contains(k) {
			out.Append(k, f.Series[i])
		}
	}
	return out
}

// DeepCopy returns a frame that shares no memory with f.
func (f Frame) DeepCopy() Frame {
	out := AllocFrame(len(f.Keys))
	for i, k := range f.Keys {
		out.Append(k, f.Series[i].DeepCopy())
	}
	return out
}

// Sorted returns a copy of the frame with its series ordered by ascending key.
// Series buffers are shared with f.
func (f Frame) Sorted() Frame {
	out := Frame{Keys: append(ChannelKeys(nil), f.Keys...), Series: append([]telem.Series(nil), f.Series...)}
	sort.Sort(byKey(out))
	return out
}

// Validate checks that the keys and series are parallel and that no key appears
// more than once.
func (f Frame) Validate() error {
	if len(f.Keys) != len(f.Series) {
		return errs.Validationf("frame has %d keys and %d series", len(f.Keys), len(f.Series))
	}
	seen := make(map[ChannelKey]struct{}, len(f.Keys))
	for _, k := range f.Keys {
		if _, dup := seen[k]; dup {
			return errs.Validationf("duplicate channel %d in frame", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Equal returns true if both frames hold the same keys and series in the same order.
func (f Frame) Equal(other Frame) bool {
	if len(f.Keys) != len(other.Keys) || len(f.Series) != len(other.Series) {
		return false
	}
	for i := range f.Keys {
		if f.Keys[i] != other.Keys[i] || !f.Series[i].Equal(other.Series[i]) {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	var b strings.Builder
	b.WriteString("Frame{")
	for i, k := range f.Keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d: %s", k, f.Series[i])
	}
	b.WriteString("}")
	return b.String()
}

type byKey Frame

func (b byKey) Len() int           { return len(b.Keys) }
func (b byKey) Less(i, j int) bool { return b.Keys[i] < b.Keys[j] }
func (b byKey) Swap(i, j int) {
	b.Keys[i], b.Keys[j] = b.Keys[j], b.Keys[i]
	b.Series[i], b.Series[j] = b.Series[j], b.Series[i]
}
