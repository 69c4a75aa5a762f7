package models

import (
	"slices"
	"strconv"

	"github.com/basekick-labs/arcstream/pkg/telem"
)

// ChannelKey uniquely identifies a channel in the cluster.
type ChannelKey uint32

func (k ChannelKey) String() string { return strconv.FormatUint(uint64(k), 10) }

// ChannelKeys is a list of channel keys.
type ChannelKeys []ChannelKey

// Sort sorts the keys in ascending order in place and returns them.
func (k ChannelKeys) Sort() ChannelKeys {
	slices.Sort(k)
	return k
}

// Contains returns true if key is in the list.
func (k ChannelKeys) Contains(key ChannelKey) bool { return slices.Contains(k, key) }

// Unique returns a sorted copy of the keys with duplicates removed.
func (k ChannelKeys) Unique() ChannelKeys {
	out := slices.Clone(k)
	slices.Sort(out)
	return slices.Compact(out)
}

// Channel is the schema of a single channel.
type Channel struct {
	Key      ChannelKey     `msgpack:"key" json:"key"`
	Name     string         `msgpack:"name" json:"name"`
	DataType telem.DataType `msgpack:"data_type" json:"data_type"`
	// Index is the key of the timestamp channel that indexes this channel. Zero for
	// index channels and virtual channels.
	Index   ChannelKey `msgpack:"index" json:"index"`
	IsIndex bool       `msgpack:"is_index" json:"is_index"`
	Virtual bool       `msgpack:"virtual" json:"virtual"`
}

// Keys returns the keys of the given channels in order.
func Keys(channels []Channel) ChannelKeys {
	keys := make(ChannelKeys, len(channels))
	for i, ch := range channels {
		keys[i] = ch.Key
	}
	return keys
}
