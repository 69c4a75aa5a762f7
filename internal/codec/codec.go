// Package codec implements the compact binary encoding used to move frames between
// clients and the cluster.
//
// Both sides of a stream must agree on the set of channels and their data types
// before encoding. That agreement is a schema identified by a sequence number
// which is embedded in every encoded frame, so a decoder can keep decoding frames
// produced under an older schema while a channel set change is in flight.
//
// Layout (multi-byte header integers are big-endian):
//
//	flags           1 byte
//	sequence number 4 bytes
//	shared length   4 bytes   if equal lengths
//	shared range    16 bytes  if equal time ranges and not zero
//	shared align    8 bytes   if equal alignments and not zero
//	per series, in ascending key order:
//	  key           4 bytes   if not all channels present
//	  length        4 bytes   if not equal lengths
//	  payload       length bytes (sample count * density for fixed types)
//	  time range    16 bytes  if not equal time ranges
//	  alignment     8 bytes   if not equal alignments
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

var (
	// ErrUninitialized is returned by Encode and Decode before the codec has a schema.
	ErrUninitialized = fmt.Errorf("%w: codec has no schema, call Update first", errs.ErrUnexpected)

	// ErrSchemaEvicted is returned when decoding a frame whose schema version is no
	// longer retained.
	ErrSchemaEvicted = fmt.Errorf("%w: schema version evicted", errs.ErrValidation)
)

const (
	flagsSize     = 1
	seqNumSize    = 4
	lengthSize    = 4
	keySize       = 4
	timeRangeSize = 16
	alignmentSize = 8
)

type schema struct {
	keys        models.ChannelKeys
	dataTypes   map[models.ChannelKey]telem.DataType
	hasVariable bool
}

func newSchema(keys []models.ChannelKey, dataTypes map[models.ChannelKey]telem.DataType) schema {
	s := schema{keys: models.ChannelKeys(keys).Unique(), dataTypes: dataTypes}
	for _, dt := range dataTypes {
		if dt.IsVariable() {
			s.hasVariable = true
			break
		}
	}
	return s
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxSchemas bounds the number of retained schema versions to the n most
// recent. Zero keeps every version.
func WithMaxSchemas(n int) Option {
	return func(c *Codec) { c.maxSchemas = n }
}

// Codec encodes and decodes frames under a versioned schema. A single Codec may be
// used by one encoding or decoding goroutine concurrently with one goroutine
// calling Update.
type Codec struct {
	retriever  channel.Retriever
	maxSchemas int

	mu      sync.RWMutex
	schemas map[uint32]schema
	seqNum  uint32
}

// NewStatic creates a codec whose first schema is built from the given keys and data
// types. It panics if keys and dataTypes have different lengths.
func NewStatic(keys []models.ChannelKey, dataTypes []telem.DataType, opts ...Option) *Codec {
	if len(keys) != len(dataTypes) {
		panic("codec: keys and data types must be the same length")
	}
	c := newCodec(opts)
	dts := make(map[models.ChannelKey]telem.DataType, len(keys))
	for i, k := range keys {
		dts[k] = dataTypes[i]
	}
	c.install(newSchema(keys, dts))
	return c
}

// NewDynamic creates a codec that looks up data types through retriever. Update must
// be called before the first Encode or Decode.
func NewDynamic(retriever channel.Retriever, opts ...Option) *Codec {
	c := newCodec(opts)
	c.retriever = retriever
	return c
}

func newCodec(opts []Option) *Codec {
	c := &Codec{schemas: make(map[uint32]schema)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update installs a new schema for keys under the next sequence number. Errors from
// the retriever, including not found errors for unknown keys, are returned unchanged.
func (c *Codec) Update(ctx context.Context, keys []models.ChannelKey) error {
	if c.retriever == nil {
		return errs.Unexpectedf("codec has no channel retriever")
	}
	channels, err := c.retriever.Retrieve(ctx, keys)
	if err != nil {
		return err
	}
	dts := make(map[models.ChannelKey]telem.DataType, len(channels))
	for _, ch := range channels {
		dts[ch.Key] = ch.DataType
	}
	for _, k := range keys {
		if _, ok := dts[k]; !ok {
			return errs.NotFoundf("channel %d", k)
		}
	}
	c.install(newSchema(keys, dts))
	return nil
}

func (c *Codec) install(s schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqNum++
	c.schemas[c.seqNum] = s
	if c.maxSchemas > 0 && c.seqNum > uint32(c.maxSchemas) {
		delete(c.schemas, c.seqNum-uint32(c.maxSchemas))
	}
	metrics.Get().IncCodecSchemaUpdates()
}

// Initialized returns true once the codec has at least one schema.
func (c *Codec) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqNum > 0
}

// SeqNum returns the sequence number of the active schema.
func (c *Codec) SeqNum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqNum
}

// Keys returns the sorted keys of the active schema.
func (c *Codec) Keys() models.ChannelKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.schemas[c.seqNum].keys)
}

func (c *Codec) active() (schema, uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.seqNum == 0 {
		return schema{}, 0, ErrUninitialized
	}
	return c.schemas[c.seqNum], c.seqNum, nil
}

func (c *Codec) resolve(seq uint32) (schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.seqNum == 0 {
		return schema{}, ErrUninitialized
	}
	if seq == 0 || seq > c.seqNum {
		return schema{}, errs.Validationf("unknown schema sequence number %d", seq)
	}
	s, ok := c.schemas[seq]
	if !ok {
		return schema{}, fmt.Errorf("%w: sequence number %d", ErrSchemaEvicted, seq)
	}
	return s, nil
}

// DataTypes returns a copy of the active schema's key to data type mapping.
func (c *Codec) DataTypes() map[models.ChannelKey]telem.DataType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.schemas[c.seqNum].dataTypes)
}

func recordErr(err error) error {
	if err != nil && !errors.Is(err, io.EOF) {
		metrics.Get().IncCodecErrors()
	}
	return err
}
