package codec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *channel.Registry {
	return channel.NewRegistry(
		models.Channel{Key: 1, Name: "time", DataType: telem.TimeStampT, IsIndex: true},
		models.Channel{Key: 2, Name: "pressure", DataType: telem.Float32T, Index: 1},
		models.Channel{Key: 3, Name: "label", DataType: telem.StringT, Index: 1},
		models.Channel{Key: 4, Name: "count", DataType: telem.Int64T, Index: 1},
	)
}

func dynamic(t *testing.T, keys ...models.ChannelKey) *Codec {
	t.Helper()
	c := NewDynamic(testRegistry())
	require.NoError(t, c.Update(context.Background(), keys))
	return c
}

func TestEncodeSingleFloat32Series(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.Float32T})
	fr := models.UnaryFrame(1, telem.NewSeriesV[float32](1, 2, 3))

	b, err := c.Encode(fr)
	require.NoError(t, err)
	require.Len(t, b, 21)
	assert.Equal(t, byte(0b0011_1111), b[0])
	assert.Equal(t, []byte{0, 0, 0, 1}, b[1:5])
	assert.Equal(t, []byte{0, 0, 0, 3}, b[5:9])
	assert.Equal(t, fr.Series[0].Data, b[9:])

	decoded, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, fr.Equal(decoded), "decoded %s", decoded)
}

func TestRoundTrip(t *testing.T) {
	strs := telem.NewStringsV("a", "bb", "")
	strs.TimeRange = telem.TimeRange{Start: 5, End: 9}
	strs.Alignment = 11

	tests := []struct {
		name  string
		keys  []models.ChannelKey
		frame models.Frame
	}{
		{
			name: "all channels present, shared metadata",
			keys: []models.ChannelKey{1, 2},
			frame: models.NewFrame(
				[]models.ChannelKey{1, 2},
				[]telem.Series{
					withMeta(telem.NewTimeStamps(10, 20), telem.TimeRange{Start: 10, End: 21}, 3),
					withMeta(telem.NewSeriesV[float32](1.5, 2.5), telem.TimeRange{Start: 10, End: 21}, 3),
				},
			),
		},
		{
			name: "all channels present, differing metadata",
			keys: []models.ChannelKey{2, 4},
			frame: models.NewFrame(
				[]models.ChannelKey{2, 4},
				[]telem.Series{
					withMeta(telem.NewSeriesV[float32](1), telem.TimeRange{Start: 1, End: 2}, 1),
					withMeta(telem.NewSeriesV[int64](7, 8, 9), telem.TimeRange{Start: 3, End: 4}, 2),
				},
			),
		},
		{
			name: "partial channel set",
			keys: []models.ChannelKey{1, 2, 4},
			frame: models.NewFrame(
				[]models.ChannelKey{2, 4},
				[]telem.Series{telem.NewSeriesV[float32](4), telem.NewSeriesV[int64](5)},
			),
		},
		{
			name: "variable data type",
			keys: []models.ChannelKey{2, 3},
			frame: models.NewFrame(
				[]models.ChannelKey{2, 3},
				[]telem.Series{withMeta(telem.NewSeriesV[float32](1, 2, 3), telem.TimeRange{Start: 5, End: 9}, 11), strs},
			),
		},
		{
			name: "variable data type, partial",
			keys: []models.ChannelKey{1, 3, 4},
			frame: models.UnaryFrame(3, telem.NewStringsV("hello", "world")),
		},
		{
			name:  "empty partial frame",
			keys:  []models.ChannelKey{1, 2},
			frame: models.Frame{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dynamic(t, tt.keys...)
			b, err := c.Encode(tt.frame)
			require.NoError(t, err)
			decoded, err := c.Decode(b)
			require.NoError(t, err)
			assert.True(t, tt.frame.Equal(decoded), "want %s, got %s", tt.frame, decoded)
		})
	}
}

func TestEncodeSortsByKey(t *testing.T) {
	c := dynamic(t, 1, 2)
	fr := models.NewFrame(
		[]models.ChannelKey{2, 1},
		[]telem.Series{telem.NewSeriesV[float32](1), telem.NewTimeStamps(2)},
	)
	b, err := c.Encode(fr)
	require.NoError(t, err)
	decoded, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, fr.Sorted().Equal(decoded))
}

func TestFlagMinimality(t *testing.T) {
	c := dynamic(t, 2, 4)
	tr := telem.TimeRange{Start: 100, End: 200}
	shared := models.NewFrame(
		[]models.ChannelKey{2, 4},
		[]telem.Series{
			withMeta(telem.NewSeriesV[float32](1, 2), tr, 5),
			withMeta(telem.NewSeriesV[int64](1, 2), tr, 5),
		},
	)
	mismatched := models.NewFrame(
		[]models.ChannelKey{2, 4},
		[]telem.Series{
			withMeta(telem.NewSeriesV[float32](1, 2), tr, 5),
			withMeta(telem.NewSeriesV[int64](1, 2, 3), telem.TimeRange{Start: 100, End: 300}, 6),
		},
	)
	a, err := c.Encode(shared)
	require.NoError(t, err)
	b, err := c.Encode(mismatched)
	require.NoError(t, err)
	assert.Less(t, len(a), len(b))
	// 1 + 4 + 4 + 16 + 8 + 8 + 16
	assert.Len(t, a, 57)
}

func TestSchemaVersioning(t *testing.T) {
	c := dynamic(t, 1, 2)
	old := models.NewFrame(
		[]models.ChannelKey{1, 2},
		[]telem.Series{telem.NewTimeStamps(1), telem.NewSeriesV[float32](2)},
	)
	b, err := c.Encode(old)
	require.NoError(t, err)

	require.NoError(t, c.Update(context.Background(), []models.ChannelKey{3, 4}))
	assert.Equal(t, uint32(2), c.SeqNum())
	assert.Equal(t, models.ChannelKeys{3, 4}, c.Keys())

	decoded, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, old.Equal(decoded))

	_, err = c.Encode(old)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSchemaEviction(t *testing.T) {
	c := NewDynamic(testRegistry(), WithMaxSchemas(2))
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, []models.ChannelKey{2}))
	first, err := c.Encode(models.UnaryFrame(2, telem.NewSeriesV[float32](1)))
	require.NoError(t, err)

	require.NoError(t, c.Update(ctx, []models.ChannelKey{4}))
	_, err = c.Decode(first)
	require.NoError(t, err)

	require.NoError(t, c.Update(ctx, []models.ChannelKey{2, 4}))
	_, err = c.Decode(first)
	assert.True(t, errors.Is(err, ErrSchemaEvicted))
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestUpdateUnknownKey(t *testing.T) {
	c := NewDynamic(testRegistry())
	err := c.Update(context.Background(), []models.ChannelKey{1, 99})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.False(t, c.Initialized())
}

func TestUninitialized(t *testing.T) {
	c := NewDynamic(testRegistry())
	_, err := c.Encode(models.UnaryFrame(2, telem.NewSeriesV[float32](1)))
	assert.True(t, errors.Is(err, ErrUninitialized))
	assert.True(t, errors.Is(err, errs.ErrUnexpected))
	_, err = c.Decode([]byte{0x3F, 0, 0, 0, 1})
	assert.True(t, errors.Is(err, ErrUninitialized))
}

func TestEncodeValidation(t *testing.T) {
	c := dynamic(t, 1, 2)

	_, err := c.Encode(models.UnaryFrame(4, telem.NewSeriesV[int64](1)))
	assert.True(t, errors.Is(err, errs.ErrValidation), "extra key")

	_, err = c.Encode(models.UnaryFrame(2, telem.NewSeriesV[float64](1)))
	assert.True(t, errors.Is(err, errs.ErrValidation), "data type mismatch")

	dup := models.NewFrame(
		[]models.ChannelKey{2, 2},
		[]telem.Series{telem.NewSeriesV[float32](1), telem.NewSeriesV[float32](1)},
	)
	_, err = c.Encode(dup)
	assert.True(t, errors.Is(err, errs.ErrValidation), "duplicate key")
}

func TestDecodeInvalid(t *testing.T) {
	c := dynamic(t, 1, 2)
	b, err := c.Encode(models.NewFrame(
		[]models.ChannelKey{1, 2},
		[]telem.Series{telem.NewTimeStamps(1, 2), telem.NewSeriesV[float32](1, 2)},
	))
	require.NoError(t, err)

	_, err = c.Decode(b[:len(b)-3])
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	unknownSeq := bytes.Clone(b)
	unknownSeq[4] = 9
	_, err = c.Decode(unknownSeq)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	partial, err := c.Encode(models.UnaryFrame(2, telem.NewSeriesV[float32](1)))
	require.NoError(t, err)
	// Key field follows flags, seq and shared length.
	partial[12] = 42
	_, err = c.Decode(partial)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = c.Decode(nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

// oversizedString is a frame for a single string channel whose shared length
// field claims 0x7FFFFFFF bytes while only four follow.
func oversizedString() []byte {
	return []byte{
		0x3F,                   // every flag set
		0x00, 0x00, 0x00, 0x01, // schema 1
		0x7F, 0xFF, 0xFF, 0xFF, // shared length
		'a', 'b', 'c', 'd',
	}
}

func allocatedDuring(f func()) uint64 {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	f()
	runtime.ReadMemStats(&after)
	return after.TotalAlloc - before.TotalAlloc
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.StringT})

	var err error
	allocated := allocatedDuring(func() { _, err = c.Decode(oversizedString()) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.False(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, strings.Contains(err.Error(), "truncated"), err.Error())
	assert.Less(t, allocated, uint64(1<<20))
}

func TestDecodeStreamOversizedLengthIsTruncation(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.StringT})

	// MultiReader hides the input length, so the payload is read incrementally.
	var err error
	allocated := allocatedDuring(func() {
		_, err = c.DecodeStream(io.MultiReader(bytes.NewReader(oversizedString())))
	})
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Less(t, allocated, uint64(1<<20))
}

func TestDecodeRejectsLengthOverLimit(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.Int64T})
	// 0x40000000 int64 samples is 8 GiB of payload.
	b := []byte{0x3F, 0x00, 0x00, 0x00, 0x01, 0x40, 0x00, 0x00, 0x00}

	_, err := c.DecodeStream(io.MultiReader(bytes.NewReader(b)))
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.False(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "byte limit")
}

func TestEncodeInto(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.Float32T})
	fr := models.UnaryFrame(1, telem.NewSeriesV[float32](1, 2, 3))

	dst := []byte{0xAA, 0xBB}
	out, err := c.EncodeInto(dst, 2, fr)
	require.NoError(t, err)
	require.Len(t, out, 23)
	assert.Equal(t, []byte{0xAA, 0xBB}, out[:2])

	decoded, err := c.Decode(out[2:])
	require.NoError(t, err)
	assert.True(t, fr.Equal(decoded))
}

func TestStreamRoundTrip(t *testing.T) {
	c := dynamic(t, 2, 3)
	fr := models.NewFrame(
		[]models.ChannelKey{2, 3},
		[]telem.Series{telem.NewSeriesV[float32](1), telem.NewStringsV("x")},
	)
	var buf bytes.Buffer
	require.NoError(t, c.EncodeStream(&buf, fr))
	decoded, err := c.DecodeStream(&buf)
	require.NoError(t, err)
	assert.True(t, fr.Equal(decoded))
}

func TestNewStaticPanicsOnMismatch(t *testing.T) {
	assert.Panics(t, func() {
		NewStatic([]models.ChannelKey{1, 2}, []telem.DataType{telem.Int8T})
	})
}

func TestUpdateWithoutRetriever(t *testing.T) {
	c := NewStatic([]models.ChannelKey{1}, []telem.DataType{telem.Int8T})
	err := c.Update(context.Background(), []models.ChannelKey{1})
	assert.True(t, errors.Is(err, errs.ErrUnexpected))
	assert.Equal(t, map[models.ChannelKey]telem.DataType{1: telem.Int8T}, c.DataTypes())
}

func withMeta(s telem.Series, tr telem.TimeRange, a telem.Alignment) telem.Series {
	s.TimeRange = tr
	s.Alignment = a
	return s
}
