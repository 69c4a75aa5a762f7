package models

import (
	"errors"
	"testing"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKeys(t *testing.T) {
	keys := ChannelKeys{3, 1, 2, 3}
	assert.Equal(t, ChannelKeys{1, 2, 3}, keys.Unique())
	assert.Equal(t, ChannelKeys{3, 1, 2, 3}, keys, "Unique must not modify the receiver")
	assert.True(t, keys.Contains(2))
	assert.False(t, keys.Contains(9))
	assert.Equal(t, ChannelKeys{1, 2, 3, 3}, keys.Sort())
}

func TestNewFramePanicsOnMismatch(t *testing.T) {
	assert.Panics(t, func() {
		NewFrame([]ChannelKey{1, 2}, []telem.Series{telem.NewSeriesV[int8](1)})
	})
}

func TestFrameAccessors(t *testing.T) {
	fr := AllocFrame(2)
	assert.True(t, fr.Empty())
	fr.Append(2, telem.NewSeriesV[float64](1))
	fr.Append(1, telem.NewSeriesV[float64](2))
	assert.Equal(t, 2, fr.Len())

	s, ok := fr.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, telem.ValueAt[float64](s, 0))
	assert.False(t, fr.Has(5))

	kept := fr.KeepKeys([]ChannelKey{2, 5})
	assert.Equal(t, ChannelKeys{2}, kept.Keys)

	sorted := fr.Sorted()
	assert.Equal(t, ChannelKeys{1, 2}, sorted.Keys)
	assert.Equal(t, ChannelKeys{2, 1}, fr.Keys)

	fr.Clear()
	assert.True(t, fr.Empty())
}

func TestFrameDeepCopy(t *testing.T) {
	fr := UnaryFrame(1, telem.NewSeriesV[uint8](7))
	cp := fr.DeepCopy()
	require.True(t, fr.Equal(cp))
	cp.Series[0].Data[0] = 8
	assert.False(t, fr.Equal(cp))
}

func TestFrameValidate(t *testing.T) {
	ok := NewFrame([]ChannelKey{1, 2}, []telem.Series{telem.NewSeriesV[int8](1), telem.NewSeriesV[int8](1)})
	assert.NoError(t, ok.Validate())

	dup := NewFrame([]ChannelKey{1, 1}, []telem.Series{telem.NewSeriesV[int8](1), telem.NewSeriesV[int8](1)})
	err := dup.Validate()
	assert.True(t, errors.Is(err, errs.ErrValidation))

	ragged := Frame{Keys: ChannelKeys{1}}
	assert.True(t, errors.Is(ragged.Validate(), errs.ErrValidation))
}

func TestAuthorities(t *testing.T) {
	g := GlobalAuthority(AuthorityAbsolute)
	assert.True(t, g.IsGlobal())
	assert.False(t, g.Empty())

	c := ChannelAuthority(4, 100)
	assert.False(t, c.IsGlobal())
	assert.True(t, Authorities{}.Empty())
}

func TestAuthorityBufferMergesPerChannel(t *testing.T) {
	var b AuthorityBuffer
	assert.True(t, b.Empty())
	b.Add(ChannelAuthority(1, 10))
	b.Add(ChannelAuthority(2, 20))
	b.Add(ChannelAuthority(1, 30))
	b.Add(Authorities{})

	out, ok := b.Flush([]ChannelKey{1, 2, 3})
	require.True(t, ok)
	assert.Equal(t, ChannelKeys{1, 2}, out.Keys)
	assert.Equal(t, []Authority{30, 20}, out.Authorities)

	assert.True(t, b.Empty())
	_, ok = b.Flush(nil)
	assert.False(t, ok)
}

func TestAuthorityBufferGlobalDiscardsPerChannel(t *testing.T) {
	var b AuthorityBuffer
	b.Add(ChannelAuthority(1, 10))
	b.Add(ChannelAuthority(2, 20))
	b.Add(GlobalAuthority(200))

	out, ok := b.Flush([]ChannelKey{1, 2})
	require.True(t, ok)
	assert.True(t, out.IsGlobal())
	assert.Equal(t, []Authority{200}, out.Authorities)
}

func TestAuthorityBufferGlobalThenChannel(t *testing.T) {
	var b AuthorityBuffer
	b.Add(GlobalAuthority(50))
	b.Add(ChannelAuthority(2, 90))

	out, ok := b.Flush([]ChannelKey{1, 2, 3})
	require.True(t, ok)
	assert.Equal(t, ChannelKeys{1, 2, 3}, out.Keys)
	assert.Equal(t, []Authority{50, 90, 50}, out.Authorities)
}

func TestAuthorityBufferMergedKeepsState(t *testing.T) {
	var b AuthorityBuffer
	b.Add(ChannelAuthority(1, 10))

	first, ok := b.Merged(nil)
	require.True(t, ok)
	b.Add(ChannelAuthority(2, 20))
	second, ok := b.Merged(nil)
	require.True(t, ok)

	assert.Equal(t, ChannelKeys{1}, first.Keys)
	assert.Equal(t, ChannelKeys{1, 2}, second.Keys)
	assert.False(t, b.Empty())
}

func TestNewControlSubject(t *testing.T) {
	a := NewControlSubject("daq")
	b := NewControlSubject("daq")
	assert.Equal(t, "daq", a.Name)
	assert.Len(t, a.Key, 36)
	assert.NotEqual(t, a.Key, b.Key)
}
