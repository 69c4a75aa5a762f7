package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

// Decode decodes a frame encoded by a codec sharing this codec's schemas. The
// schema is resolved from the sequence number embedded in b, not the active one.
func (c *Codec) Decode(b []byte) (models.Frame, error) {
	fr, err := c.DecodeStream(bytes.NewReader(b))
	if err == nil {
		metrics.Get().RecordDecode(len(b))
	}
	return fr, err
}

// DecodeStream decodes a single frame from r, consuming r until EOF when the frame
// does not hold every schema channel.
func (c *Codec) DecodeStream(r io.Reader) (models.Frame, error) {
	rd := &reader{r: r}
	if l, ok := r.(interface{ Len() int }); ok {
		rd.remaining = l.Len
	}
	fr, err := c.decode(rd)
	return fr, recordErr(err)
}

func (c *Codec) decode(r *reader) (fr models.Frame, err error) {
	if !c.Initialized() {
		return fr, ErrUninitialized
	}
	flagByte, err := r.uint8()
	if err != nil {
		return fr, truncated(err)
	}
	f := decodeFlags(flagByte)
	seq, err := r.uint32()
	if err != nil {
		return fr, truncated(err)
	}
	s, err := c.resolve(seq)
	if err != nil {
		return fr, err
	}

	var (
		sharedLen   uint32
		sharedTr    telem.TimeRange
		sharedAlign telem.Alignment
	)
	if f.equalLens {
		if sharedLen, err = r.uint32(); err != nil {
			return fr, truncated(err)
		}
	}
	if f.equalTimeRanges && !f.timeRangesZero {
		if sharedTr, err = r.timeRange(); err != nil {
			return fr, truncated(err)
		}
	}
	if f.equalAlignments && !f.zeroAlignments {
		a, err := r.uint64()
		if err != nil {
			return fr, truncated(err)
		}
		sharedAlign = telem.Alignment(a)
	}

	decodeSeries := func(key models.ChannelKey) (telem.Series, error) {
		dt, ok := s.dataTypes[key]
		if !ok {
			return telem.Series{}, errs.NotFoundf("channel %d not present in schema %d", key, seq)
		}
		ser := telem.Series{DataType: dt, TimeRange: sharedTr, Alignment: sharedAlign}
		length := sharedLen
		if !f.equalLens {
			if length, err = r.uint32(); err != nil {
				return ser, truncated(err)
			}
		}
		size := int64(length)
		if !dt.IsVariable() {
			size = dt.Density().Size(int64(length))
		}
		if ser.Data, err = r.bytes(size); err != nil {
			if errors.Is(err, errs.ErrValidation) {
				return ser, err
			}
			return ser, truncated(err)
		}
		if !f.equalTimeRanges {
			if ser.TimeRange, err = r.timeRange(); err != nil {
				return ser, truncated(err)
			}
		}
		if !f.equalAlignments {
			a, err := r.uint64()
			if err != nil {
				return ser, truncated(err)
			}
			ser.Alignment = telem.Alignment(a)
		}
		return ser, nil
	}

	if f.allChannelsPresent {
		fr = models.AllocFrame(len(s.keys))
		for _, key := range s.keys {
			ser, err := decodeSeries(key)
			if err != nil {
				return models.Frame{}, err
			}
			fr.Append(key, ser)
		}
		return fr, nil
	}

	fr = models.AllocFrame(4)
	for {
		k, err := r.uint32()
		if errors.Is(err, io.EOF) {
			return fr, nil
		}
		if err != nil {
			return models.Frame{}, truncated(err)
		}
		ser, err := decodeSeries(models.ChannelKey(k))
		if err != nil {
			return models.Frame{}, err
		}
		fr.Append(models.ChannelKey(k), ser)
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: truncated frame: %w", errs.ErrValidation, err)
}

// maxSeriesSize is the largest series payload a frame may declare.
const maxSeriesSize = 1 << 31

type reader struct {
	r io.Reader
	// remaining reports the unread input when r knows it, e.g. a bytes.Reader.
	remaining func() int
	scratch   [8]byte
}

func (r *reader) read(n int) ([]byte, error) {
	b := r.scratch[:n]
	_, err := io.ReadFull(r.r, b)
	return b, err
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

func (r *reader) timeRange() (tr telem.TimeRange, err error) {
	start, err := r.uint64()
	if err != nil {
		return tr, err
	}
	end, err := r.uint64()
	if err != nil {
		return tr, err
	}
	return telem.TimeRange{Start: telem.TimeStamp(start), End: telem.TimeStamp(end)}, nil
}

// bytes reads an n byte payload. Lengths come off the wire, so n is checked
// against the input left before anything is allocated. Readers of unknown
// length are copied through a growing buffer instead.
func (r *reader) bytes(n int64) ([]byte, error) {
	if n < 0 || n > maxSeriesSize {
		return nil, errs.Validationf("series length %d exceeds the %d byte limit", n, int64(maxSeriesSize))
	}
	if n == 0 {
		return []byte{}, nil
	}
	if r.remaining != nil {
		if left := int64(r.remaining()); n > left {
			return nil, errs.Validationf("series length %d exceeds the %d bytes left in the frame", n, left)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r.r, b); err != nil {
			return nil, unexpectedEOF(err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	read, err := buf.ReadFrom(io.LimitReader(r.r, n))
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if read < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
