package codec

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

var byteOrder = binary.BigEndian

// plan is the result of scanning a frame before it is written.
type plan struct {
	flags    flags
	seqNum   uint32
	order    []int
	refLen   int64
	refTr    telem.TimeRange
	refAlign telem.Alignment
	size     int
	frame    models.Frame
}

func (c *Codec) plan(fr models.Frame) (plan, error) {
	s, seq, err := c.active()
	if err != nil {
		return plan{}, err
	}
	if err := fr.Validate(); err != nil {
		return plan{}, err
	}
	p := plan{flags: newFlags(), seqNum: seq, frame: fr, refLen: -1}
	if s.hasVariable {
		p.flags.equalLens = false
	}
	n := fr.Len()
	if n != len(s.keys) {
		p.flags.allChannelsPresent = false
	}
	p.order = make([]int, n)
	payload := 0
	for i, key := range fr.Keys {
		p.order[i] = i
		dt, ok := s.dataTypes[key]
		if !ok {
			return plan{}, errs.Validationf("extra key %d not present in codec schema", key)
		}
		ser := fr.Series[i]
		if dt != ser.DataType {
			return plan{}, errs.Validationf(
				"data type %s for channel %d does not match series data type %s",
				dt, key, ser.DataType,
			)
		}
		if ser.Size() > math.MaxUint32 {
			return plan{}, errs.Validationf("series for channel %d exceeds maximum size", key)
		}
		payload += int(ser.Size())
		sLen := ser.Len()
		if p.refLen == -1 {
			p.refLen = sLen
			p.refTr = ser.TimeRange
			p.refAlign = ser.Alignment
			continue
		}
		if sLen != p.refLen {
			p.flags.equalLens = false
		}
		if ser.TimeRange != p.refTr {
			p.flags.equalTimeRanges = false
		}
		if ser.Alignment != p.refAlign {
			p.flags.equalAlignments = false
		}
	}
	if p.refLen == -1 {
		p.refLen = 0
	}
	p.flags.timeRangesZero = p.flags.equalTimeRanges && p.refTr.IsZero()
	p.flags.zeroAlignments = p.flags.equalAlignments && p.refAlign == 0
	sort.Slice(p.order, func(i, j int) bool { return fr.Keys[p.order[i]] < fr.Keys[p.order[j]] })
	p.size = p.computeSize(payload)
	return p, nil
}

func (p plan) computeSize(payload int) int {
	n := p.frame.Len()
	size := flagsSize + seqNumSize + payload
	if !p.flags.allChannelsPresent {
		size += n * keySize
	}
	if p.flags.equalLens {
		size += lengthSize
	} else {
		size += n * lengthSize
	}
	if !p.flags.timeRangesZero {
		if p.flags.equalTimeRanges {
			size += timeRangeSize
		} else {
			size += n * timeRangeSize
		}
	}
	if !p.flags.zeroAlignments {
		if p.flags.equalAlignments {
			size += alignmentSize
		} else {
			size += n * alignmentSize
		}
	}
	return size
}

// Encode encodes the frame under the active schema.
func (c *Codec) Encode(fr models.Frame) ([]byte, error) {
	return c.EncodeInto(nil, 0, fr)
}

// EncodeInto encodes the frame into dst after the first offset bytes, which are
// left untouched for a caller-supplied prefix. dst is grown as needed and the
// slice holding the prefix and the encoded frame is returned.
func (c *Codec) EncodeInto(dst []byte, offset int, fr models.Frame) ([]byte, error) {
	p, err := c.plan(fr)
	if err != nil {
		return nil, recordErr(err)
	}
	total := offset + p.size
	if cap(dst) < total {
		grown := make([]byte, total)
		copy(grown, dst[:min(len(dst), offset)])
		dst = grown
	}
	dst = dst[:total]
	w := writer{buf: dst[offset:]}
	p.write(&w)
	if w.pos != p.size {
		return nil, recordErr(errs.Unexpectedf("codec wrote %d bytes, expected %d", w.pos, p.size))
	}
	metrics.Get().RecordEncode(p.size)
	return dst, nil
}

// EncodeStream encodes the frame and writes it to w.
func (c *Codec) EncodeStream(w io.Writer, fr models.Frame) error {
	b, err := c.Encode(fr)
	if err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errs.Unexpectedf("short write: %d of %d bytes", n, len(b))
	}
	return nil
}

func (p plan) write(w *writer) {
	f := p.flags
	w.uint8(f.encode())
	w.uint32(p.seqNum)
	if f.equalLens {
		w.uint32(uint32(p.refLen))
	}
	if f.equalTimeRanges && !f.timeRangesZero {
		w.timeRange(p.refTr)
	}
	if f.equalAlignments && !f.zeroAlignments {
		w.uint64(uint64(p.refAlign))
	}
	for _, i := range p.order {
		s := p.frame.Series[i]
		if !f.allChannelsPresent {
			w.uint32(uint32(p.frame.Keys[i]))
		}
		if !f.equalLens {
			if s.DataType.IsVariable() {
				w.uint32(uint32(s.Size()))
			} else {
				w.uint32(uint32(s.Len()))
			}
		}
		w.bytes(s.Data)
		if !f.equalTimeRanges {
			w.timeRange(s.TimeRange)
		}
		if !f.equalAlignments {
			w.uint64(uint64(s.Alignment))
		}
	}
}

// writer appends to a pre-sized buffer. Writes past the end are dropped, so an
// undersized buffer shows up as a position mismatch rather than a panic.
type writer struct {
	buf []byte
	pos int
}

func (w *writer) room(n int) bool { return w.pos+n <= len(w.buf) }

func (w *writer) uint8(v uint8) {
	if w.room(1) {
		w.buf[w.pos] = v
		w.pos++
	}
}

func (w *writer) uint32(v uint32) {
	if w.room(4) {
		byteOrder.PutUint32(w.buf[w.pos:], v)
		w.pos += 4
	}
}

func (w *writer) uint64(v uint64) {
	if w.room(8) {
		byteOrder.PutUint64(w.buf[w.pos:], v)
		w.pos += 8
	}
}

func (w *writer) timeRange(tr telem.TimeRange) {
	w.uint64(uint64(tr.Start))
	w.uint64(uint64(tr.End))
}

func (w *writer) bytes(b []byte) {
	if w.room(len(b)) {
		w.pos += copy(w.buf[w.pos:], b)
	}
}
