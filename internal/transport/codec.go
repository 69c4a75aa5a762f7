package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultMaxMessageSize is the maximum size of a message body (64MB).
	DefaultMaxMessageSize = 64 << 20
	// HeaderSize is the size of the message header (4 bytes length + 1 byte flags).
	HeaderSize = 5

	flagCompressed byte = 1 << 0
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
}

// Encoder writes length-prefixed msgpack messages.
// Wire format: [4-byte length (big-endian)][1-byte flags][msgpack payload]
type Encoder struct {
	w              io.Writer
	compress       bool
	threshold      int
	maxMessageSize int
}

// NewEncoder creates a new Encoder. When compress is true, payloads larger than
// threshold bytes are zstd compressed.
func NewEncoder(w io.Writer, compress bool, threshold, maxMessageSize int) *Encoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Encoder{w: w, compress: compress, threshold: threshold, maxMessageSize: maxMessageSize}
}

// Encode marshals v and writes it as a single message.
func (e *Encoder) Encode(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return &FrameError{Kind: FrameErrorInvalid, Msg: "failed to marshal payload: " + err.Error()}
	}

	var fl byte
	if e.compress && len(payload) > e.threshold {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			fl |= flagCompressed
			metrics.Get().IncTransportCompressed()
		}
	}

	totalLen := 1 + len(payload)
	if totalLen > e.maxMessageSize {
		return &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("message too large: %d bytes (max %d)", totalLen, e.maxMessageSize)}
	}

	buf := make([]byte, 4+totalLen)
	binary.BigEndian.PutUint32(buf, uint32(totalLen))
	buf[4] = fl
	copy(buf[HeaderSize:], payload)
	if _, err := e.w.Write(buf); err != nil {
		return err
	}
	metrics.Get().IncTransportBytesSent(int64(len(buf)))
	return nil
}

// Decoder reads messages written by an Encoder. Compressed payloads may not
// expand past the maximum message size.
type Decoder struct {
	r              io.Reader
	maxMessageSize int
	zstd           *zstd.Decoder
}

// NewDecoder creates a new Decoder.
func NewDecoder(r io.Reader, maxMessageSize int) *Decoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Decoder{r: r, maxMessageSize: maxMessageSize}
}

// Decode reads one message into v. It returns io.EOF only if the reader ended
// cleanly on a message boundary.
func (d *Decoder) Decode(v any) error {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:4]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return &FrameError{Kind: FrameErrorInvalid, Msg: "invalid message length: 0"}
	}
	if int(length) > d.maxMessageSize {
		return &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("message too large: %d bytes (max %d)", length, d.maxMessageSize)}
	}
	if _, err := io.ReadFull(d.r, header[4:]); err != nil {
		return unexpected(err)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return unexpected(err)
	}
	metrics.Get().IncTransportBytesReceived(int64(length) + 4)

	if header[4]&flagCompressed != 0 {
		decompressed, err := d.decompress(payload)
		if err != nil {
			return err
		}
		payload = decompressed
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &FrameError{Kind: FrameErrorInvalid, Msg: "failed to unmarshal payload: " + err.Error()}
	}
	return nil
}

func (d *Decoder) decompress(payload []byte) ([]byte, error) {
	if d.zstd == nil {
		zd, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(d.maxMessageSize)),
		)
		if err != nil {
			return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "zstd decoder: " + err.Error()}
		}
		d.zstd = zd
	}
	out, err := d.zstd.DecodeAll(payload, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) || len(out) > d.maxMessageSize {
		return nil, &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("decompressed message exceeds %d bytes", d.maxMessageSize)}
	}
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "zstd decompress: " + err.Error()}
	}
	return out, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// FrameErrorKind classifies malformed messages.
type FrameErrorKind string

const (
	FrameErrorInvalid  FrameErrorKind = "invalid"
	FrameErrorTooLarge FrameErrorKind = "too_large"
)

// FrameError reports a malformed message on the wire.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
}

func (e *FrameError) Error() string { return "transport frame " + string(e.Kind) + ": " + e.Msg }
