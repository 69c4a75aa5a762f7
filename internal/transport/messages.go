package transport

import (
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

// WriterCommand identifies a writer request.
type WriterCommand uint8

const (
	WriterOpen WriterCommand = iota
	WriterWrite
	WriterCommit
	WriterSetAuthority
)

// String returns the string representation of a writer command.
func (c WriterCommand) String() string {
	switch c {
	case WriterOpen:
		return "open"
	case WriterWrite:
		return "write"
	case WriterCommit:
		return "commit"
	case WriterSetAuthority:
		return "set_authority"
	default:
		return "unknown"
	}
}

// WriterMode selects whether written data is persisted, streamed, or both.
type WriterMode uint8

const (
	WriterModeUnspecified WriterMode = iota
	WriterPersistStream
	WriterPersistOnly
	WriterStreamOnly
)

// WriterConfigPayload is carried by open and set authority requests.
type WriterConfigPayload struct {
	Keys                     models.ChannelKeys    `msgpack:"keys"`
	Start                    telem.TimeStamp       `msgpack:"start"`
	Authorities              []models.Authority    `msgpack:"authorities"`
	Subject                  models.ControlSubject `msgpack:"subject"`
	Mode                     WriterMode            `msgpack:"mode"`
	EnableAutoCommit         bool                  `msgpack:"enable_auto_commit"`
	ErrOnUnauthorized        bool                  `msgpack:"err_on_unauthorized"`
	AutoIndexPersistInterval telem.TimeSpan        `msgpack:"auto_index_persist_interval"`
	EnableExperimentalCodec  bool                  `msgpack:"enable_experimental_codec"`
}

// WriterRequest is sent from a writer to the cluster. Write requests carry either
// Frame or, when the experimental codec is enabled, an encoded Buffer.
type WriterRequest struct {
	Command WriterCommand       `msgpack:"command"`
	Config  WriterConfigPayload `msgpack:"config"`
	Frame   Frame               `msgpack:"frame"`
	Buffer  []byte              `msgpack:"buffer,omitempty"`
}

// WriterResponse acknowledges a writer request.
type WriterResponse struct {
	Command WriterCommand   `msgpack:"command"`
	End     telem.TimeStamp `msgpack:"end"`
	Err     errs.Payload    `msgpack:"err"`
}

// StreamerRequest opens a streamer or changes its channel set.
type StreamerRequest struct {
	Keys                    models.ChannelKeys `msgpack:"keys"`
	DownsampleFactor        int                `msgpack:"downsample_factor"`
	EnableExperimentalCodec bool               `msgpack:"enable_experimental_codec"`
}

// StreamerResponse carries a frame, either structured or encoded in Buffer.
type StreamerResponse struct {
	Frame  Frame        `msgpack:"frame"`
	Buffer []byte       `msgpack:"buffer,omitempty"`
	Err    errs.Payload `msgpack:"err"`
}

// SeriesPayload is the wire form of a telem.Series.
type SeriesPayload struct {
	DataType  telem.DataType  `msgpack:"data_type"`
	Data      []byte          `msgpack:"data"`
	Start     telem.TimeStamp `msgpack:"start"`
	End       telem.TimeStamp `msgpack:"end"`
	Alignment telem.Alignment `msgpack:"alignment"`
}

// Frame is the structured wire form of a models.Frame.
type Frame struct {
	Keys   models.ChannelKeys `msgpack:"keys"`
	Series []SeriesPayload    `msgpack:"series"`
}

// FrameToWire converts a frame to its wire form. Series buffers are shared.
func FrameToWire(fr models.Frame) Frame {
	out := Frame{Keys: fr.Keys, Series: make([]SeriesPayload, len(fr.Series))}
	for i, s := range fr.Series {
		out.Series[i] = SeriesPayload{
			DataType:  s.DataType,
			Data:      s.Data,
			Start:     s.TimeRange.Start,
			End:       s.TimeRange.End,
			Alignment: s.Alignment,
		}
	}
	return out
}

// FrameFromWire converts a wire frame back into a models.Frame.
func FrameFromWire(f Frame) (models.Frame, error) {
	if len(f.Keys) != len(f.Series) {
		return models.Frame{}, errs.Validationf("wire frame has %d keys and %d series", len(f.Keys), len(f.Series))
	}
	out := models.AllocFrame(len(f.Keys))
	for i, k := range f.Keys {
		p := f.Series[i]
		out.Append(k, telem.Series{
			DataType:  p.DataType,
			Data:      p.Data,
			TimeRange: telem.TimeRange{Start: p.Start, End: p.End},
			Alignment: p.Alignment,
		})
	}
	return out, nil
}
