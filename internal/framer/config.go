package framer

import (
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

// WriterMode selects whether written data is persisted, streamed, or both.
type WriterMode = transport.WriterMode

const (
	PersistStream = transport.WriterPersistStream
	PersistOnly   = transport.WriterPersistOnly
	StreamOnly    = transport.WriterStreamOnly
)

// WriterConfig configures a writer session.
type WriterConfig struct {
	// Keys is the set of channels the writer may write to.
	Keys models.ChannelKeys
	// Start is the timestamp of the first sample. Opening fails if it overlaps
	// existing data for any channel.
	Start telem.TimeStamp
	// Authorities holds either one authority for every channel or one per key.
	Authorities []models.Authority
	// Subject identifies the writer for authority arbitration.
	Subject models.ControlSubject
	// Mode defaults to PersistStream.
	Mode WriterMode
	// EnableAutoCommit commits every write on the server.
	EnableAutoCommit bool
	// ErrOnUnauthorized fails writes to channels held by another subject instead
	// of silently dropping them.
	ErrOnUnauthorized bool
	// AutoIndexPersistInterval controls how often the server persists the index
	// when auto commit is enabled.
	AutoIndexPersistInterval telem.TimeSpan
	// EnableExperimentalCodec sends frames with the binary codec instead of the
	// structured encoding.
	EnableExperimentalCodec bool
}

func (c WriterConfig) validate() error {
	if len(c.Keys) == 0 {
		return errs.Validationf("writer config must contain at least one channel")
	}
	if len(c.Keys.Unique()) != len(c.Keys) {
		return errs.Validationf("writer config contains duplicate channels")
	}
	if n := len(c.Authorities); n > 1 && n != len(c.Keys) {
		return errs.Validationf("writer config has %d authorities for %d channels", n, len(c.Keys))
	}
	return nil
}

func (c WriterConfig) payload() transport.WriterConfigPayload {
	mode := c.Mode
	if mode == transport.WriterModeUnspecified {
		mode = PersistStream
	}
	auths := c.Authorities
	if len(auths) == 0 {
		auths = []models.Authority{models.AuthorityAbsolute}
	}
	return transport.WriterConfigPayload{
		Keys:                     c.Keys,
		Start:                    c.Start,
		Authorities:              auths,
		Subject:                  c.Subject,
		Mode:                     mode,
		EnableAutoCommit:         c.EnableAutoCommit,
		ErrOnUnauthorized:        c.ErrOnUnauthorized,
		AutoIndexPersistInterval: c.AutoIndexPersistInterval,
		EnableExperimentalCodec:  c.EnableExperimentalCodec,
	}
}

// StreamerConfig configures a streamer session.
type StreamerConfig struct {
	// Keys is the initial set of channels to stream.
	Keys models.ChannelKeys
	// DownsampleFactor keeps one of every n samples. Zero or one disables it.
	DownsampleFactor int
	// EnableExperimentalCodec receives frames encoded with the binary codec.
	EnableExperimentalCodec bool
}

func (c StreamerConfig) request() transport.StreamerRequest {
	return transport.StreamerRequest{
		Keys:                    c.Keys,
		DownsampleFactor:        c.DownsampleFactor,
		EnableExperimentalCodec: c.EnableExperimentalCodec,
	}
}
