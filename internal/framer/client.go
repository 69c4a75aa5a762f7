// Package framer opens writer and streamer sessions against the cluster.
//
// A Writer sends frames for a fixed set of channels and exposes commit and
// authority control. A Streamer receives live frames for a dynamic set of
// channels. Both sessions optionally encode frames with the binary codec in
// internal/codec, which needs a channel retriever to resolve data types.
package framer

import (
	"context"

	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/codec"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/rs/zerolog"
)

// ClientConfig holds the dependencies of a Client.
type ClientConfig struct {
	Writers   transport.WriterClient
	Streamers transport.StreamerClient
	// Channels resolves channel metadata for the binary codec. Required only
	// when sessions enable the codec.
	Channels channel.Retriever
	// MaxSchemas bounds the number of schema versions each session codec keeps.
	MaxSchemas int
	Logger     zerolog.Logger
}

// Client opens framer sessions. It is safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
}

// NewClient creates a framer client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "framer").Logger(),
	}
}

// OpenWriter opens a writer session. On error no session exists and nothing
// needs to be closed.
func (c *Client) OpenWriter(ctx context.Context, cfg WriterConfig) (*Writer, error) {
	w, err := openWriter(ctx, c.cfg.Writers, c.newCodec, cfg, c.logger)
	if err != nil {
		metrics.Get().IncWriterOpenErrors()
		c.logger.Error().Err(err).Int("channels", len(cfg.Keys)).Msg("Failed to open writer")
		return nil, err
	}
	return w, nil
}

// OpenStreamer opens a streamer session. On error no session exists and nothing
// needs to be closed.
func (c *Client) OpenStreamer(ctx context.Context, cfg StreamerConfig) (*Streamer, error) {
	s, err := openStreamer(ctx, c.cfg.Streamers, c.newCodec, cfg, c.logger)
	if err != nil {
		metrics.Get().IncStreamerOpenErrors()
		c.logger.Error().Err(err).Int("channels", len(cfg.Keys)).Msg("Failed to open streamer")
		return nil, err
	}
	return s, nil
}

func (c *Client) newCodec() *codec.Codec {
	var opts []codec.Option
	if c.cfg.MaxSchemas > 0 {
		opts = append(opts, codec.WithMaxSchemas(c.cfg.MaxSchemas))
	}
	return codec.NewDynamic(c.cfg.Channels, opts...)
}
