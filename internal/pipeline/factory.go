package pipeline

import (
	"context"

	"github.com/basekick-labs/arcstream/internal/framer"
)

var (
	_ Writer   = (*framer.Writer)(nil)
	_ Streamer = (*framer.Streamer)(nil)
)

type clusterWriters struct{ client *framer.Client }

// NewWriterFactory returns a WriterFactory that opens writers through client.
func NewWriterFactory(client *framer.Client) WriterFactory {
	return clusterWriters{client: client}
}

func (f clusterWriters) OpenWriter(ctx context.Context, cfg framer.WriterConfig) (Writer, error) {
	w, err := f.client.OpenWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type clusterStreamers struct{ client *framer.Client }

// NewStreamerFactory returns a StreamerFactory that opens streamers through
// client.
func NewStreamerFactory(client *framer.Client) StreamerFactory {
	return clusterStreamers{client: client}
}

func (f clusterStreamers) OpenStreamer(ctx context.Context, cfg framer.StreamerConfig) (Streamer, error) {
	s, err := f.client.OpenStreamer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
