package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, false, 0, 0)
	dec := NewDecoder(&buf, 0)

	req := WriterRequest{
		Command: WriterOpen,
		Config: WriterConfigPayload{
			Keys:        models.ChannelKeys{1, 2},
			Start:       telem.TimeStamp(42),
			Authorities: []models.Authority{255},
			Subject:     models.ControlSubject{Key: "k", Name: "daq"},
			Mode:        WriterPersistStream,
		},
	}
	require.NoError(t, enc.Encode(req))
	assert.Equal(t, byte(0), buf.Bytes()[4], "uncompressed flag")

	var got WriterRequest
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Config.Keys, got.Config.Keys)
	assert.Equal(t, req.Config.Start, got.Config.Start)
	assert.Equal(t, req.Config.Subject, got.Config.Subject)

	assert.ErrorIs(t, dec.Decode(&got), io.EOF)
}

func TestEncoderCompression(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, true, 64, 0)

	data := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	fr := models.UnaryFrame(1, telem.Series{DataType: telem.Float32T, Data: data})
	require.NoError(t, enc.Encode(StreamerResponse{Frame: FrameToWire(fr)}))
	assert.Equal(t, flagCompressed, buf.Bytes()[4])
	assert.Less(t, buf.Len(), len(data))

	var got StreamerResponse
	require.NoError(t, NewDecoder(&buf, 0).Decode(&got))
	decoded, err := FrameFromWire(got.Frame)
	require.NoError(t, err)
	assert.True(t, fr.Equal(decoded))
}

func TestDecoderRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf, false, 0, 0).Encode(StreamerRequest{Keys: models.ChannelKeys{1, 2, 3}}))

	var req StreamerRequest
	err := NewDecoder(&buf, 4).Decode(&req)
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FrameErrorTooLarge, fe.Kind)
}

func TestDecoderCapsDecompressedSize(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, 256<<10)
	fr := models.UnaryFrame(1, telem.Series{DataType: telem.Uint8T, Data: data})
	require.NoError(t, NewEncoder(&buf, true, 64, 0).Encode(StreamerResponse{Frame: FrameToWire(fr)}))
	require.Equal(t, flagCompressed, buf.Bytes()[4])
	require.Less(t, buf.Len(), 4<<10)

	var got StreamerResponse
	err := NewDecoder(&buf, 4<<10).Decode(&got)
	var fe *FrameError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, FrameErrorTooLarge, fe.Kind)
}

func TestDecoderTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf, false, 0, 0).Encode(StreamerRequest{Keys: models.ChannelKeys{1}}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var req StreamerRequest
	assert.ErrorIs(t, NewDecoder(truncated, 0).Decode(&req), io.ErrUnexpectedEOF)
}

func TestFrameWireConversion(t *testing.T) {
	s := telem.NewSeriesV[int32](1, 2)
	s.TimeRange = telem.TimeRange{Start: 1, End: 3}
	s.Alignment = 12
	fr := models.NewFrame([]models.ChannelKey{5, 6}, []telem.Series{s, telem.NewStringsV("a")})

	back, err := FrameFromWire(FrameToWire(fr))
	require.NoError(t, err)
	assert.True(t, fr.Equal(back))

	_, err = FrameFromWire(Frame{Keys: models.ChannelKeys{1}})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestWriterCommandString(t *testing.T) {
	assert.Equal(t, "open", WriterOpen.String())
	assert.Equal(t, "commit", WriterCommit.String())
	assert.Equal(t, "set_authority", WriterSetAuthority.String())
	assert.Equal(t, "unknown", WriterCommand(9).String())
}

func TestTCPStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := TCPConfig{Address: ln.Addr().String(), Compression: "zstd", CompressionThreshold: 128, Logger: zerolog.Nop()}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		target, stream, err := Accept[StreamerRequest, StreamerResponse](conn, cfg)
		if err != nil {
			serverDone <- err
			return
		}
		if target != TargetStreamer {
			serverDone <- errors.New("unexpected target " + target)
			return
		}
		for {
			req, err := stream.Receive()
			if errors.Is(err, errs.ErrEOF) {
				serverDone <- stream.CloseSend()
				return
			}
			if err != nil {
				serverDone <- err
				return
			}
			fr := models.UnaryFrame(req.Keys[0], telem.NewSeriesV[float64](float64(req.DownsampleFactor)))
			if err := stream.Send(StreamerResponse{Frame: FrameToWire(fr)}); err != nil {
				serverDone <- err
				return
			}
		}
	}()

	client := NewTCPClient[StreamerRequest, StreamerResponse](cfg)
	stream, err := client.Stream(context.Background(), TargetStreamer)
	require.NoError(t, err)

	require.NoError(t, stream.Send(StreamerRequest{Keys: models.ChannelKeys{7}, DownsampleFactor: 3}))
	res, err := stream.Receive()
	require.NoError(t, err)
	fr, err := FrameFromWire(res.Frame)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelKeys{7}, fr.Keys)
	assert.Equal(t, 3.0, telem.ValueAt[float64](fr.Series[0], 0))

	require.NoError(t, stream.CloseSend())
	require.NoError(t, stream.CloseSend())
	_, err = stream.Receive()
	assert.True(t, errors.Is(err, errs.ErrEOF))

	err = stream.Send(StreamerRequest{})
	assert.True(t, errors.Is(err, errs.ErrClosed))

	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
	}
}

func TestTCPDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewTCPClient[WriterRequest, WriterResponse](TCPConfig{Address: addr, DialTimeout: time.Second, Logger: zerolog.Nop()})
	_, err = client.Stream(context.Background(), TargetWriter)
	assert.True(t, errors.Is(err, errs.ErrUnreachable))
}

func TestTCPRemoteDropIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Read the handshake then drop the connection mid-message.
		var hs handshake
		_ = NewDecoder(conn, 0).Decode(&hs)
		_, _ = conn.Write([]byte{0, 0, 0, 10, 0})
		conn.Close()
	}()

	client := NewTCPClient[WriterRequest, WriterResponse](TCPConfig{Address: ln.Addr().String(), Logger: zerolog.Nop()})
	stream, err := client.Stream(context.Background(), TargetWriter)
	require.NoError(t, err)
	_, err = stream.Receive()
	assert.True(t, errors.Is(err, errs.ErrStreamClosed))
	assert.True(t, errors.Is(err, errs.ErrUnreachable))
}
