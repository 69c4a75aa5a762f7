package framer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/codec"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/basekick-labs/arcstream/internal/transport/mock"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *channel.Registry {
	return channel.NewRegistry(
		models.Channel{Key: 1, Name: "pressure", DataType: telem.Float32T},
		models.Channel{Key: 2, Name: "count", DataType: telem.Int64T},
		models.Channel{Key: 3, Name: "label", DataType: telem.StringT},
	)
}

// writerServer is an in-memory writer endpoint that records what it receives.
type writerServer struct {
	// openErr is returned in reply to the open command.
	openErr error
	// writeErr is reported asynchronously after the first write.
	writeErr error
	// failOnWrite breaks the stream when the first write arrives.
	failOnWrite bool

	mu      sync.Mutex
	config  transport.WriterConfigPayload
	frames  []models.Frame
	auths   []transport.WriterConfigPayload
	commits int
}

func (ws *writerServer) handler(t *testing.T) mock.Handler[transport.WriterRequest, transport.WriterResponse] {
	return func(target string, server *mock.Stream[transport.WriterResponse, transport.WriterRequest]) {
		assert.Equal(t, transport.TargetWriter, target)
		var cdc *codec.Codec
		for {
			req, err := server.Receive()
			if err != nil {
				_ = server.CloseSend()
				return
			}
			switch req.Command {
			case transport.WriterOpen:
				ws.mu.Lock()
				ws.config = req.Config
				ws.mu.Unlock()
				if req.Config.EnableExperimentalCodec {
					cdc = codec.NewDynamic(testRegistry())
					assert.NoError(t, cdc.Update(context.Background(), req.Config.Keys))
				}
				_ = server.Send(transport.WriterResponse{Command: transport.WriterOpen, Err: errs.Encode(ws.openErr)})
				if ws.openErr != nil {
					_ = server.CloseSend()
					return
				}
			case transport.WriterWrite:
				if ws.failOnWrite {
					server.Fail(errors.New("connection reset"))
					return
				}
				var fr models.Frame
				if len(req.Buffer) > 0 {
					fr, err = cdc.Decode(req.Buffer)
				} else {
					fr, err = transport.FrameFromWire(req.Frame)
				}
				assert.NoError(t, err)
				ws.mu.Lock()
				first := len(ws.frames) == 0
				ws.frames = append(ws.frames, fr)
				ws.mu.Unlock()
				if first && ws.writeErr != nil {
					_ = server.Send(transport.WriterResponse{Command: transport.WriterWrite, Err: errs.Encode(ws.writeErr)})
				}
			case transport.WriterSetAuthority:
				ws.mu.Lock()
				ws.auths = append(ws.auths, req.Config)
				ws.mu.Unlock()
				_ = server.Send(transport.WriterResponse{Command: transport.WriterSetAuthority})
			case transport.WriterCommit:
				ws.mu.Lock()
				ws.commits++
				end := telem.TimeStamp(100 * ws.commits)
				ws.mu.Unlock()
				_ = server.Send(transport.WriterResponse{Command: transport.WriterCommit, End: end})
			}
		}
	}
}

func newWriterClient(t *testing.T, ws *writerServer) (*Client, *mock.Client[transport.WriterRequest, transport.WriterResponse]) {
	wc := &mock.Client[transport.WriterRequest, transport.WriterResponse]{Handler: ws.handler(t)}
	return NewClient(ClientConfig{Writers: wc, Channels: testRegistry(), Logger: zerolog.Nop()}), wc
}

func TestWriterWriteCommitClose(t *testing.T) {
	ws := &writerServer{}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{
		Keys:  models.ChannelKeys{1, 2},
		Start: 10,
	})
	require.NoError(t, err)

	fr := models.NewFrame(
		[]models.ChannelKey{1, 2},
		[]telem.Series{telem.NewSeriesV[float32](1, 2), telem.NewSeriesV[int64](3, 4)},
	)
	require.NoError(t, w.Write(fr))
	end, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, telem.TimeStamp(100), end)

	require.NoError(t, w.Close())
	stream := wc.Streams()[0]
	closed := stream.Calls()
	require.NoError(t, w.Close())
	assert.Equal(t, closed, stream.Calls(), "second Close performs no I/O")
	assert.NoError(t, w.Error())
	assert.True(t, errors.Is(w.Write(fr), errs.ErrClosed))
	wc.Wait()

	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.Len(t, ws.frames, 1)
	assert.True(t, fr.Equal(ws.frames[0]))
	assert.Equal(t, PersistStream, ws.config.Mode)
	assert.Equal(t, []models.Authority{models.AuthorityAbsolute}, ws.config.Authorities)
	assert.Equal(t, telem.TimeStamp(10), ws.config.Start)
}

func TestWriterExperimentalCodec(t *testing.T) {
	ws := &writerServer{}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{
		Keys:                    models.ChannelKeys{1, 3},
		EnableExperimentalCodec: true,
	})
	require.NoError(t, err)

	fr := models.NewFrame(
		[]models.ChannelKey{3, 1},
		[]telem.Series{telem.NewStringsV("a", "b"), telem.NewSeriesV[float32](1, 2)},
	)
	require.NoError(t, w.Write(fr))
	_, err = w.Commit()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	wc.Wait()

	sent := wc.Streams()[0].SentMessages()
	require.Len(t, sent, 3)
	assert.NotEmpty(t, sent[1].Buffer)
	assert.Empty(t, sent[1].Frame.Keys)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.Len(t, ws.frames, 1)
	assert.True(t, fr.Sorted().Equal(ws.frames[0]))
}

func TestWriterCodecWithoutChannels(t *testing.T) {
	ws := &writerServer{}
	wc := &mock.Client[transport.WriterRequest, transport.WriterResponse]{Handler: ws.handler(t)}
	client := NewClient(ClientConfig{Writers: wc, Logger: zerolog.Nop()})

	_, err := client.OpenWriter(context.Background(), WriterConfig{
		Keys:                    models.ChannelKeys{1},
		EnableExperimentalCodec: true,
	})
	assert.True(t, errors.Is(err, errs.ErrUnexpected))
	wc.Wait()
}

func TestWriterRejectsInvalidFrames(t *testing.T) {
	ws := &writerServer{}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1}})
	require.NoError(t, err)

	extra := models.UnaryFrame(2, telem.NewSeriesV[int64](1))
	assert.True(t, errors.Is(w.Write(extra), errs.ErrValidation))

	dup := models.NewFrame(
		[]models.ChannelKey{1, 1},
		[]telem.Series{telem.NewSeriesV[float32](1), telem.NewSeriesV[float32](2)},
	)
	assert.True(t, errors.Is(w.Write(dup), errs.ErrValidation))

	// Client-side validation does not close the session.
	assert.NoError(t, w.Error())
	_, err = w.Commit()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	wc.Wait()
}

func TestWriterConfigValidation(t *testing.T) {
	ws := &writerServer{}
	client, wc := newWriterClient(t, ws)
	ctx := context.Background()

	_, err := client.OpenWriter(ctx, WriterConfig{})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = client.OpenWriter(ctx, WriterConfig{Keys: models.ChannelKeys{1, 1}})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = client.OpenWriter(ctx, WriterConfig{
		Keys:        models.ChannelKeys{1, 2, 3},
		Authorities: []models.Authority{1, 2},
	})
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, 0, wc.Opened())
}

func TestWriterOpenRejected(t *testing.T) {
	ws := &writerServer{openErr: errs.Validationf("start overlaps existing data")}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1}})
	assert.Nil(t, w)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Contains(t, err.Error(), "overlaps")
	wc.Wait()
}

func TestWriterDialError(t *testing.T) {
	wc := &mock.Client[transport.WriterRequest, transport.WriterResponse]{
		DialErrors: []error{errs.ErrUnreachable},
	}
	client := NewClient(ClientConfig{Writers: wc, Logger: zerolog.Nop()})

	_, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1}})
	assert.True(t, errors.Is(err, errs.ErrUnreachable))
}

func TestWriterServerErrorSurfacesOnCommit(t *testing.T) {
	ws := &writerServer{writeErr: fmt.Errorf("%w: channel 1 is controlled by another subject", errs.ErrUnauthorized)}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1}, ErrOnUnauthorized: true})
	require.NoError(t, err)

	// Writes are fire-and-forget, so the failure is reported by Commit.
	require.NoError(t, w.Write(models.UnaryFrame(1, telem.NewSeriesV[float32](1))))
	_, err = w.Commit()
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	assert.True(t, errors.Is(w.Write(models.UnaryFrame(1, telem.NewSeriesV[float32](2))), errs.ErrUnauthorized))
	assert.True(t, errors.Is(w.Error(), errs.ErrUnauthorized))
	assert.True(t, errors.Is(w.Close(), errs.ErrUnauthorized))
	assert.True(t, errors.Is(w.Close(), errs.ErrUnauthorized))
	wc.Wait()
}

func TestWriterStreamFailure(t *testing.T) {
	ws := &writerServer{failOnWrite: true}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1}})
	require.NoError(t, err)
	require.NoError(t, w.Write(models.UnaryFrame(1, telem.NewSeriesV[float32](1))))

	_, err = w.Commit()
	assert.True(t, errors.Is(err, errs.ErrStreamClosed))
	assert.True(t, errs.IsRetryable(err))
	assert.True(t, errors.Is(w.Close(), errs.ErrStreamClosed))
	wc.Wait()
}

func TestWriterSetAuthorities(t *testing.T) {
	ws := &writerServer{}
	client, wc := newWriterClient(t, ws)

	w, err := client.OpenWriter(context.Background(), WriterConfig{Keys: models.ChannelKeys{1, 2}})
	require.NoError(t, err)

	require.NoError(t, w.SetAuthority(10))
	require.NoError(t, w.SetChannelAuthority(2, 200))
	require.NoError(t, w.SetAuthorities(models.Authorities{
		Keys:        models.ChannelKeys{1, 2},
		Authorities: []models.Authority{3, 4},
	}, false))
	require.NoError(t, w.SetAuthorities(models.Authorities{}, true))
	assert.True(t, errors.Is(w.SetAuthorities(models.Authorities{
		Keys:        models.ChannelKeys{1, 2},
		Authorities: []models.Authority{3},
	}, true), errs.ErrValidation))

	require.NoError(t, w.Close())
	wc.Wait()

	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.Len(t, ws.auths, 3)
	assert.Empty(t, ws.auths[0].Keys)
	assert.Equal(t, []models.Authority{10}, ws.auths[0].Authorities)
	assert.Equal(t, models.ChannelKeys{2}, ws.auths[1].Keys)
	assert.Equal(t, []models.Authority{200}, ws.auths[1].Authorities)
	assert.Equal(t, []models.Authority{3, 4}, ws.auths[2].Authorities)
}

// streamerServer acknowledges the open request, then sends one frame for every
// key set it is asked to stream.
func streamerServer(t *testing.T, useCodec bool, openErr error) mock.Handler[transport.StreamerRequest, transport.StreamerResponse] {
	return func(target string, server *mock.Stream[transport.StreamerResponse, transport.StreamerRequest]) {
		assert.Equal(t, transport.TargetStreamer, target)
		cdc := codec.NewDynamic(testRegistry())
		first := true
		for {
			req, err := server.Receive()
			if err != nil {
				_ = server.CloseSend()
				return
			}
			if first {
				first = false
				_ = server.Send(transport.StreamerResponse{Err: errs.Encode(openErr)})
				if openErr != nil {
					_ = server.CloseSend()
					return
				}
			}
			fr := models.AllocFrame(len(req.Keys))
			for _, k := range req.Keys {
				fr.Append(k, sampleFor(k))
			}
			var res transport.StreamerResponse
			if useCodec {
				assert.NoError(t, cdc.Update(context.Background(), req.Keys))
				res.Buffer, err = cdc.Encode(fr)
				assert.NoError(t, err)
			} else {
				res.Frame = transport.FrameToWire(fr)
			}
			_ = server.Send(res)
		}
	}
}

func sampleFor(k models.ChannelKey) telem.Series {
	switch k {
	case 1:
		return telem.NewSeriesV[float32](float32(k))
	case 2:
		return telem.NewSeriesV[int64](int64(k))
	default:
		return telem.NewStringsV("x")
	}
}

func TestStreamer(t *testing.T) {
	for _, useCodec := range []bool{false, true} {
		name := "structured"
		if useCodec {
			name = "codec"
		}
		t.Run(name, func(t *testing.T) {
			sc := &mock.Client[transport.StreamerRequest, transport.StreamerResponse]{Handler: streamerServer(t, useCodec, nil)}
			client := NewClient(ClientConfig{Streamers: sc, Channels: testRegistry(), Logger: zerolog.Nop()})
			ctx := context.Background()

			s, err := client.OpenStreamer(ctx, StreamerConfig{Keys: models.ChannelKeys{1}, EnableExperimentalCodec: useCodec})
			require.NoError(t, err)

			fr, err := s.Read()
			require.NoError(t, err)
			assert.Equal(t, models.ChannelKeys{1}, fr.Keys)
			assert.Equal(t, float32(1), telem.ValueAt[float32](fr.Series[0], 0))

			require.NoError(t, s.SetChannels(ctx, models.ChannelKeys{2, 3}))
			fr, err = s.Read()
			require.NoError(t, err)
			assert.Equal(t, models.ChannelKeys{2, 3}, fr.Keys)
			assert.Equal(t, []string{"x"}, fr.Series[1].Strings())

			require.NoError(t, s.Close())
			stream := sc.Streams()[0]
			closed := stream.Calls()
			require.NoError(t, s.Close())
			assert.Equal(t, closed, stream.Calls(), "second Close performs no I/O")
			_, err = s.Read()
			assert.True(t, errors.Is(err, errs.ErrEOF))
			sc.Wait()
		})
	}
}

func TestStreamerCloseSendUnblocksRead(t *testing.T) {
	sc := &mock.Client[transport.StreamerRequest, transport.StreamerResponse]{Handler: streamerServer(t, false, nil)}
	client := NewClient(ClientConfig{Streamers: sc, Logger: zerolog.Nop()})

	s, err := client.OpenStreamer(context.Background(), StreamerConfig{Keys: models.ChannelKeys{2}})
	require.NoError(t, err)
	_, err = s.Read()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read()
		done <- err
	}()
	require.NoError(t, s.CloseSend())
	assert.True(t, errors.Is(<-done, errs.ErrEOF))
	assert.NoError(t, s.Close())
	sc.Wait()
}

func TestStreamerOpenRejected(t *testing.T) {
	sc := &mock.Client[transport.StreamerRequest, transport.StreamerResponse]{
		Handler: streamerServer(t, false, errs.NotFoundf("channel 9")),
	}
	client := NewClient(ClientConfig{Streamers: sc, Logger: zerolog.Nop()})

	_, err := client.OpenStreamer(context.Background(), StreamerConfig{Keys: models.ChannelKeys{9}})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = client.OpenStreamer(context.Background(), StreamerConfig{})
	assert.True(t, errors.Is(err, errs.ErrValidation))
	sc.Wait()
}

func TestStreamerUnknownChannelWithCodec(t *testing.T) {
	sc := &mock.Client[transport.StreamerRequest, transport.StreamerResponse]{Handler: streamerServer(t, true, nil)}
	client := NewClient(ClientConfig{Streamers: sc, Channels: testRegistry(), Logger: zerolog.Nop()})
	ctx := context.Background()

	_, err := client.OpenStreamer(ctx, StreamerConfig{Keys: models.ChannelKeys{42}, EnableExperimentalCodec: true})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.Equal(t, 1, sc.Opened())

	s, err := client.OpenStreamer(ctx, StreamerConfig{Keys: models.ChannelKeys{1}, EnableExperimentalCodec: true})
	require.NoError(t, err)
	_, err = s.Read()
	require.NoError(t, err)
	assert.True(t, errors.Is(s.SetChannels(ctx, models.ChannelKeys{42}), errs.ErrNotFound))
	assert.True(t, errors.Is(s.SetChannels(ctx, nil), errs.ErrValidation))
	require.NoError(t, s.Close())
	sc.Wait()
}
