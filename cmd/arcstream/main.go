package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/basekick-labs/arcstream/internal/api"
	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/config"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/logger"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/internal/mqtt"
	"github.com/basekick-labs/arcstream/internal/pipeline"
	"github.com/basekick-labs/arcstream/internal/shutdown"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "genkey":
			key, err := mqtt.GenerateEncryptionKey()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(key)
			return
		case "hashtoken":
			if len(os.Args) != 3 {
				fmt.Fprintln(os.Stderr, "Usage: arcstream hashtoken <token>")
				os.Exit(2)
			}
			hash, err := api.HashToken(os.Args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(hash)
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, BufferSize: cfg.Log.BufferSize})
	log.Info().Str("version", Version).Str("cluster", cfg.Cluster.Address()).Msg("Starting arcstream...")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("arcstream stopped with error")
		dumpRecentWarnings()
		os.Exit(1)
	}
	log.Info().Msg("arcstream stopped")
}

// bridge holds the running components.
type bridge struct {
	coord *shutdown.Coordinator

	mu       sync.Mutex
	abortErr error
}

// aborted records the first pipeline abort and requests shutdown.
func (b *bridge) aborted(kind string, err error) {
	b.mu.Lock()
	if b.abortErr == nil {
		b.abortErr = fmt.Errorf("%s aborted: %w", kind, err)
	}
	b.mu.Unlock()
	b.coord.Trigger()
}

func (b *bridge) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortErr
}

// abortingSource and abortingSink report a pipeline abort to the bridge.
type abortingSource struct {
	*mqtt.Source
	onStop func(error)
}

func (s abortingSource) StoppedWithErr(err error) {
	s.Source.StoppedWithErr(err)
	s.onStop(err)
}

type abortingSink struct {
	*mqtt.Sink
	onStop func(error)
}

func (s abortingSink) StoppedWithErr(err error) {
	s.Sink.StoppedWithErr(err)
	s.onStop(err)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.Init(logger.Get("metrics"))
	coord := shutdown.New(cfg.Shutdown.Timeout, logger.Get("shutdown"))
	b := &bridge{coord: coord}

	channels, err := channelsFromConfig(cfg.Channels)
	if err != nil {
		return err
	}
	registry := channel.NewRegistry()
	if err := registry.Create(channels...); err != nil {
		return err
	}
	retriever := channel.NewCachedRetriever(registry, logger.Get("channel"))

	tcp := tcpConfig(cfg.Cluster, logger.Get("transport"))
	client := framer.NewClient(framer.ClientConfig{
		Writers:    transport.NewTCPClient[transport.WriterRequest, transport.WriterResponse](tcp),
		Streamers:  transport.NewTCPClient[transport.StreamerRequest, transport.StreamerResponse](tcp),
		Channels:   retriever,
		MaxSchemas: cfg.Cluster.MaxSchemas,
		Logger:     log.Logger,
	})

	encryptor, err := mqtt.EncryptorFromEnv()
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	var (
		source *mqtt.Source
		sink   *mqtt.Sink
	)
	if cfg.Acquisition.Enabled {
		mcfg := mqttConfig(cfg.Acquisition.Name, cfg.MQTT)
		mcfg.Topics = cfg.Acquisition.Topics
		mcfg.Channels = keys(cfg.Acquisition.Channels)
		mcfg.Index = keys([]uint32{cfg.Acquisition.Index})[0]
		if source, err = mqtt.NewSource(mcfg, retriever, encryptor, log.Logger); err != nil {
			return err
		}
	}
	if cfg.Control.Enabled {
		mcfg := mqttConfig(cfg.Control.Name, cfg.MQTT)
		mcfg.PublishTopic = cfg.Control.PublishTopic
		if sink, err = mqtt.NewSink(mcfg, encryptor, log.Logger); err != nil {
			return err
		}
	}

	// Broker connections are established before any pipeline starts so a
	// misconfigured broker fails fast.
	g, gctx := errgroup.WithContext(ctx)
	if source != nil {
		g.Go(func() error { return source.Connect(gctx) })
	}
	if sink != nil {
		g.Go(func() error { return sink.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		if source != nil {
			source.Close()
		}
		if sink != nil {
			sink.Close()
		}
		return err
	}

	var status *api.Server
	if cfg.API.Enabled {
		status = api.NewServer(apiConfig(cfg.API), log.Logger)
		if err := status.Start(); err != nil {
			if source != nil {
				source.Close()
			}
			if sink != nil {
				sink.Close()
			}
			return err
		}
		coord.RegisterFunc("api", status.Shutdown, shutdown.PriorityAPI)
	}

	if source != nil {
		acq := pipeline.NewAcquisition(
			pipeline.NewWriterFactory(client),
			writerConfig(cfg.Acquisition),
			abortingSource{Source: source, onStop: func(err error) { b.aborted("acquisition", err) }},
			breakerConfig(cfg.Acquisition.Name, cfg.Breaker),
			acquisitionOptions(cfg.Acquisition, log.Logger)...,
		)
		acq.Start()
		coord.RegisterFunc("acquisition", stopFunc(acq.Stop), shutdown.PriorityPipelines)
		coord.Register("mqtt-source", source, shutdown.PriorityMQTT)
		if status != nil {
			status.RegisterPipeline("acquisition", acq)
			status.RegisterClient("mqtt-source", source)
		}
	}
	if sink != nil {
		ctl := pipeline.NewControl(
			pipeline.NewStreamerFactory(client),
			streamerConfig(cfg.Control),
			abortingSink{Sink: sink, onStop: func(err error) { b.aborted("control", err) }},
			breakerConfig(cfg.Control.Name, cfg.Breaker),
			pipeline.WithLogger(log.Logger),
		)
		ctl.Start()
		coord.RegisterFunc("control", stopFunc(ctl.Stop), shutdown.PriorityPipelines)
		coord.Register("mqtt-sink", sink, shutdown.PriorityMQTT)
		if status != nil {
			status.RegisterPipeline("control", ctl)
			status.RegisterClient("mqtt-sink", sink)
		}
	}

	reporter := metrics.NewReporter(m, cfg.Metrics.ReportInterval, cfg.Metrics.TextfilePath, log.Logger)
	reportCtx, stopReporter := context.WithCancel(ctx)
	reported := make(chan error, 1)
	go func() { reported <- reporter.Run(reportCtx) }()
	coord.RegisterFunc("metrics", func(ctx context.Context) error {
		stopReporter()
		select {
		case err := <-reported:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.PriorityMetrics)

	log.Info().
		Bool("acquisition", source != nil).
		Bool("control", sink != nil).
		Msg("arcstream started")

	coord.Wait(ctx)
	if err := coord.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return b.err()
}

// stopFunc adapts a pipeline Stop to a shutdown step. Stop blocks until the
// worker exits, so it runs in its own goroutine to honor the deadline.
func stopFunc(stop func() bool) shutdown.Func {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dumpRecentWarnings repeats the latest warnings so the cause of a failure is
// visible at the end of the output.
func dumpRecentWarnings() {
	buf := logger.Captured()
	if buf == nil {
		return
	}
	entries := buf.Recent(10, zerolog.WarnLevel, time.Now().Add(-5*time.Minute))
	if len(entries) == 0 {
		return
	}
	log.Error().Int("count", len(entries)).Msg("Recent warnings and errors:")
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		log.Error().
			Time("at", e.Time).
			Str("from", e.Component).
			Str("cause", e.Error).
			Msg(e.Message)
	}
}

