package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Publisher publishes MQTT messages. pahomqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Sink publishes frames to an MQTT topic as MessagePack records. It implements
// pipeline.Sink.
type Sink struct {
	cfg       Config
	encryptor PasswordEncryptor
	logger    zerolog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	pub     Publisher
	client  pahomqtt.Client
	stopErr error

	published atomic.Int64
}

// NewSink validates cfg and creates a sink.
func NewSink(cfg Config, encryptor PasswordEncryptor, logger zerolog.Logger) (*Sink, error) {
	cfg.SetDefaults()
	if err := cfg.validateSink(); err != nil {
		return nil, errs.Validationf("mqtt sink %q: %v", cfg.Name, err)
	}
	return &Sink{
		cfg:       cfg,
		encryptor: encryptor,
		timeout:   seconds(cfg.PublishTimeoutSeconds),
		logger: logger.With().
			Str("component", "mqtt.sink").
			Str("name", cfg.Name).
			Str("topic", cfg.PublishTopic).
			Logger(),
	}, nil
}

// Connect connects to the broker.
func (s *Sink) Connect(ctx context.Context) error {
	opts, err := buildClientOptions(&s.cfg, s.encryptor)
	if err != nil {
		return err
	}
	client, err := connect(ctx, opts, seconds(s.cfg.ConnectTimeoutSeconds), s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = client
	s.pub = client
	s.mu.Unlock()
	s.logger.Info().Msg("MQTT sink connected")
	return nil
}

// Write implements pipeline.Sink. It blocks until the broker acknowledges the
// message according to the configured QoS.
func (s *Sink) Write(fr models.Frame) error {
	s.mu.Lock()
	pub := s.pub
	s.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("%w: mqtt sink is not connected", errs.ErrUnreachable)
	}
	rec, err := frameToRecord(fr)
	if err != nil {
		return err
	}
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	token := pub.Publish(s.cfg.PublishTopic, byte(s.cfg.QoS), false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("%w: publish timed out after %s", errs.ErrUnreachable, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish: %w", errs.ErrUnreachable, err)
	}
	s.published.Add(1)
	metrics.Get().IncMQTTPublished()
	return nil
}

// StoppedWithErr implements pipeline.Sink.
func (s *Sink) StoppedWithErr(err error) {
	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("Control stopped with error")
}

// Err returns the error the pipeline stopped with, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// Close disconnects from the broker.
func (s *Sink) Close() error {
	s.mu.Lock()
	client := s.client
	s.client, s.pub = nil, nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		s.logger.Info().Msg("MQTT sink disconnected")
	}
	return nil
}

// Stats returns sink statistics.
func (s *Sink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"name":      s.cfg.Name,
		"topic":     s.cfg.PublishTopic,
		"published": s.published.Load(),
	}
}
