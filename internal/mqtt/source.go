package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/channel"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// DefaultPollInterval bounds how long Source.Read blocks without a message.
const DefaultPollInterval = 100 * time.Millisecond

type message struct {
	frame models.Frame
	auths models.Authorities
}

// Source subscribes to MQTT topics and yields one frame per received record. It
// implements pipeline.Source.
//
// The broker connection reconnects on its own. Messages that fail to decode or
// arrive while the buffer is full are counted and dropped.
type Source struct {
	cfg       Config
	channels  channel.Retriever
	encryptor PasswordEncryptor
	logger    zerolog.Logger
	now       func() telem.TimeStamp
	poll      time.Duration

	messages chan message
	schema   atomic.Pointer[schema]

	mu      sync.Mutex
	client  pahomqtt.Client
	stopErr error

	received     atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
}

// NewSource validates cfg and creates a source. Channels resolves the data types
// of the configured channels when the source connects.
func NewSource(cfg Config, channels channel.Retriever, encryptor PasswordEncryptor, logger zerolog.Logger) (*Source, error) {
	cfg.SetDefaults()
	if err := cfg.validateSource(); err != nil {
		return nil, errs.Validationf("mqtt source %q: %v", cfg.Name, err)
	}
	return &Source{
		cfg:       cfg,
		channels:  channels,
		encryptor: encryptor,
		logger: logger.With().
			Str("component", "mqtt.source").
			Str("name", cfg.Name).
			Str("broker", cfg.Broker).
			Logger(),
		now:      telem.Now,
		poll:     DefaultPollInterval,
		messages: make(chan message, cfg.BufferSize),
	}, nil
}

// Connect resolves the configured channels and connects to the broker. Topics
// are subscribed again on every reconnect.
func (s *Source) Connect(ctx context.Context) error {
	if err := s.resolve(ctx); err != nil {
		return err
	}
	opts, err := buildClientOptions(&s.cfg, s.encryptor)
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(s.onConnect)
	client, err := connect(ctx, opts, seconds(s.cfg.ConnectTimeoutSeconds), s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.logger.Info().Strs("topics", s.cfg.Topics).Msg("MQTT source connected")
	return nil
}

func (s *Source) resolve(ctx context.Context) error {
	keys := append(models.ChannelKeys(nil), s.cfg.Channels...)
	if s.cfg.Index != 0 && !keys.Contains(s.cfg.Index) {
		keys = append(keys, s.cfg.Index)
	}
	channels, err := s.channels.Retrieve(ctx, keys)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if ch.Key == s.cfg.Index && ch.DataType != telem.TimeStampT {
			return errs.Validationf("index channel %d has data type %s, expected %s", ch.Key, ch.DataType, telem.TimeStampT)
		}
	}
	s.schema.Store(newSchema(channels, s.cfg.Index))
	return nil
}

func (s *Source) onConnect(client pahomqtt.Client) {
	for _, topic := range s.cfg.Topics {
		token := client.Subscribe(topic, byte(s.cfg.QoS), s.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to topic")
			continue
		}
		s.logger.Info().Str("topic", topic).Int("qos", s.cfg.QoS).Msg("Subscribed to topic")
	}
}

func (s *Source) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	s.handle(msg.Topic(), msg.Payload())
}

// handle decodes a payload and queues its records.
func (s *Source) handle(topic string, payload []byte) {
	s.received.Add(1)
	metrics.Get().IncMQTTReceived()

	sch := s.schema.Load()
	if sch == nil {
		s.logger.Warn().Str("topic", topic).Msg("Message received before channels were resolved")
		return
	}
	records, err := decodeRecords(payload)
	if err != nil {
		s.decodeFailed(topic, err)
		return
	}
	for _, rec := range records {
		fr, auths, err := sch.toFrame(rec, s.now())
		if err != nil {
			s.decodeFailed(topic, err)
			continue
		}
		if fr.Empty() && auths.Empty() {
			continue
		}
		select {
		case s.messages <- message{frame: fr, auths: auths}:
		default:
			s.dropped.Add(1)
			metrics.Get().IncMQTTDropped()
			s.logger.Warn().Str("topic", topic).Msg("Source buffer full, dropping record")
		}
	}
}

func (s *Source) decodeFailed(topic string, err error) {
	s.decodeErrors.Add(1)
	metrics.Get().IncMQTTDecodeErrors()
	s.logger.Debug().Err(err).Str("topic", topic).Msg("Failed to decode record")
}

// Read implements pipeline.Source. It returns without filling fr or auths when
// no record arrives within the poll interval, so the pipeline can observe b
// being stopped.
func (s *Source) Read(_ *breaker.Breaker, fr *models.Frame, auths *models.Authorities) error {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	select {
	case msg := <-s.messages:
		*fr = msg.frame
		*auths = msg.auths
	case <-timer.C:
	}
	return nil
}

// StoppedWithErr implements pipeline.Source.
func (s *Source) StoppedWithErr(err error) {
	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("Acquisition stopped with error")
}

// Err returns the error the pipeline stopped with, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// Close disconnects from the broker.
func (s *Source) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		s.logger.Info().Msg("MQTT source disconnected")
	}
	return nil
}

// Stats returns source statistics.
func (s *Source) Stats() map[string]interface{} {
	s.mu.Lock()
	connected := s.client != nil && s.client.IsConnectionOpen()
	s.mu.Unlock()
	return map[string]interface{}{
		"name":          s.cfg.Name,
		"connected":     connected,
		"received":      s.received.Load(),
		"dropped":       s.dropped.Load(),
		"decode_errors": s.decodeErrors.Load(),
		"buffered":      len(s.messages),
	}
}
