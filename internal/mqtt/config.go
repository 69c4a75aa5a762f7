package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/google/uuid"
)

// Validation limits
const (
	MaxTopics       = 100
	MaxTopicLength  = 1024
	MaxClientIDLen  = 255
	MaxBrokerURLLen = 2048
)

// Config configures an MQTT Source or Sink.
type Config struct {
	Name     string `mapstructure:"name"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	// Topics are subscribed by a Source.
	Topics []string `mapstructure:"topics"`
	// PublishTopic receives the frames written to a Sink.
	PublishTopic string `mapstructure:"publish_topic"`
	QoS          int    `mapstructure:"qos"`

	Username          string `mapstructure:"username"`
	PasswordEncrypted string `mapstructure:"password_encrypted"`

	TLSEnabled            bool   `mapstructure:"tls_enabled"`
	TLSCertPath           string `mapstructure:"tls_cert_path"`
	TLSKeyPath            string `mapstructure:"tls_key_path"`
	TLSCAPath             string `mapstructure:"tls_ca_path"`
	TLSInsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`

	KeepAliveSeconds      int `mapstructure:"keep_alive_seconds"`
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds"`
	ReconnectMaxSeconds   int `mapstructure:"reconnect_max_seconds"`
	PublishTimeoutSeconds int `mapstructure:"publish_timeout_seconds"`

	// BufferSize bounds the number of decoded messages a Source holds before
	// dropping new ones.
	BufferSize int `mapstructure:"buffer_size"`

	// Channels are the channels message fields may refer to, by key or name.
	Channels models.ChannelKeys `mapstructure:"channels"`
	// Index receives the message timestamp when non-zero.
	Index models.ChannelKey `mapstructure:"index"`
}

// SetDefaults sets default values for optional fields
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = generateClientID()
	}
	if c.QoS == 0 {
		c.QoS = 1 // at-least-once
	}
	if c.KeepAliveSeconds == 0 {
		c.KeepAliveSeconds = 60
	}
	if c.ConnectTimeoutSeconds == 0 {
		c.ConnectTimeoutSeconds = 30
	}
	if c.ReconnectMaxSeconds == 0 {
		c.ReconnectMaxSeconds = 60
	}
	if c.PublishTimeoutSeconds == 0 {
		c.PublishTimeoutSeconds = 10
	}
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
}

// Validate validates the connection settings shared by sources and sinks.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if len(c.Broker) > MaxBrokerURLLen {
		return fmt.Errorf("broker URL exceeds %d characters", MaxBrokerURLLen)
	}
	if err := validateBrokerURL(c.Broker); err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(c.ClientID) > MaxClientIDLen {
		return fmt.Errorf("client_id exceeds %d characters", MaxClientIDLen)
	}

	if c.QoS < 0 || c.QoS > 2 {
		return errors.New("qos must be 0, 1, or 2")
	}

	for _, path := range []string{c.TLSCertPath, c.TLSKeyPath, c.TLSCAPath} {
		if path != "" && strings.Contains(path, "..") {
			return errors.New("path traversal not allowed in certificate paths")
		}
	}

	if c.KeepAliveSeconds < 0 || c.ConnectTimeoutSeconds < 0 || c.ReconnectMaxSeconds < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if c.BufferSize < 0 {
		return errors.New("buffer_size cannot be negative")
	}
	return nil
}

func (c *Config) validateSource() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if len(c.Topics) > MaxTopics {
		return fmt.Errorf("maximum %d topics allowed", MaxTopics)
	}
	for _, topic := range c.Topics {
		if topic == "" {
			return errors.New("empty topic not allowed")
		}
		if len(topic) > MaxTopicLength {
			return fmt.Errorf("topic pattern exceeds %d characters", MaxTopicLength)
		}
	}
	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	return nil
}

func (c *Config) validateSink() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.PublishTopic == "" {
		return errors.New("publish_topic is required")
	}
	if strings.ContainsAny(c.PublishTopic, "+#") {
		return errors.New("publish_topic cannot contain wildcards")
	}
	return nil
}

func generateClientID() string {
	return "arcstream-" + uuid.NewString()[:8]
}

// validateBrokerURL validates the MQTT broker URL format
func validateBrokerURL(brokerURL string) error {
	validSchemes := []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"}

	hasValidScheme := false
	for _, scheme := range validSchemes {
		if strings.HasPrefix(brokerURL, scheme) {
			hasValidScheme = true
			break
		}
	}
	if !hasValidScheme {
		return fmt.Errorf("must start with one of: %v", validSchemes)
	}

	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
