package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/arcstream/internal/pipeline"
	"github.com/spf13/viper"
)

// Config holds all configuration for arcstream
type Config struct {
	Log         LogConfig
	Cluster     ClusterConfig
	Breaker     BreakerConfig
	Channels    []ChannelConfig
	Acquisition AcquisitionConfig
	Control     ControlConfig
	MQTT        MQTTConfig
	Metrics     MetricsConfig
	API         APIConfig
	Shutdown    ShutdownConfig
}

type LogConfig struct {
	Level      string
	Format     string
	BufferSize int // Recent entries kept in memory for diagnostics
}

// ClusterConfig locates the cluster node sessions are opened against.
type ClusterConfig struct {
	Host                 string
	Port                 int
	DialTimeout          time.Duration
	Compression          string // zstd or none
	CompressionThreshold int    // Payloads above this size in bytes are compressed
	MaxMessageSize       int64  // Parsed from a size string such as "16MB"
	MaxSchemas           int    // Schema versions kept per codec, 0 for unbounded
}

// Address returns host:port.
func (c ClusterConfig) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BreakerConfig configures pipeline retry backoff.
type BreakerConfig struct {
	BaseInterval time.Duration
	MaxRetries   int // Negative retries forever
	Scale        float64
	MaxInterval  time.Duration
}

// ChannelConfig declares a channel known to the bridge.
type ChannelConfig struct {
	Key      uint32 `mapstructure:"key"`
	Name     string `mapstructure:"name"`
	DataType string `mapstructure:"data_type"`
	Index    uint32 `mapstructure:"index"`
	IsIndex  bool   `mapstructure:"is_index"`
	Virtual  bool   `mapstructure:"virtual"`
}

// AcquisitionConfig configures the MQTT to cluster pipeline.
type AcquisitionConfig struct {
	Enabled           bool
	Name              string
	Topics            []string
	Channels          []uint32
	Index             uint32
	Authority         int
	Subject           string
	Mode              string // persist_stream, persist_only, stream_only
	AutoCommit        bool
	// CommitSchedule is a cron expression or descriptor ("@every 30s") on which
	// the pipeline commits its writer. Empty disables scheduled commits.
	CommitSchedule    string
	ErrOnUnauthorized bool
	ExperimentalCodec bool
}

// ControlConfig configures the cluster to MQTT pipeline.
type ControlConfig struct {
	Enabled           bool
	Name              string
	PublishTopic      string
	Channels          []uint32
	DownsampleFactor  int
	ExperimentalCodec bool
}

// MQTTConfig holds the broker settings shared by the MQTT source and sink.
type MQTTConfig struct {
	Broker                string
	ClientID              string
	QoS                   int
	Username              string
	PasswordEncrypted     string
	TLSEnabled            bool
	TLSCertPath           string
	TLSKeyPath            string
	TLSCAPath             string
	TLSInsecureSkipVerify bool
	KeepAliveSeconds      int
	ConnectTimeoutSeconds int
	ReconnectMaxSeconds   int
	PublishTimeoutSeconds int
	BufferSize            int
}

type MetricsConfig struct {
	ReportInterval time.Duration // Interval of the periodic stats log, 0 disables it
	TextfilePath   string        // Prometheus textfile written on every report, empty disables it
}

// APIConfig configures the read-only status API.
type APIConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TokenHash    string // bcrypt hash from `arcstream hashtoken`, empty leaves /api/v1 open
}

type ShutdownConfig struct {
	Timeout time.Duration
}

// Load reads configuration from defaults, an optional arcstream.toml, and
// ARCSTREAM_ prefixed environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARCSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("arcstream")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arcstream/")
	v.AddConfigPath("$HOME/.arcstream/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	maxMessageSize, err := ParseSize(v.GetString("cluster.max_message_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid cluster.max_message_size: %w", err)
	}
	acqChannels, err := parseKeys(v.GetStringSlice("acquisition.channels"))
	if err != nil {
		return nil, fmt.Errorf("invalid acquisition.channels: %w", err)
	}
	ctlChannels, err := parseKeys(v.GetStringSlice("control.channels"))
	if err != nil {
		return nil, fmt.Errorf("invalid control.channels: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			BufferSize: v.GetInt("log.buffer_size"),
		},
		Cluster: ClusterConfig{
			Host:                 v.GetString("cluster.host"),
			Port:                 v.GetInt("cluster.port"),
			DialTimeout:          v.GetDuration("cluster.dial_timeout"),
			Compression:          v.GetString("cluster.compression"),
			CompressionThreshold: v.GetInt("cluster.compression_threshold"),
			MaxMessageSize:       maxMessageSize,
			MaxSchemas:           v.GetInt("cluster.max_schemas"),
		},
		Breaker: BreakerConfig{
			BaseInterval: v.GetDuration("breaker.base_interval"),
			MaxRetries:   v.GetInt("breaker.max_retries"),
			Scale:        v.GetFloat64("breaker.scale"),
			MaxInterval:  v.GetDuration("breaker.max_interval"),
		},
		Acquisition: AcquisitionConfig{
			Enabled:           v.GetBool("acquisition.enabled"),
			Name:              v.GetString("acquisition.name"),
			Topics:            v.GetStringSlice("acquisition.topics"),
			Channels:          acqChannels,
			Index:             v.GetUint32("acquisition.index"),
			Authority:         v.GetInt("acquisition.authority"),
			Subject:           v.GetString("acquisition.subject"),
			Mode:              v.GetString("acquisition.mode"),
			AutoCommit:        v.GetBool("acquisition.auto_commit"),
			CommitSchedule:    v.GetString("acquisition.commit_schedule"),
			ErrOnUnauthorized: v.GetBool("acquisition.err_on_unauthorized"),
			ExperimentalCodec: v.GetBool("acquisition.experimental_codec"),
		},
		Control: ControlConfig{
			Enabled:           v.GetBool("control.enabled"),
			Name:              v.GetString("control.name"),
			PublishTopic:      v.GetString("control.publish_topic"),
			Channels:          ctlChannels,
			DownsampleFactor:  v.GetInt("control.downsample_factor"),
			ExperimentalCodec: v.GetBool("control.experimental_codec"),
		},
		MQTT: MQTTConfig{
			Broker:                v.GetString("mqtt.broker"),
			ClientID:              v.GetString("mqtt.client_id"),
			QoS:                   v.GetInt("mqtt.qos"),
			Username:              v.GetString("mqtt.username"),
			PasswordEncrypted:     v.GetString("mqtt.password_encrypted"),
			TLSEnabled:            v.GetBool("mqtt.tls_enabled"),
			TLSCertPath:           v.GetString("mqtt.tls_cert_path"),
			TLSKeyPath:            v.GetString("mqtt.tls_key_path"),
			TLSCAPath:             v.GetString("mqtt.tls_ca_path"),
			TLSInsecureSkipVerify: v.GetBool("mqtt.tls_insecure_skip_verify"),
			KeepAliveSeconds:      v.GetInt("mqtt.keep_alive_seconds"),
			ConnectTimeoutSeconds: v.GetInt("mqtt.connect_timeout_seconds"),
			ReconnectMaxSeconds:   v.GetInt("mqtt.reconnect_max_seconds"),
			PublishTimeoutSeconds: v.GetInt("mqtt.publish_timeout_seconds"),
			BufferSize:            v.GetInt("mqtt.buffer_size"),
		},
		Metrics: MetricsConfig{
			ReportInterval: v.GetDuration("metrics.report_interval"),
			TextfilePath:   v.GetString("metrics.textfile_path"),
		},
		API: APIConfig{
			Enabled:      v.GetBool("api.enabled"),
			Host:         v.GetString("api.host"),
			Port:         v.GetInt("api.port"),
			ReadTimeout:  v.GetDuration("api.read_timeout"),
			WriteTimeout: v.GetDuration("api.write_timeout"),
			IdleTimeout:  v.GetDuration("api.idle_timeout"),
			TokenHash:    v.GetString("api.token_hash"),
		},
		Shutdown: ShutdownConfig{
			Timeout: v.GetDuration("shutdown.timeout"),
		},
	}
	if err := v.UnmarshalKey("channels", &cfg.Channels); err != nil {
		return nil, fmt.Errorf("invalid channels: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.buffer_size", 1000)

	// Cluster defaults
	v.SetDefault("cluster.host", "localhost")
	v.SetDefault("cluster.port", 9090)
	v.SetDefault("cluster.dial_timeout", "5s")
	v.SetDefault("cluster.compression", "zstd")
	v.SetDefault("cluster.compression_threshold", 1024)
	v.SetDefault("cluster.max_message_size", "16MB")
	v.SetDefault("cluster.max_schemas", 0)

	// Breaker defaults
	v.SetDefault("breaker.base_interval", "1s")
	v.SetDefault("breaker.max_retries", 50)
	v.SetDefault("breaker.scale", 1.1)
	v.SetDefault("breaker.max_interval", "1m")

	// Acquisition defaults
	v.SetDefault("acquisition.enabled", false)
	v.SetDefault("acquisition.name", "acquisition")
	v.SetDefault("acquisition.authority", 255)
	v.SetDefault("acquisition.subject", "arcstream")
	v.SetDefault("acquisition.mode", "persist_stream")
	v.SetDefault("acquisition.auto_commit", true)
	v.SetDefault("acquisition.commit_schedule", "")
	v.SetDefault("acquisition.err_on_unauthorized", false)
	v.SetDefault("acquisition.experimental_codec", true)

	// Control defaults
	v.SetDefault("control.enabled", false)
	v.SetDefault("control.name", "control")
	v.SetDefault("control.downsample_factor", 1)
	v.SetDefault("control.experimental_codec", true)

	// MQTT defaults (remaining ones are applied by the mqtt package)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("metrics.report_interval", "1m")

	// Status API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")
	v.SetDefault("api.idle_timeout", "60s")

	v.SetDefault("shutdown.timeout", "30s")
}

// Validate checks the settings the mqtt and framer packages do not validate
// themselves.
func (c *Config) Validate() error {
	if c.Cluster.Host == "" {
		return errors.New("cluster.host is required")
	}
	if c.Cluster.Port <= 0 || c.Cluster.Port > 65535 {
		return fmt.Errorf("cluster.port %d out of range", c.Cluster.Port)
	}
	switch c.Cluster.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("cluster.compression must be zstd or none, got %q", c.Cluster.Compression)
	}
	if c.Breaker.Scale != 0 && c.Breaker.Scale < 1 {
		return fmt.Errorf("breaker.scale must be at least 1, got %v", c.Breaker.Scale)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if !c.Acquisition.Enabled && !c.Control.Enabled {
		return errors.New("at least one of acquisition or control must be enabled")
	}

	declared := make(map[uint32]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Key == 0 {
			return fmt.Errorf("channel %q has no key", ch.Name)
		}
		if declared[ch.Key] {
			return fmt.Errorf("channel %d declared twice", ch.Key)
		}
		declared[ch.Key] = true
	}
	if c.Acquisition.Enabled {
		if len(c.Acquisition.Channels) == 0 {
			return errors.New("acquisition.channels is required")
		}
		if c.Acquisition.Authority < 0 || c.Acquisition.Authority > 255 {
			return fmt.Errorf("acquisition.authority must be between 0 and 255, got %d", c.Acquisition.Authority)
		}
		switch c.Acquisition.Mode {
		case "persist_stream", "persist_only", "stream_only":
		default:
			return fmt.Errorf("acquisition.mode %q is not one of persist_stream, persist_only, stream_only", c.Acquisition.Mode)
		}
		if err := checkDeclared("acquisition.channels", c.Acquisition.Channels, declared); err != nil {
			return err
		}
		if c.Acquisition.Index != 0 && !declared[c.Acquisition.Index] {
			return fmt.Errorf("acquisition.index %d is not a declared channel", c.Acquisition.Index)
		}
		if c.Acquisition.CommitSchedule != "" {
			if _, err := pipeline.ParseCommitSchedule(c.Acquisition.CommitSchedule); err != nil {
				return fmt.Errorf("acquisition.commit_schedule: %w", err)
			}
		}
	}
	if c.Control.Enabled {
		if len(c.Control.Channels) == 0 {
			return errors.New("control.channels is required")
		}
		if c.Control.DownsampleFactor < 0 {
			return errors.New("control.downsample_factor cannot be negative")
		}
	}
	return nil
}

func checkDeclared(field string, keys []uint32, declared map[uint32]bool) error {
	for _, k := range keys {
		if !declared[k] {
			return fmt.Errorf("%s: channel %d is not declared", field, k)
		}
	}
	return nil
}

// parseKeys parses channel keys given as a list or as a comma separated string.
func parseKeys(values []string) ([]uint32, error) {
	var keys []uint32
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid channel key %q", part)
			}
			keys = append(keys, uint32(k))
		}
	}
	return keys, nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '16MB', '512KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	num, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '16MB', '512KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
