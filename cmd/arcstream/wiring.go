package main

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/arcstream/internal/api"
	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/config"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/mqtt"
	"github.com/basekick-labs/arcstream/internal/pipeline"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/rs/zerolog"
)

func channelsFromConfig(cfgs []config.ChannelConfig) ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(cfgs))
	for _, c := range cfgs {
		dt := telem.DataType(strings.ToLower(c.DataType))
		if !dt.IsValid() {
			return nil, fmt.Errorf("channel %d: invalid data type %q", c.Key, c.DataType)
		}
		out = append(out, models.Channel{
			Key:      models.ChannelKey(c.Key),
			Name:     c.Name,
			DataType: dt,
			Index:    models.ChannelKey(c.Index),
			IsIndex:  c.IsIndex,
			Virtual:  c.Virtual,
		})
	}
	return out, nil
}

func keys(in []uint32) models.ChannelKeys {
	out := make(models.ChannelKeys, len(in))
	for i, k := range in {
		out[i] = models.ChannelKey(k)
	}
	return out
}

func tcpConfig(c config.ClusterConfig, logger zerolog.Logger) transport.TCPConfig {
	compression := c.Compression
	if compression == "none" {
		compression = ""
	}
	return transport.TCPConfig{
		Address:              c.Address(),
		DialTimeout:          c.DialTimeout,
		Compression:          compression,
		CompressionThreshold: c.CompressionThreshold,
		MaxMessageSize:       int(c.MaxMessageSize),
		Logger:               logger,
	}
}

func breakerConfig(name string, c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		Name:         name,
		BaseInterval: c.BaseInterval,
		MaxRetries:   c.MaxRetries,
		Scale:        c.Scale,
		MaxInterval:  c.MaxInterval,
	}
}

var writerModes = map[string]framer.WriterMode{
	"persist_stream": framer.PersistStream,
	"persist_only":   framer.PersistOnly,
	"stream_only":    framer.StreamOnly,
}

// writerConfig builds the acquisition writer config. The index channel is
// written alongside the data channels it indexes.
func writerConfig(c config.AcquisitionConfig) framer.WriterConfig {
	ks := keys(c.Channels)
	if idx := models.ChannelKey(c.Index); idx != 0 && !ks.Contains(idx) {
		ks = append(ks, idx)
	}
	return framer.WriterConfig{
		Keys:                    ks,
		Authorities:             []models.Authority{models.Authority(c.Authority)},
		Subject:                 models.NewControlSubject(c.Subject),
		Mode:                    writerModes[c.Mode],
		EnableAutoCommit:        c.AutoCommit,
		ErrOnUnauthorized:       c.ErrOnUnauthorized,
		EnableExperimentalCodec: c.ExperimentalCodec,
	}
}

func streamerConfig(c config.ControlConfig) framer.StreamerConfig {
	return framer.StreamerConfig{
		Keys:                    keys(c.Channels),
		DownsampleFactor:        c.DownsampleFactor,
		EnableExperimentalCodec: c.ExperimentalCodec,
	}
}

// mqttConfig merges the shared broker settings with a pipeline's topics.
func mqttConfig(name string, c config.MQTTConfig) mqtt.Config {
	clientID := c.ClientID
	if clientID != "" {
		clientID += "-" + name
	}
	return mqtt.Config{
		Name:                  name,
		Broker:                c.Broker,
		ClientID:              clientID,
		QoS:                   c.QoS,
		Username:              c.Username,
		PasswordEncrypted:     c.PasswordEncrypted,
		TLSEnabled:            c.TLSEnabled,
		TLSCertPath:           c.TLSCertPath,
		TLSKeyPath:            c.TLSKeyPath,
		TLSCAPath:             c.TLSCAPath,
		TLSInsecureSkipVerify: c.TLSInsecureSkipVerify,
		KeepAliveSeconds:      c.KeepAliveSeconds,
		ConnectTimeoutSeconds: c.ConnectTimeoutSeconds,
		ReconnectMaxSeconds:   c.ReconnectMaxSeconds,
		PublishTimeoutSeconds: c.PublishTimeoutSeconds,
		BufferSize:            c.BufferSize,
	}
}

// acquisitionOptions adds the commit schedule to the pipeline options. The
// schedule was checked by config validation, so a parse failure here only logs.
func acquisitionOptions(c config.AcquisitionConfig, logger zerolog.Logger) []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if c.CommitSchedule == "" {
		return opts
	}
	schedule, err := pipeline.ParseCommitSchedule(c.CommitSchedule)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring commit schedule")
		return opts
	}
	return append(opts, pipeline.WithCommitSchedule(schedule))
}

func apiConfig(c config.APIConfig) api.ServerConfig {
	cfg := api.DefaultServerConfig()
	cfg.Host = c.Host
	cfg.TokenHash = c.TokenHash
	if c.Port > 0 {
		cfg.Port = c.Port
	}
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	return cfg
}
