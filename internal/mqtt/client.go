// Package mqtt bridges application telemetry on an MQTT broker to the cluster.
//
// A Source subscribes to topics and turns each record it receives into a frame
// for an acquisition pipeline. A Sink publishes the frames a control pipeline
// streams from the cluster. Records are MessagePack or JSON documents of the
// form {"t": <timestamp>, "fields": {<channel>: <value>}, "authority": ...}.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/arcstream/internal/errs"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// buildClientOptions translates a Config into paho client options. Connection
// handlers are left to the caller.
func buildClientOptions(cfg *Config, enc PasswordEncryptor) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	opts.SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second)
	opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeoutSeconds) * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(cfg.ReconnectMaxSeconds) * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.PasswordEncrypted != "" {
		if enc == nil {
			return nil, ErrNoEncryptionKey
		}
		password, err := enc.Decrypt(cfg.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password: %w", err)
		}
		opts.SetPassword(password)
	}

	if cfg.TLSEnabled {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetCleanSession(true)
	return opts, nil
}

func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
	if cfg.TLSCAPath != "" {
		caCert, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// connect dials the broker and waits for the connection to be established. A
// broker that cannot be reached yields an error matching errs.ErrUnreachable.
func connect(ctx context.Context, opts *pahomqtt.ClientOptions, timeout time.Duration, logger zerolog.Logger) (pahomqtt.Client, error) {
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info().Msg("Attempting to reconnect to MQTT broker")
	})
	client := pahomqtt.NewClient(opts)
	if err := await(ctx, client.Connect(), timeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: connect to MQTT broker: %w", errs.ErrUnreachable, err)
	}
	return client, nil
}

// await waits for a paho token to complete, the context to be cancelled, or the
// timeout to elapse.
func await(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
