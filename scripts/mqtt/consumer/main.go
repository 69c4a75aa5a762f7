// Command consumer subscribes to the topic an arcstream control pipeline
// publishes to and reports what arrives, for debugging.
//
//	go run ./scripts/mqtt/consumer -topic control/#
//	go run ./scripts/mqtt/consumer -topic control/+ -verbose
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/basekick-labs/arcstream/pkg/models"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID = flag.String("client", "arcstream-consumer", "MQTT client ID")
	topic    = flag.String("topic", "control/#", "topic filter to subscribe to")
	qos      = flag.Int("qos", 1, "QoS level (0, 1, or 2)")
	username = flag.String("username", "", "MQTT username")
	password = flag.String("password", "", "MQTT password")
	verbose  = flag.Bool("verbose", false, "log every record")
	interval = flag.Duration("stats", 5*time.Second, "stats reporting interval")
)

// tally counts records and samples per channel field.
type tally struct {
	mu       sync.Mutex
	messages int
	bytes    int
	invalid  int
	fields   map[string]int
}

func (t *tally) add(topic string, payload []byte, log zerolog.Logger) {
	var rec models.Record
	err := msgpack.Unmarshal(payload, &rec)

	t.mu.Lock()
	t.messages++
	t.bytes += len(payload)
	if err != nil {
		t.invalid++
	} else {
		for k := range rec.Fields {
			t.fields[k]++
		}
	}
	t.mu.Unlock()

	if !*verbose {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Int("bytes", len(payload)).Msg("Undecodable payload")
		return
	}
	pretty, _ := json.Marshal(rec)
	log.Info().Str("topic", topic).RawJSON("record", pretty).Msg("Record")
}

func (t *tally) report(log zerolog.Logger, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.fields))
	for k := range t.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := zerolog.Dict()
	for _, k := range keys {
		d.Int(k, t.fields[k])
	}
	log.Info().
		Dur("elapsed", elapsed.Round(time.Millisecond)).
		Int("messages", t.messages).
		Int("invalid", t.invalid).
		Int("bytes", t.bytes).
		Dict("fields", d).
		Float64("msg_per_sec", float64(t.messages)/elapsed.Seconds()).
		Msg("Stats")
}

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	t := &tally{fields: make(map[string]int)}
	opts := pahomqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(*clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("Connection lost")
		}).
		// Subscribe on every connect so reconnects resume delivery.
		SetOnConnectHandler(func(c pahomqtt.Client) {
			tok := c.Subscribe(*topic, byte(*qos), func(_ pahomqtt.Client, m pahomqtt.Message) {
				t.add(m.Topic(), m.Payload(), log)
			})
			if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
				log.Error().Err(tok.Error()).Str("topic", *topic).Msg("Failed to subscribe")
				return
			}
			log.Info().Str("topic", *topic).Msg("Subscribed")
		})
	if *username != "" {
		opts.SetUsername(*username).SetPassword(*password)
	}
	client := pahomqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		log.Fatal().Err(tok.Error()).Str("broker", *broker).Msg("Failed to connect")
	}
	defer client.Disconnect(1000)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	start := time.Now()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.report(log, time.Since(start))
			return
		case <-ticker.C:
			t.report(log, time.Since(start))
		}
	}
}
