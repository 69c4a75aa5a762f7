// Command producer publishes synthetic acquisition records to an MQTT broker
// for exercising an arcstream acquisition pipeline.
//
// Each message holds one record, or an array of records with -batch. Record
// fields are the channels named by -fields, each following a random walk.
//
//	go run ./scripts/mqtt/producer -topic sensors/rig1 -fields temp,pressure -count 100
//	go run ./scripts/mqtt/producer -fields 12,13 -rate 1000 -duration 60s
//	go run ./scripts/mqtt/producer -format json -fields temp -authority 200
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basekick-labs/arcstream/pkg/models"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

type options struct {
	broker    string
	clientID  string
	topic     string
	qos       int
	fields    []string
	authority int
	count     int
	rate      int
	duration  time.Duration
	format    string
	batch     int
	username  string
	password  string
}

func parseFlags() options {
	var o options
	var fields string
	flag.StringVar(&o.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&o.clientID, "client", "arcstream-producer", "MQTT client ID")
	flag.StringVar(&o.topic, "topic", "sensors/rig1", "topic to publish to")
	flag.IntVar(&o.qos, "qos", 1, "QoS level (0, 1, or 2)")
	flag.StringVar(&fields, "fields", "temp", "comma-separated channel names or keys")
	flag.IntVar(&o.authority, "authority", -1, "authority attached to every record, -1 for none")
	flag.IntVar(&o.count, "count", 0, "messages to send, 0 for unlimited")
	flag.IntVar(&o.rate, "rate", 10, "messages per second")
	flag.DurationVar(&o.duration, "duration", 0, "how long to run, 0 for unlimited")
	flag.StringVar(&o.format, "format", "msgpack", "payload encoding: json or msgpack")
	flag.IntVar(&o.batch, "batch", 1, "records per message")
	flag.StringVar(&o.username, "username", "", "MQTT username")
	flag.StringVar(&o.password, "password", "", "MQTT password")
	flag.Parse()
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			o.fields = append(o.fields, f)
		}
	}
	return o
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	o := parseFlags()
	switch {
	case len(o.fields) == 0:
		log.Fatal().Msg("No fields given")
	case o.authority > 255:
		log.Fatal().Int("authority", o.authority).Msg("Authority must be between 0 and 255")
	case o.rate <= 0 || o.batch <= 0:
		log.Fatal().Msg("Rate and batch must be positive")
	case o.format != "json" && o.format != "msgpack":
		log.Fatal().Str("format", o.format).Msg("Unknown format")
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(o.broker).
		SetClientID(o.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("Connection lost")
		})
	if o.username != "" {
		opts.SetUsername(o.username).SetPassword(o.password)
	}
	client := pahomqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		log.Fatal().Err(tok.Error()).Str("broker", o.broker).Msg("Failed to connect")
	}
	defer client.Disconnect(1000)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if o.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	log.Info().
		Str("broker", o.broker).
		Str("topic", o.topic).
		Strs("fields", o.fields).
		Int("rate", o.rate).
		Int("batch", o.batch).
		Msg("Publishing records")

	p := newProducer(o)
	start := time.Now()
	ticker := time.NewTicker(time.Second / time.Duration(o.rate))
	defer ticker.Stop()
	for o.count == 0 || p.sent+p.failed < o.count {
		select {
		case <-ctx.Done():
			p.summary(log, time.Since(start))
			return
		case <-ticker.C:
		}
		payload, err := p.next(time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode records")
		}
		tok := client.Publish(o.topic, byte(o.qos), false, payload)
		if tok.WaitTimeout(5*time.Second) && tok.Error() == nil {
			p.sent++
		} else {
			p.failed++
			log.Debug().Err(tok.Error()).Msg("Publish failed")
		}
	}
	p.summary(log, time.Since(start))
}

type producer struct {
	opts   options
	walk   map[string]float64
	sent   int
	failed int
}

func newProducer(o options) *producer {
	walk := make(map[string]float64, len(o.fields))
	for _, f := range o.fields {
		walk[f] = 20 + rand.Float64()*10
	}
	return &producer{opts: o, walk: walk}
}

// next encodes the next message. Timestamps within a batch are strictly
// increasing.
func (p *producer) next(now time.Time) ([]byte, error) {
	records := make([]models.Record, p.opts.batch)
	for i := range records {
		rec := models.Record{
			T:      now.UnixNano() + int64(i),
			Fields: make(map[string]interface{}, len(p.opts.fields)),
		}
		for _, f := range p.opts.fields {
			p.walk[f] += rand.Float64() - 0.5
			rec.Fields[f] = p.walk[f]
		}
		if p.opts.authority >= 0 {
			rec.Authority = p.opts.authority
		}
		records[i] = rec
	}
	var v interface{} = records
	if len(records) == 1 {
		v = records[0]
	}
	if p.opts.format == "json" {
		return json.Marshal(v)
	}
	return msgpack.Marshal(v)
}

func (p *producer) summary(log zerolog.Logger, elapsed time.Duration) {
	log.Info().
		Dur("elapsed", elapsed.Round(time.Millisecond)).
		Int("sent", p.sent).
		Int("failed", p.failed).
		Int("records", p.sent*p.opts.batch).
		Float64("msg_per_sec", float64(p.sent)/elapsed.Seconds()).
		Msg("Done")
}
