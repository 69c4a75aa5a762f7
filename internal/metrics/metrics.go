package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all arcstream process metrics
type Metrics struct {
	startTime time.Time

	// Codec metrics
	codecFramesEncoded atomic.Int64
	codecBytesEncoded  atomic.Int64
	codecFramesDecoded atomic.Int64
	codecBytesDecoded  atomic.Int64
	codecErrorsTotal   atomic.Int64
	codecSchemaUpdates atomic.Int64

	// Writer session metrics
	writerOpensTotal   atomic.Int64
	writerOpenErrors   atomic.Int64
	writerFramesTotal  atomic.Int64
	writerCommitsTotal atomic.Int64
	writerErrorsTotal  atomic.Int64
	writersActive      atomic.Int64

	// Streamer session metrics
	streamerOpensTotal  atomic.Int64
	streamerOpenErrors  atomic.Int64
	streamerFramesTotal atomic.Int64
	streamerErrorsTotal atomic.Int64
	streamersActive     atomic.Int64

	// Pipeline metrics
	pipelineFramesRead    atomic.Int64
	pipelineFramesWritten atomic.Int64
	pipelineRetriesTotal  atomic.Int64
	pipelineAbortsTotal   atomic.Int64
	pipelinesRunning      atomic.Int64

	// Transport metrics
	transportBytesSent       atomic.Int64
	transportBytesReceived   atomic.Int64
	transportCompressedTotal atomic.Int64
	transportDialErrors      atomic.Int64

	// MQTT metrics
	mqttMessagesReceived  atomic.Int64
	mqttMessagesPublished atomic.Int64
	mqttDecodeErrors      atomic.Int64
	mqttMessagesDropped   atomic.Int64

	// Status API metrics
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Codec Metrics
func (m *Metrics) RecordEncode(bytes int) {
	m.codecFramesEncoded.Add(1)
	m.codecBytesEncoded.Add(int64(bytes))
}

func (m *Metrics) RecordDecode(bytes int) {
	m.codecFramesDecoded.Add(1)
	m.codecBytesDecoded.Add(int64(bytes))
}

func (m *Metrics) IncCodecErrors()        { m.codecErrorsTotal.Add(1) }
func (m *Metrics) IncCodecSchemaUpdates() { m.codecSchemaUpdates.Add(1) }

// Writer Metrics
func (m *Metrics) IncWriterOpens()      { m.writerOpensTotal.Add(1); m.writersActive.Add(1) }
func (m *Metrics) IncWriterOpenErrors() { m.writerOpenErrors.Add(1) }
func (m *Metrics) IncWriterFrames()     { m.writerFramesTotal.Add(1) }
func (m *Metrics) IncWriterCommits()    { m.writerCommitsTotal.Add(1) }
func (m *Metrics) IncWriterErrors()     { m.writerErrorsTotal.Add(1) }
func (m *Metrics) DecWritersActive()    { m.writersActive.Add(-1) }

// Streamer Metrics
func (m *Metrics) IncStreamerOpens()      { m.streamerOpensTotal.Add(1); m.streamersActive.Add(1) }
func (m *Metrics) IncStreamerOpenErrors() { m.streamerOpenErrors.Add(1) }
func (m *Metrics) IncStreamerFrames()     { m.streamerFramesTotal.Add(1) }
func (m *Metrics) IncStreamerErrors()     { m.streamerErrorsTotal.Add(1) }
func (m *Metrics) DecStreamersActive()    { m.streamersActive.Add(-1) }

// Pipeline Metrics
func (m *Metrics) IncPipelineFramesRead()    { m.pipelineFramesRead.Add(1) }
func (m *Metrics) IncPipelineFramesWritten() { m.pipelineFramesWritten.Add(1) }
func (m *Metrics) IncPipelineRetries()       { m.pipelineRetriesTotal.Add(1) }
func (m *Metrics) IncPipelineAborts()        { m.pipelineAbortsTotal.Add(1) }
func (m *Metrics) IncPipelinesRunning()      { m.pipelinesRunning.Add(1) }
func (m *Metrics) DecPipelinesRunning()      { m.pipelinesRunning.Add(-1) }

// Transport Metrics
func (m *Metrics) IncTransportBytesSent(bytes int64)     { m.transportBytesSent.Add(bytes) }
func (m *Metrics) IncTransportBytesReceived(bytes int64) { m.transportBytesReceived.Add(bytes) }
func (m *Metrics) IncTransportCompressed()               { m.transportCompressedTotal.Add(1) }
func (m *Metrics) IncTransportDialErrors()               { m.transportDialErrors.Add(1) }

// MQTT Metrics
func (m *Metrics) IncMQTTReceived()      { m.mqttMessagesReceived.Add(1) }
func (m *Metrics) IncMQTTPublished()     { m.mqttMessagesPublished.Add(1) }
func (m *Metrics) IncMQTTDecodeErrors()  { m.mqttDecodeErrors.Add(1) }
func (m *Metrics) IncMQTTDropped()       { m.mqttMessagesDropped.Add(1) }

// Status API
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPErrors()   { m.httpErrorsTotal.Add(1) }

// Snapshot returns all metrics as a map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// Codec
		"codec_frames_encoded": m.codecFramesEncoded.Load(),
		"codec_bytes_encoded":  m.codecBytesEncoded.Load(),
		"codec_frames_decoded": m.codecFramesDecoded.Load(),
		"codec_bytes_decoded":  m.codecBytesDecoded.Load(),
		"codec_errors_total":   m.codecErrorsTotal.Load(),
		"codec_schema_updates": m.codecSchemaUpdates.Load(),

		// Writer
		"writer_opens_total":       m.writerOpensTotal.Load(),
		"writer_open_errors_total": m.writerOpenErrors.Load(),
		"writer_frames_total":      m.writerFramesTotal.Load(),
		"writer_commits_total":     m.writerCommitsTotal.Load(),
		"writer_errors_total":      m.writerErrorsTotal.Load(),
		"writers_active":           m.writersActive.Load(),

		// Streamer
		"streamer_opens_total":       m.streamerOpensTotal.Load(),
		"streamer_open_errors_total": m.streamerOpenErrors.Load(),
		"streamer_frames_total":      m.streamerFramesTotal.Load(),
		"streamer_errors_total":      m.streamerErrorsTotal.Load(),
		"streamers_active":           m.streamersActive.Load(),

		// Pipelines
		"pipeline_frames_read":    m.pipelineFramesRead.Load(),
		"pipeline_frames_written": m.pipelineFramesWritten.Load(),
		"pipeline_retries_total":  m.pipelineRetriesTotal.Load(),
		"pipeline_aborts_total":   m.pipelineAbortsTotal.Load(),
		"pipelines_running":       m.pipelinesRunning.Load(),

		// Transport
		"transport_bytes_sent":        m.transportBytesSent.Load(),
		"transport_bytes_received":    m.transportBytesReceived.Load(),
		"transport_compressed_total":  m.transportCompressedTotal.Load(),
		"transport_dial_errors_total": m.transportDialErrors.Load(),

		// MQTT
		"mqtt_messages_received":  m.mqttMessagesReceived.Load(),
		"mqtt_messages_published": m.mqttMessagesPublished.Load(),
		"mqtt_decode_errors":      m.mqttDecodeErrors.Load(),
		"mqtt_messages_dropped":   m.mqttMessagesDropped.Load(),

		// Status API
		"http_requests_total": m.httpRequestsTotal.Load(),
		"http_errors_total":   m.httpErrorsTotal.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte
	b = append(b, "# HELP arcstream_uptime_seconds Time since the process started\n"...)
	b = append(b, "# TYPE arcstream_uptime_seconds gauge\n"...)
	b = appendMetric(b, "arcstream_uptime_seconds", time.Since(m.startTime).Seconds())

	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"arcstream_codec_frames_encoded_total", "Frames encoded by the codec", &m.codecFramesEncoded},
		{"arcstream_codec_bytes_encoded_total", "Bytes produced by the codec", &m.codecBytesEncoded},
		{"arcstream_codec_frames_decoded_total", "Frames decoded by the codec", &m.codecFramesDecoded},
		{"arcstream_codec_errors_total", "Codec encode and decode failures", &m.codecErrorsTotal},
		{"arcstream_writer_opens_total", "Writer sessions opened", &m.writerOpensTotal},
		{"arcstream_writer_frames_total", "Frames written by writer sessions", &m.writerFramesTotal},
		{"arcstream_writer_commits_total", "Writer commits acknowledged", &m.writerCommitsTotal},
		{"arcstream_writer_errors_total", "Writer sessions closed with an error", &m.writerErrorsTotal},
		{"arcstream_streamer_opens_total", "Streamer sessions opened", &m.streamerOpensTotal},
		{"arcstream_streamer_frames_total", "Frames received by streamer sessions", &m.streamerFramesTotal},
		{"arcstream_pipeline_frames_read_total", "Frames read by pipelines", &m.pipelineFramesRead},
		{"arcstream_pipeline_frames_written_total", "Frames written by pipelines", &m.pipelineFramesWritten},
		{"arcstream_pipeline_retries_total", "Pipeline retries after unreachable errors", &m.pipelineRetriesTotal},
		{"arcstream_pipeline_aborts_total", "Pipelines aborted by unrecoverable errors", &m.pipelineAbortsTotal},
		{"arcstream_mqtt_messages_received_total", "MQTT messages received", &m.mqttMessagesReceived},
		{"arcstream_mqtt_messages_published_total", "MQTT messages published", &m.mqttMessagesPublished},
		{"arcstream_http_requests_total", "Status API requests served", &m.httpRequestsTotal},
	}
	for _, c := range counters {
		b = append(b, "# HELP "+c.name+" "+c.help+"\n"...)
		b = append(b, "# TYPE "+c.name+" counter\n"...)
		b = appendMetric(b, c.name, float64(c.v.Load()))
	}

	b = append(b, "# HELP arcstream_sessions_active Open writer and streamer sessions\n"...)
	b = append(b, "# TYPE arcstream_sessions_active gauge\n"...)
	b = appendMetricWithLabel(b, "arcstream_sessions_active", "kind", "writer", float64(m.writersActive.Load()))
	b = appendMetricWithLabel(b, "arcstream_sessions_active", "kind", "streamer", float64(m.streamersActive.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for div := int64(100000); div > 1 && fracPart < div; div /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
