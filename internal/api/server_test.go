package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basekick-labs/arcstream/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	running bool
}

func (p *fakePipeline) Running() bool { return p.running }
func (p *fakePipeline) Stats() map[string]interface{} {
	return map[string]interface{}{"retries": 2}
}

type fakeClient struct{}

func (fakeClient) Stats() map[string]interface{} {
	return map[string]interface{}{"connected": true, "received": 7}
}

func do(t *testing.T, s *Server, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	code, body := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decode(t, body)["status"])
}

func TestReadyTracksPipelines(t *testing.T) {
	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	acq := &fakePipeline{running: true}
	s.RegisterPipeline("acquisition", acq)

	code, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, code)

	acq.running = false
	code, body := do(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	out := decode(t, body)
	assert.Equal(t, "not_ready", out["status"])
	assert.Equal(t, []interface{}{"acquisition"}, out["stopped"])
}

func TestMetricsFormats(t *testing.T) {
	s := NewServer(DefaultServerConfig(), zerolog.Nop())

	code, body := do(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "arcstream_uptime_seconds")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	code, body = do(t, s, req)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, decode(t, body), "pipelines_running")
}

func TestPipelinesAndClients(t *testing.T) {
	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	s.RegisterPipeline("control", &fakePipeline{running: true})
	s.RegisterClient("mqtt-sink", fakeClient{})

	_, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil))
	ctl := decode(t, body)["pipelines"].(map[string]interface{})["control"].(map[string]interface{})
	assert.Equal(t, true, ctl["running"])
	assert.Equal(t, float64(2), ctl["retries"])

	_, body = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/mqtt/stats", nil))
	sink := decode(t, body)["clients"].(map[string]interface{})["mqtt-sink"].(map[string]interface{})
	assert.Equal(t, float64(7), sink["received"])
}

func TestLogs(t *testing.T) {
	l := logger.New(io.Discard, logger.Config{Level: "debug", BufferSize: 16})
	l.Info().Str("component", "pipeline").Msg("started")
	l.Warn().Str("component", "mqtt").Msg("connection lost")

	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	code, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/logs?level=warn", nil))
	require.Equal(t, http.StatusOK, code)
	out := decode(t, body)
	assert.Equal(t, float64(1), out["count"])
	entry := out["logs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "mqtt", entry["component"])
}

func TestLogsRejectsBadLevel(t *testing.T) {
	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	code, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/logs?level=loud", nil))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.True(t, strings.Contains(string(body), "invalid level"))
}
