package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xReLogic/Cigano/internal/cards"
	"github.com/0xReLogic/Cigano/internal/config"
	"github.com/0xReLogic/Cigano/internal/gemini"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/metrics"
	"github.com/0xReLogic/Cigano/internal/ratelimiter"
	"github.com/0xReLogic/Cigano/internal/reading"
)

const validBody = `{"carta1":"O Sol","carta2":"A Lua","tempo":"Presente","tema":"Amor"}`

type stubInterpreter struct {
	text  string
	err   error
	panic bool
	calls int32
}

func (s *stubInterpreter) Interpret(_ context.Context, _ cards.InterpretationRequest) (reading.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.panic {
		panic("unexpected failure")
	}
	if s.err != nil {
		return reading.Result{}, s.err
	}
	return reading.Result{Text: s.text}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gemini.APIKey = "test-key"
	cfg.Gemini.MaxRequestsPerMinute = 0
	return cfg
}

type fixture struct {
	handler http.Handler
	metrics *metrics.MetricsCollector
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg *config.Config, svc Interpreter) *fixture {
	t.Helper()

	var logs bytes.Buffer
	logging.InitWithWriter(&logs, config.LoggingConfig{Level: "debug", Format: "json"})
	t.Cleanup(func() {
		logging.InitWithWriter(io.Discard, config.LoggingConfig{Level: "info", Format: "json"})
	})

	limiter := ratelimiter.NewSlidingWindowRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimitWindow())
	t.Cleanup(limiter.Stop)

	mc := metrics.NewMetricsCollector()
	h := NewHandler(Deps{
		Config:  cfg,
		Service: svc,
		Limiter: limiter,
		Metrics: mc,
		Port:    func() int { return 3002 },
	})
	return &fixture{handler: h, metrics: mc, logs: &logs}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func findLogEntry(t *testing.T, logs *bytes.Buffer, message string) map[string]interface{} {
	t.Helper()
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		var entry map[string]interface{}
		if json.Unmarshal(line, &entry) == nil && entry["message"] == message {
			return entry
		}
	}
	t.Fatalf("no %q log line in:\n%s", message, logs.String())
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// geminiUpstream serves a fixed generateContent body.
func geminiUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func geminiService(cfg *config.Config, endpoint string) *reading.Service {
	client := gemini.NewClient(cfg.Gemini, gemini.WithEndpoint(endpoint))
	return reading.NewService(client, 0)
}

func TestStatusDevelopmentEchoesKnobs(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, float64(3002), body["port"])
	assert.Equal(t, config.EnvDevelopment, body["environment"])
	assert.NotEmpty(t, body["timestamp"])

	knobs, ok := body["config"].(map[string]interface{})
	require.True(t, ok, "expected config knobs outside production")
	assert.Equal(t, float64(1), knobs["maxRequestsPerMinute"])
	assert.Equal(t, true, knobs["apiKeyConfigured"])
	assert.NotContains(t, rec.Body.String(), "test-key")
}

func TestStatusProductionHidesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = config.EnvProduction
	f := newFixture(t, cfg, &stubInterpreter{})

	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, config.EnvProduction, body["environment"])
	_, hasConfig := body["config"]
	assert.False(t, hasConfig)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestTestEndpoint(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	rec := f.do(http.MethodGet, "/api/test", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, msgTestOK, body["message"])
	assert.Equal(t, float64(3002), body["port"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestInterpretationSuccessEndToEnd(t *testing.T) {
	cfg := testConfig()
	upstream := geminiUpstream(t, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"  X  "}]}}]}`)
	f := newFixture(t, cfg, geminiService(cfg, upstream.URL))

	rec := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "X", body["interpretacao"])
	assert.NotEmpty(t, body["timestamp"])

	requestID, _ := body["requestId"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, f.logs.String(), `"request_id":"`+requestID+`"`)
}

func TestInterpretationMalformedUpstreamBody(t *testing.T) {
	cfg := testConfig()
	upstream := geminiUpstream(t, http.StatusOK, `{"usageMetadata":{"totalTokenCount":3}}`)
	f := newFixture(t, cfg, geminiService(cfg, upstream.URL))

	rec := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body["error"], "invalid response")
	assert.NotEmpty(t, body["requestId"])
	assert.NotEmpty(t, body["timestamp"])
	_, hasText := body["interpretacao"]
	assert.False(t, hasText)
}

func TestInterpretationUpstreamHTTPError(t *testing.T) {
	cfg := testConfig()
	upstream := geminiUpstream(t, http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	f := newFixture(t, cfg, geminiService(cfg, upstream.URL))

	rec := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body["error"], "HTTP 403")
	assert.Contains(t, body["error"], "API key not valid")
	assert.NotContains(t, rec.Body.String(), "test-key")
}

func TestInterpretationFailureLogsRequestHeaders(t *testing.T) {
	cfg := testConfig()
	upstream := geminiUpstream(t, http.StatusBadGateway, `{"error":{"code":502,"message":"bad gateway"}}`)
	f := newFixture(t, cfg, geminiService(cfg, upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/interpretacao", strings.NewReader(validBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer hunter2")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	entry := findLogEntry(t, f.logs, "interpretation failed")
	assert.Equal(t, true, entry["upstream"])
	assert.Equal(t, "/api/interpretacao", entry["path"])

	headers, ok := entry["headers"].(map[string]interface{})
	require.True(t, ok, "headers field missing: %v", entry)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, "[redacted]", headers["Authorization"])
	assert.NotContains(t, f.logs.String(), "hunter2")
}

func TestInterpretationMissingAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Gemini.APIKey = ""
	f := newFixture(t, cfg, geminiService(cfg, "http://127.0.0.1:1"))

	rec := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgNoAPIKey, decode(t, rec)["error"])
}

func TestInterpretationValidationFailure(t *testing.T) {
	svc := &stubInterpreter{text: "never"}
	f := newFixture(t, testConfig(), svc)

	rec := f.do(http.MethodPost, "/api/interpretacao", `{"carta1":"o cavaleiro","carta2":"","tempo":"Ontem","tema":"Amor"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body validationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, msgInvalidInput, body.Error)
	require.Len(t, body.Detalhes, 3)
	assert.True(t, strings.HasPrefix(body.Detalhes[0], "carta1"))
	assert.True(t, strings.HasPrefix(body.Detalhes[1], "carta2"))
	assert.True(t, strings.HasPrefix(body.Detalhes[2], "tempo"))
	assert.NotEmpty(t, body.RequestID)

	assert.Zero(t, atomic.LoadInt32(&svc.calls), "invalid input must not reach the upstream")
	assert.Contains(t, f.scrape(t), "cigano_validation_failures_total 1")
}

func TestInterpretationNonJSONBodyFailsValidation(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	req := httptest.NewRequest(http.MethodPost, "/api/interpretacao", strings.NewReader("carta1=O+Sol"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body validationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Detalhes, 4)
}

func TestInterpretationMalformedJSON(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	rec := f.do(http.MethodPost, "/api/interpretacao", `{"carta1":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body validationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{msgMalformedJSON}, body.Detalhes)
}

func TestInterpretationBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	f := newFixture(t, cfg, &stubInterpreter{})

	big := `{"carta1":"` + strings.Repeat("a", 200) + `"}`
	rec := f.do(http.MethodPost, "/api/interpretacao", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestInterpretationRateLimited(t *testing.T) {
	svc := &stubInterpreter{text: "ok"}
	f := newFixture(t, testConfig(), svc)

	first := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusOK, first.Code)

	// invalid input proves the rejection happens before validation
	second := f.do(http.MethodPost, "/api/interpretacao", `{}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	body := decode(t, second)
	assert.Equal(t, rateLimitMessage, body["error"])
	assert.Equal(t, float64(60), body["retryAfter"])
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&svc.calls))
	out := f.scrape(t)
	assert.Contains(t, out, "cigano_rate_limit_rejects_total 1")
	assert.Contains(t, out, "cigano_validation_failures_total 0")

	// other endpoints are not limited
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/status", "").Code)
}

func TestInterpretationRateLimitIsPerClient(t *testing.T) {
	svc := &stubInterpreter{text: "ok"}
	f := newFixture(t, testConfig(), svc)

	for _, addr := range []string{"198.51.100.1:1000", "198.51.100.2:1000"} {
		req := httptest.NewRequest(http.MethodPost, "/api/interpretacao", strings.NewReader(validBody))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "client %s", addr)
	}
}

func TestInterpretationPanicIsRecovered(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{panic: true})

	rec := f.do(http.MethodPost, "/api/interpretacao", validBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, "unexpected failure", body["message"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["requestId"])
	assert.Contains(t, f.scrape(t), "cigano_panic_recoveries_total 1")
}

func TestClientMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: gemini.ErrNoAPIKey, want: msgNoAPIKey},
		{err: gemini.ErrQuotaWait, want: msgUnavailable},
		{err: errors.New("wrapped: " + gemini.ErrInvalidResponse.Error()), want: msgGenericFailure},
		{err: &gemini.APIError{StatusCode: 500, Message: "line one\nline two"}, want: "gemini API error (HTTP 500): line one line two"},
		{err: context.DeadlineExceeded, want: msgGenericFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clientMessage(tt.err), "error %v", tt.err)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	rec := f.do(http.MethodGet, "/api/desconhecida", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, msgNotFound, body["error"])
	assert.Equal(t, "/api/desconhecida", body["path"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["requestId"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})
	f.do(http.MethodGet, "/api/test", "")

	out := f.scrape(t)
	assert.Contains(t, out, `cigano_http_requests_total{method="GET",route="/api/test",status="200"} 1`)
}

func TestMetricsEndpointAccessList(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.AllowList = []string{"10.0.0.0/8"}
	f := newFixture(t, cfg, &stubInterpreter{})

	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.1.2.3:9000"
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSDevelopmentOrigin(t *testing.T) {
	f := newFixture(t, testConfig(), &stubInterpreter{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDepsDefaults(t *testing.T) {
	d := Deps{Config: testConfig()}
	assert.Equal(t, 3000, d.port())
	assert.WithinDuration(t, time.Now(), d.now(), time.Second)
}
