package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/apierr"
	"chatrelay/internal/cache"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChatID = "3f1c2a5e-7d4b-4c1a-9e2f-8b6d5a4c3b21"

type mockProvider struct {
	mu      sync.Mutex
	deltas  []string
	failErr error
	openErr error
	calls   int
	got     provider.Request
}

func (m *mockProvider) Name() string  { return "mock" }
func (m *mockProvider) Model() string { return "mock-model" }

func (m *mockProvider) Stream(ctx context.Context, req provider.Request) (provider.DeltaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.got = req
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &mockStream{ctx: ctx, deltas: append([]string(nil), m.deltas...), failErr: m.failErr}, nil
}

type mockStream struct {
	ctx     context.Context
	deltas  []string
	failErr error
}

func (s *mockStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.failErr != nil {
		return "", s.failErr
	}
	return "", io.EOF
}

func (s *mockStream) Close() error { return nil }

type serverOptions struct {
	provider        provider.Provider
	configErr       error
	limiter         *Limiter
	maxRequestBytes int64
}

func newTestServer(t *testing.T, opts serverOptions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := relay.New(opts.provider, opts.configErr, relay.Options{Timeout: 5 * time.Second})
	prober := relay.NewProber(r, cache.NewMemory[string](), time.Minute, opts.provider != nil)
	handler := NewHandler(r, prober, opts.limiter, opts.maxRequestBytes)
	return NewRouter(handler, zerolog.Nop())
}

func chatBody(content string) map[string]any {
	return map[string]any{
		"chatId":   testChatID,
		"messages": []map[string]any{{"role": "user", "content": content}},
	}
}

func TestChatStreamsPlainText(t *testing.T) {
	mp := &mockProvider{deltas: []string{"Hel", "lo"}}
	router := newTestServer(t, serverOptions{provider: mp})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, resp, http.StatusOK)
	assert.Equal(t, "Hello", resp.Body.String())
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", resp.Header().Get("Connection"))
	assert.Equal(t, "no", resp.Header().Get("X-Accel-Buffering"))
	assert.NotEmpty(t, resp.Header().Get(RequestIDHeader))

	require.Len(t, mp.got.Messages, 2)
	assert.Equal(t, "system", mp.got.Messages[0].Role)
	assert.Equal(t, relay.SystemPrompt(testChatID), mp.got.Messages[0].Content)
	assert.Equal(t, "hi", mp.got.Messages[1].Content)
}

func TestChatMidStreamFailureEndsWithFrame(t *testing.T) {
	mp := &mockProvider{deltas: []string{"Par"}, failErr: errors.New("connection reset")}
	router := newTestServer(t, serverOptions{provider: mp})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, resp, http.StatusOK)

	body := resp.Body.String()
	if !strings.HasPrefix(body, "Par"+transport.ErrorMarker) {
		t.Fatalf("expected text followed by an error frame, got %q", body)
	}
	var d transport.StreamDecoder
	text, frame := d.Feed(resp.Body.Bytes())
	assert.Equal(t, "Par", text)
	require.NotNil(t, frame)
	assert.Equal(t, "UPSTREAM_ERROR", frame.Code)
	assert.Equal(t, "connection reset", frame.Message)
}

func TestChatValidationError(t *testing.T) {
	mp := &mockProvider{}
	router := newTestServer(t, serverOptions{provider: mp})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"chatId":   "not-a-uuid",
		"messages": []map[string]any{},
	}, map[string]string{RequestIDHeader: "req-123"})
	assertStatus(t, resp, http.StatusBadRequest)

	var env transport.ErrorEnvelope
	decodeJSON(t, resp.Body.Bytes(), &env)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Equal(t, "req-123", env.Error.RequestID)
	assert.Equal(t, "req-123", resp.Header().Get(RequestIDHeader))
	assert.NotNil(t, env.Error.Details)
	assert.Zero(t, mp.calls)
}

func TestChatMalformedJSON(t *testing.T) {
	router := newTestServer(t, serverOptions{provider: &mockProvider{}})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"chatId":`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assertStatus(t, resp, http.StatusBadRequest)

	var env transport.ErrorEnvelope
	decodeJSON(t, resp.Body.Bytes(), &env)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestChatBodyTooLarge(t *testing.T) {
	mp := &mockProvider{}
	router := newTestServer(t, serverOptions{provider: mp, maxRequestBytes: 64})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody(strings.Repeat("x", 256)), nil)
	assertStatus(t, resp, http.StatusBadRequest)
	assert.Contains(t, resp.Body.String(), "request body too large")
	assert.Zero(t, mp.calls)
}

func TestChatConfigurationError(t *testing.T) {
	cfgErr := apierr.Configuration("upstream configuration is missing: api key", nil)
	router := newTestServer(t, serverOptions{configErr: cfgErr})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, resp, http.StatusInternalServerError)

	var env transport.ErrorEnvelope
	decodeJSON(t, resp.Body.Bytes(), &env)
	assert.Equal(t, "CONFIGURATION_ERROR", env.Error.Code)
	assert.Equal(t, "upstream configuration is missing: api key", env.Error.Message)
}

func TestChatUpstreamRejectsBeforeStreaming(t *testing.T) {
	mp := &mockProvider{openErr: errors.New("error, status code: 401, message: invalid api key")}
	router := newTestServer(t, serverOptions{provider: mp})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header().Get("Content-Type"))

	var env transport.ErrorEnvelope
	decodeJSON(t, resp.Body.Bytes(), &env)
	assert.Equal(t, "AUTHENTICATION_ERROR", env.Error.Code)
}

func TestChatRateLimited(t *testing.T) {
	mp := &mockProvider{deltas: []string{"ok"}}
	router := newTestServer(t, serverOptions{provider: mp, limiter: NewLimiter(1, 1)})

	first := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, first, http.StatusOK)

	second := doJSONRequest(t, router, http.MethodPost, "/api/chat", chatBody("hi"), nil)
	assertStatus(t, second, http.StatusTooManyRequests)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	var env transport.ErrorEnvelope
	decodeJSON(t, second.Body.Bytes(), &env)
	assert.Equal(t, "RATE_LIMIT_ERROR", env.Error.Code)
	assert.Equal(t, 1, mp.calls)
}

func TestLimiterIsPerClient(t *testing.T) {
	l := NewLimiter(1, 1)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	var disabled *Limiter
	assert.Nil(t, NewLimiter(0, 5))
	assert.True(t, disabled.Allow("a"))
}

func TestHealth(t *testing.T) {
	router := newTestServer(t, serverOptions{provider: &mockProvider{}})

	resp := doJSONRequest(t, router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Status     string `json:"status"`
		Configured bool   `json:"configured"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Configured)
	assert.Equal(t, "mock", body.Provider)
	assert.Equal(t, "mock-model", body.Model)
}

func TestUpstreamHealth(t *testing.T) {
	mp := &mockProvider{deltas: []string{"Hi"}}
	router := newTestServer(t, serverOptions{provider: mp})

	resp := doJSONRequest(t, router, http.MethodGet, "/api/health/upstream", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var res relay.ProbeResult
	decodeJSON(t, resp.Body.Bytes(), &res)
	assert.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.Equal(t, "Hi", res.Reply)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/health/upstream", nil, nil)
	decodeJSON(t, resp.Body.Bytes(), &res)
	assert.True(t, res.Cached)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/health/upstream?refresh=1", nil, nil)
	decodeJSON(t, resp.Body.Bytes(), &res)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, mp.calls)
}

func TestUpstreamHealthFailure(t *testing.T) {
	router := newTestServer(t, serverOptions{configErr: errors.New("upstream configuration is missing: api key")})

	resp := doJSONRequest(t, router, http.MethodGet, "/api/health/upstream", nil, nil)
	assertStatus(t, resp, http.StatusInternalServerError)
	var res relay.ProbeResult
	decodeJSON(t, resp.Body.Bytes(), &res)
	assert.False(t, res.Success)
	assert.Equal(t, "CONFIGURATION_ERROR", res.Code)
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
