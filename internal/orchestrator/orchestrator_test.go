package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"chatrelay/internal/api"
	"chatrelay/internal/apierr"
	"chatrelay/internal/chatstore"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*chatstore.Store, string) {
	t.Helper()
	store := chatstore.New(storage.NewMemoryKV())
	store.Initialize(context.Background())
	id, err := store.CreateChat(context.Background())
	require.NoError(t, err)
	return store, id
}

func loadChat(t *testing.T, store *chatstore.Store, id string) *models.Chat {
	t.Helper()
	chat, ok, err := store.LoadChat(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return chat
}

// chunkedServer writes each chunk and flushes it before the next.
func chunkedServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendCompletes(t *testing.T) {
	store, id := newTestStore(t)
	srv := chunkedServer(t, "He", "llo", " there")

	var updates int
	o := New(store, Options{Endpoint: srv.URL, OnUpdate: func(*models.Chat) { updates++ }})
	outcome, err := o.Send(context.Background(), id, "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, models.RoleUser, chat.Messages[0].Role)
	assert.Equal(t, "hi", chat.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, chat.Messages[1].Role)
	assert.Equal(t, "Hello there", chat.Messages[1].Content)
	assert.Equal(t, "hi", chat.Title)
	assert.GreaterOrEqual(t, updates, 3)
	assert.False(t, o.InFlight())
}

func TestSendErrorFrameKeepsPartialContent(t *testing.T) {
	store, id := newTestStore(t)
	frame, err := transport.EncodeErrorFrame(apierr.Upstream("upstream went away", nil))
	require.NoError(t, err)
	srv := chunkedServer(t, "Par", string(frame[:5]), string(frame[5:]))

	o := New(store, Options{Endpoint: srv.URL})
	outcome, err := o.Send(context.Background(), id, "hi")
	assert.Equal(t, OutcomeFailedMidStream, outcome)

	var serr *StreamError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "UPSTREAM_ERROR", serr.Code)
	assert.Equal(t, "upstream went away", serr.Message)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "Par", chat.Messages[1].Content)
}

func TestSendStopKeepsPartialContent(t *testing.T) {
	store, id := newTestStore(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	var o *Orchestrator
	o = New(store, Options{Endpoint: srv.URL, OnUpdate: func(c *models.Chat) {
		if last := c.LastMessage(); last != nil && last.Role == models.RoleAssistant && last.Content == "partial" {
			assert.True(t, o.Stop())
		}
	}})

	outcome, err := o.Send(context.Background(), id, "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "partial", chat.Messages[1].Content)
	assert.False(t, o.InFlight())
	assert.False(t, o.Stop(), "nothing left to stop")
}

func TestSendStopKeepsHeldBackTail(t *testing.T) {
	store, id := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// the trailing "e" could start an error marker, so it is held back
		_, _ = io.WriteString(w, "Here is the")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var o *Orchestrator
	o = New(store, Options{Endpoint: srv.URL, OnUpdate: func(c *models.Chat) {
		if last := c.LastMessage(); last != nil && last.Role == models.RoleAssistant && last.Content == "Here is th" {
			o.Stop()
		}
	}})

	outcome, err := o.Send(context.Background(), id, "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "Here is the", chat.Messages[1].Content)
}

func TestSendBrokenStreamKeepsHeldBackTail(t *testing.T) {
	store, id := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "Here is the")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	outcome, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), id, "hi")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailedMidStream, outcome)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "Here is the", chat.Messages[1].Content)
}

func TestResendAfterFailureKeepsOneUserTurn(t *testing.T) {
	store, id := newTestStore(t)
	var calls atomic.Int32
	sent := make(chan []transport.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		var req transport.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sent <- req.Messages
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	o := New(store, Options{Endpoint: srv.URL})
	outcome, err := o.Send(context.Background(), id, "hi")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)

	outcome, err = o.Resend(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	posted := <-sent
	require.Len(t, posted, 1)
	assert.Equal(t, "user", posted[0].Role)
	assert.Equal(t, "hi", posted[0].Text())

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, models.RoleUser, chat.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, chat.Messages[1].Role)
	assert.Equal(t, "ok", chat.Messages[1].Content)
}

func TestResendNeedsUnansweredMessage(t *testing.T) {
	store, id := newTestStore(t)
	srv := chunkedServer(t, "ok")
	o := New(store, Options{Endpoint: srv.URL})

	outcome, err := o.Resend(context.Background(), id)
	assert.ErrorIs(t, err, ErrNothingToResend)
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)

	_, err = o.Send(context.Background(), id, "hi")
	require.NoError(t, err)
	_, err = o.Resend(context.Background(), id)
	assert.ErrorIs(t, err, ErrNothingToResend, "answered turns are not resent")
	assert.Len(t, loadChat(t, store, id).Messages, 2)
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	store, id := newTestStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		once    sync.Once
		mu      sync.Mutex
		payload transport.ChatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Unlock()
		once.Do(func() { close(entered) })
		<-release
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	o := New(store, Options{Endpoint: srv.URL})
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := o.Send(context.Background(), id, "hi")
		done <- result{outcome, err}
	}()

	<-entered
	assert.True(t, o.InFlight())
	// The user message is stored before the relay answers.
	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "hi", chat.Messages[0].Content)

	_, err := o.Send(context.Background(), id, "again")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeCompleted, res.outcome)

	mu.Lock()
	assert.Equal(t, id, payload.ChatID)
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.Equal(t, "hi", payload.Messages[0].Text())
	mu.Unlock()

	chat = loadChat(t, store, id)
	require.Len(t, chat.Messages, 2, "rejected turn stores nothing")
	assert.Equal(t, "ok", chat.Messages[1].Content)
}

func TestSendRemoteError(t *testing.T) {
	store, id := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(transport.NewEnvelope(apierr.RateLimit("slow down", nil), "req-1"))
	}))
	defer srv.Close()

	outcome, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), id, "hi")
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusTooManyRequests, rerr.Status)
	assert.Equal(t, "RATE_LIMIT_ERROR", rerr.Code)
	assert.Equal(t, "slow down", rerr.Message)
	assert.Equal(t, "req-1", rerr.RequestID)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 1, "no assistant message without a response")
}

func TestSendNonJSONFailure(t *testing.T) {
	store, id := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), id, "hi")
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusBadGateway, rerr.Status)
	assert.Empty(t, rerr.Code)
}

func TestSendNetworkFailure(t *testing.T) {
	store, id := newTestStore(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	outcome, err := New(store, Options{Endpoint: url}).Send(context.Background(), id, "hi")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "hi", chat.Messages[0].Content)
}

func TestSendEmptyResponse(t *testing.T) {
	store, id := newTestStore(t)
	srv := chunkedServer(t)

	outcome, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), id, "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)
	assert.Len(t, loadChat(t, store, id).Messages, 1)
}

func TestSendRejectsEmptyInput(t *testing.T) {
	store, id := newTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	_, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), id, " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, loadChat(t, store, id).Messages)
	assert.Zero(t, calls.Load())
}

func TestSendUnknownChat(t *testing.T) {
	store, _ := newTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	outcome, err := New(store, Options{Endpoint: srv.URL}).Send(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, chatstore.ErrChatNotFound)
	assert.Equal(t, OutcomeFailedBeforeResponse, outcome)
	assert.Zero(t, calls.Load())
}

type scriptedProvider struct {
	deltas  []string
	failErr error
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

func (p *scriptedProvider) Stream(ctx context.Context, _ provider.Request) (provider.DeltaStream, error) {
	return &scriptedStream{ctx: ctx, deltas: append([]string(nil), p.deltas...), failErr: p.failErr}, nil
}

type scriptedStream struct {
	ctx     context.Context
	deltas  []string
	failErr error
}

func (s *scriptedStream) Recv() (string, error) {
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

func (s *scriptedStream) Close() error { return nil }

func relayServer(t *testing.T, p provider.Provider) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler := api.NewHandler(relay.New(p, nil, relay.Options{}), nil, nil, 0)
	srv := httptest.NewServer(api.NewRouter(handler, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendThroughRelay(t *testing.T) {
	store, id := newTestStore(t)
	srv := relayServer(t, &scriptedProvider{deltas: []string{"He", "llo", " there"}})

	outcome, err := New(store, Options{Endpoint: srv.URL + "/api/chat"}).Send(context.Background(), id, "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "Hello there", loadChat(t, store, id).Messages[1].Content)
}

func TestSendThroughRelayMidStreamFailure(t *testing.T) {
	store, id := newTestStore(t)
	srv := relayServer(t, &scriptedProvider{deltas: []string{"Par"}, failErr: errors.New("connection reset by peer")})

	outcome, err := New(store, Options{Endpoint: srv.URL + "/api/chat"}).Send(context.Background(), id, "hi")
	assert.Equal(t, OutcomeFailedMidStream, outcome)
	var serr *StreamError
	require.True(t, errors.As(err, &serr))
	assert.NotEmpty(t, serr.Message)

	chat := loadChat(t, store, id)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "Par", chat.Messages[1].Content)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "failed_mid_stream", OutcomeFailedMidStream.String())
	assert.Equal(t, "canceled", OutcomeCanceled.String())
}
