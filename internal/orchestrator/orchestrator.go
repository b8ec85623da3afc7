// Package orchestrator drives one user turn of a chat: it persists the user
// message, posts the history to the relay and appends the streamed reply to
// the local store as it arrives.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"chatrelay/internal/models"
	"chatrelay/internal/transport"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	readChunkSize    = 4096
	maxEnvelopeBytes = 64 << 10
)

var (
	ErrEmptyInput      = errors.New("message must not be empty")
	ErrTurnInFlight    = errors.New("a response is still streaming")
	ErrEmptyResponse   = errors.New("relay returned an empty response")
	// ErrNothingToResend is returned by Resend when the chat does not end
	// with an unanswered user message.
	ErrNothingToResend = errors.New("no unanswered message to resend")
)

// Outcome tells the caller how a turn ended.
type Outcome int

const (
	// OutcomeCompleted: the reply streamed to its end.
	OutcomeCompleted Outcome = iota
	// OutcomeCanceled: Stop was called; partial content is kept.
	OutcomeCanceled
	// OutcomeFailedBeforeResponse: no reply was started. Offer a retry.
	OutcomeFailedBeforeResponse
	// OutcomeFailedMidStream: a partial reply is kept and an error follows it.
	OutcomeFailedMidStream
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeFailedBeforeResponse:
		return "failed_before_response"
	case OutcomeFailedMidStream:
		return "failed_mid_stream"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RemoteError is a relay failure reported before streaming started.
type RemoteError struct {
	Status    int
	Code      string
	Message   string
	Details   json.RawMessage
	RequestID string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay responded %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StreamError is an error frame received after the reply started.
type StreamError struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Store is the part of the chat store a turn needs.
type Store interface {
	AddMessage(ctx context.Context, chatID string, role models.Role, content string) (*models.Message, error)
	AppendToLastMessage(ctx context.Context, chatID, delta string) error
	LoadChat(ctx context.Context, id string) (*models.Chat, bool, error)
}

// Options configure an Orchestrator.
type Options struct {
	// Endpoint is the relay's chat URL.
	Endpoint string
	// Client defaults to a client without timeout; turns end by Stop.
	Client *http.Client
	// OnUpdate receives a fresh copy of the chat after every change.
	OnUpdate func(*models.Chat)
}

// Orchestrator runs at most one turn at a time.
type Orchestrator struct {
	store    Store
	endpoint string
	client   *http.Client
	onUpdate func(*models.Chat)

	inFlight atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func New(store Store, opts Options) *Orchestrator {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Orchestrator{
		store:    store,
		endpoint: opts.Endpoint,
		client:   client,
		onUpdate: opts.OnUpdate,
	}
}

// InFlight reports whether a turn is running.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// Stop cancels the running turn, if any, and reports whether there was one.
// The turn then ends with OutcomeCanceled and no error.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.stopped = true
	o.cancel()
	return true
}

// Send runs one turn for chatID. The user message is stored before the
// relay is contacted, so it survives any failure that follows.
func (o *Orchestrator) Send(ctx context.Context, chatID, input string) (Outcome, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return OutcomeFailedBeforeResponse, ErrEmptyInput
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return OutcomeFailedBeforeResponse, ErrTurnInFlight
	}
	defer o.inFlight.Store(false)

	if _, err := o.store.AddMessage(ctx, chatID, models.RoleUser, text); err != nil {
		return OutcomeFailedBeforeResponse, errors.Wrap(err, "save user message")
	}
	chat, err := o.reload(ctx, chatID)
	if err != nil {
		return OutcomeFailedBeforeResponse, err
	}
	return o.runTurn(ctx, chat)
}

// Resend posts the stored history again without adding a message. It is the
// retry for a turn that failed before any reply was stored, so the chat must
// end with the user message that went unanswered.
func (o *Orchestrator) Resend(ctx context.Context, chatID string) (Outcome, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return OutcomeFailedBeforeResponse, ErrTurnInFlight
	}
	defer o.inFlight.Store(false)

	chat, err := o.reload(ctx, chatID)
	if err != nil {
		return OutcomeFailedBeforeResponse, err
	}
	if last := chat.LastMessage(); last == nil || last.Role != models.RoleUser {
		return OutcomeFailedBeforeResponse, ErrNothingToResend
	}
	return o.runTurn(ctx, chat)
}

// runTurn posts chat and streams the reply into the store. The caller holds
// the in-flight flag.
func (o *Orchestrator) runTurn(ctx context.Context, chat *models.Chat) (Outcome, error) {
	chatID := chat.ID
	logger := zerolog.Ctx(ctx).With().Str("chat_id", chatID).Logger()

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.stopped = false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	t := &turn{o: o, ctx: ctx, turnCtx: turnCtx, chatID: chatID, logger: &logger}
	outcome, err := t.run(chat)
	switch {
	case err != nil:
		logger.Warn().Err(err).Str("outcome", outcome.String()).Msg("turn failed")
	default:
		logger.Debug().Str("outcome", outcome.String()).Msg("turn finished")
	}
	return outcome, err
}

func (o *Orchestrator) stopRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) reload(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, ok, err := o.store.LoadChat(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "reload chat")
	}
	if !ok {
		return nil, errors.Errorf("chat %s disappeared", chatID)
	}
	if o.onUpdate != nil {
		o.onUpdate(chat)
	}
	return chat, nil
}

// turn holds the state of one Send call. Store writes use ctx, not turnCtx,
// so a stop never interrupts persisting what already arrived.
type turn struct {
	o       *Orchestrator
	ctx     context.Context
	turnCtx context.Context
	chatID  string
	logger  *zerolog.Logger
	started bool
}

func (t *turn) run(chat *models.Chat) (Outcome, error) {
	var dec transport.StreamDecoder
	resp, err := t.post(chat)
	if err != nil {
		if t.canceled() {
			return t.stop(&dec, nil)
		}
		return OutcomeFailedBeforeResponse, errors.Wrap(err, "contact relay")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return OutcomeFailedBeforeResponse, decodeRemoteError(resp)
	}

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if t.canceled() {
				return t.stop(&dec, buf[:n])
			}
			if err := t.start(); err != nil {
				return OutcomeFailedBeforeResponse, err
			}
			if err := t.deliver(dec.Feed(buf[:n])); err != nil {
				return OutcomeFailedMidStream, err
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			if t.canceled() {
				return t.stop(&dec, nil)
			}
			if !t.started {
				return OutcomeFailedBeforeResponse, errors.Wrap(readErr, "read relay response")
			}
			if err := t.deliver(dec.Flush()); err != nil {
				return OutcomeFailedMidStream, err
			}
			return OutcomeFailedMidStream, errors.Wrap(readErr, "read relay response")
		}

		if err := t.deliver(dec.Flush()); err != nil {
			return OutcomeFailedMidStream, err
		}
		if !t.started {
			return OutcomeFailedBeforeResponse, ErrEmptyResponse
		}
		return OutcomeCompleted, nil
	}
}

func (t *turn) post(chat *models.Chat) (*http.Response, error) {
	req := transport.ChatRequest{ChatID: chat.ID}
	for _, m := range chat.Messages {
		req.Messages = append(req.Messages, transport.NewMessage(string(m.Role), m.Content))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}
	httpReq, err := http.NewRequestWithContext(t.turnCtx, http.MethodPost, t.o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build relay request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	return t.o.client.Do(httpReq)
}

// start creates the assistant message that deltas are appended to.
func (t *turn) start() error {
	if t.started {
		return nil
	}
	if _, err := t.o.store.AddMessage(t.ctx, t.chatID, models.RoleAssistant, ""); err != nil {
		return errors.Wrap(err, "save assistant message")
	}
	t.started = true
	t.logger.Debug().Msg("reply started")
	_, err := t.o.reload(t.ctx, t.chatID)
	return err
}

// deliver stores text. A non-nil error ends the turn with the partial
// reply kept.
func (t *turn) deliver(text string, frame *transport.ErrorFrame) error {
	if text != "" {
		if err := t.o.store.AppendToLastMessage(t.ctx, t.chatID, text); err != nil {
			return errors.Wrap(err, "append reply")
		}
		if _, err := t.o.reload(t.ctx, t.chatID); err != nil {
			return err
		}
	}
	if frame != nil {
		return &StreamError{
			Code:    frame.Code,
			Message: frame.Message,
			Details: frame.Details,
		}
	}
	return nil
}

// stop ends a canceled turn the way a clean end of stream would: everything
// received so far, tail included, is stored. A frame arriving with the tail
// is dropped since the user already ended the turn.
func (t *turn) stop(dec *transport.StreamDecoder, tail []byte) (Outcome, error) {
	if t.started {
		text, _ := dec.Feed(tail)
		rest, _ := dec.Flush()
		if err := t.deliver(text+rest, nil); err != nil {
			return OutcomeCanceled, err
		}
	}
	return t.cancelOutcome()
}

func (t *turn) canceled() bool { return t.turnCtx.Err() != nil }

// cancelOutcome treats a user stop as a normal end. A cancellation coming
// from the caller's context is still reported.
func (t *turn) cancelOutcome() (Outcome, error) {
	if t.o.stopRequested() {
		return OutcomeCanceled, nil
	}
	return OutcomeCanceled, t.ctx.Err()
}

func decodeRemoteError(resp *http.Response) error {
	rerr := &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return rerr
	}
	var env struct {
		Error struct {
			Code      string          `json:"code"`
			Message   string          `json:"message"`
			Details   json.RawMessage `json:"details"`
			RequestID string          `json:"requestId"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) != nil || env.Error.Code == "" {
		return rerr
	}
	rerr.Code = env.Error.Code
	rerr.Message = env.Error.Message
	rerr.Details = env.Error.Details
	rerr.RequestID = env.Error.RequestID
	return rerr
}
