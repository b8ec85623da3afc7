// Package relay turns a chat request into a live stream of assistant text
// read from the configured provider.
package relay

import (
	"context"
	"fmt"
	"io"
	"time"

	"chatrelay/internal/apierr"
	"chatrelay/internal/provider"
	"chatrelay/internal/transport"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// State is the lifecycle position of one relayed request.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateCallingUpstream
	StateStreaming
	StateClosedClean
	StateClosedWithError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateCallingUpstream:
		return "calling_upstream"
	case StateStreaming:
		return "streaming"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedWithError:
		return "closed_with_error"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosedClean || s == StateClosedWithError || s == StateAborted
}

// SystemPrompt is prepended to every forwarded conversation.
func SystemPrompt(chatID string) string {
	return fmt.Sprintf("This is a continuation of chat session %s. Please provide relevant and contextual responses.", chatID)
}

// Options tune a Relay. Zero values disable the corresponding limit.
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	Gate             *Gate
}

// Relay opens upstream streams on behalf of HTTP requests.
type Relay struct {
	provider  provider.Provider
	configErr error
	opts      Options
}

// New returns a relay serving p. When the provider could not be built,
// pass its error as configErr: every request then fails with it before any
// upstream contact.
func New(p provider.Provider, configErr error, opts Options) *Relay {
	if p == nil && configErr == nil {
		configErr = errors.New("upstream configuration is missing")
	}
	return &Relay{provider: p, configErr: configErr, opts: opts}
}

// Provider returns the upstream provider, nil when unconfigured.
func (r *Relay) Provider() provider.Provider { return r.provider }

// ConfigError is the reason the relay cannot serve requests, if any.
func (r *Relay) ConfigError() error { return r.configErr }

// Writer receives stream bytes. Flush pushes buffered bytes to the client.
type Writer interface {
	Write(p []byte) (int, error)
	Flush()
}

// Stream is an opened upstream completion waiting to be pumped.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	parent   context.Context
	deltas   provider.DeltaStream
	release  func()
	maxBytes int64
	chatID   string
	started  time.Time

	state   State
	written int64
	closed  bool
}

// Open validates req, checks configuration and opens the upstream call.
// Every failure is an *apierr.Error suitable for a JSON response; no
// upstream work is left running when Open fails.
func (r *Relay) Open(ctx context.Context, req *transport.ChatRequest) (*Stream, error) {
	logger := zerolog.Ctx(ctx)

	// validating
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	if r.configErr != nil {
		logger.Error().Err(r.configErr).Msg("upstream not configured")
		return nil, apierr.Configuration(configMessage(r.configErr), r.configErr)
	}

	release, err := r.opts.Gate.Acquire()
	if err != nil {
		logger.Warn().Err(err).Msg("stream rejected")
		return nil, apierr.RateLimit(err.Error(), err)
	}

	// calling upstream
	msgs := make([]provider.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: SystemPrompt(req.ChatID)})
	for _, m := range req.Messages {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Text()})
	}

	var (
		upCtx  context.Context
		cancel context.CancelFunc
	)
	if r.opts.Timeout > 0 {
		upCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
	} else {
		upCtx, cancel = context.WithCancel(ctx)
	}

	deltas, err := r.provider.Stream(upCtx, provider.Request{User: req.ChatID, Messages: msgs})
	if err != nil {
		cancel()
		release()
		aerr := apierr.Classify(err)
		logger.Error().Err(err).
			Str("chat_id", req.ChatID).
			Str("code", aerr.Code()).
			Msg("open upstream stream")
		return nil, aerr
	}

	return &Stream{
		ctx:      upCtx,
		cancel:   cancel,
		parent:   ctx,
		deltas:   deltas,
		release:  release,
		maxBytes: r.opts.MaxResponseBytes,
		chatID:   req.ChatID,
		started:  time.Now(),
		state:    StateStreaming,
	}, nil
}

func configMessage(err error) string {
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		return aerr.Message
	}
	return err.Error()
}

// State returns the current state.
func (s *Stream) State() State { return s.state }

// Written is the number of content bytes delivered so far.
func (s *Stream) Written() int64 { return s.written }

// Pump copies deltas to w until the stream reaches a terminal state, which
// it returns. Each delta is flushed as soon as it is written. Upstream
// failures end the stream with one error frame; a failed write or a gone
// client cancels the upstream call and writes nothing more.
func (s *Stream) Pump(w Writer) State {
	defer s.close()
	logger := zerolog.Ctx(s.parent).With().Str("chat_id", s.chatID).Logger()

	for {
		delta, err := s.deltas.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.finish(&logger, StateClosedClean, nil)
			}
			if s.parent.Err() != nil {
				return s.finish(&logger, StateAborted, err)
			}
			if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
				return s.fail(w, &logger, apierr.Upstream("upstream timeout", err))
			}
			return s.fail(w, &logger, apierr.Classify(err))
		}
		if delta == "" {
			continue
		}
		if s.maxBytes > 0 && s.written+int64(len(delta)) > s.maxBytes {
			return s.fail(w, &logger, apierr.Upstream("response exceeded the configured size limit", nil))
		}
		if _, err := io.WriteString(w, delta); err != nil {
			return s.finish(&logger, StateAborted, err)
		}
		w.Flush()
		s.written += int64(len(delta))
	}
}

func (s *Stream) fail(w Writer, logger *zerolog.Logger, aerr *apierr.Error) State {
	frame, err := transport.EncodeErrorFrame(aerr)
	if err == nil {
		_, err = w.Write(frame)
	}
	if err != nil {
		return s.finish(logger, StateAborted, err)
	}
	w.Flush()
	return s.finish(logger, StateClosedWithError, aerr)
}

func (s *Stream) finish(logger *zerolog.Logger, state State, err error) State {
	s.state = state
	var ev *zerolog.Event
	switch state {
	case StateClosedWithError:
		ev = logger.Error().Err(err)
	case StateAborted:
		ev = logger.Warn().Err(err)
	default:
		ev = logger.Info()
	}
	ev.Str("state", state.String()).
		Int64("bytes", s.written).
		Dur("elapsed", time.Since(s.started)).
		Msg("stream finished")
	return state
}

// Abort cancels a stream that will not be pumped.
func (s *Stream) Abort() {
	s.state = StateAborted
	s.close()
}

func (s *Stream) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	_ = s.deltas.Close()
	s.release()
}
