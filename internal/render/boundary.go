package render

import (
	"sync"

	"chatrelay/internal/models"

	"github.com/pkg/errors"
)

// Result is the display form of one message.
type Result struct {
	Output string
	// Err is the render failure when Fallback is set.
	Err      error
	Fallback bool
}

// Boundary isolates render failures to the message that caused them. A
// message whose rendering panics or fails is shown as raw content and stays
// in that state until Retry is called for it.
type Boundary struct {
	r          Renderer
	onRendered func(messageID string)

	mu     sync.Mutex
	failed map[string]error
}

// NewBoundary wraps r. onRendered, when set, is called the first time a
// message renders successfully.
func NewBoundary(r Renderer, onRendered func(messageID string)) *Boundary {
	return &Boundary{
		r:          r,
		onRendered: onRendered,
		failed:     make(map[string]error),
	}
}

// Render formats msg, falling back to its raw content on failure.
func (b *Boundary) Render(msg models.Message) Result {
	b.mu.Lock()
	prev, failed := b.failed[msg.ID]
	b.mu.Unlock()
	if failed {
		return Result{Output: msg.Content, Err: prev, Fallback: true}
	}

	out, err := b.safeRender(msg.Content)
	if err != nil {
		b.mu.Lock()
		b.failed[msg.ID] = err
		b.mu.Unlock()
		return Result{Output: msg.Content, Err: err, Fallback: true}
	}
	if !msg.Rendered && b.onRendered != nil {
		b.onRendered(msg.ID)
	}
	return Result{Output: out}
}

func (b *Boundary) safeRender(content string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("render panic: %v", r)
		}
	}()
	return b.r.Render(content)
}

// Retry clears the failure recorded for a message so the next Render tries
// again. It reports whether the message had failed.
func (b *Boundary) Retry(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.failed[messageID]
	delete(b.failed, messageID)
	return ok
}

// Failure returns the recorded failure for a message, nil when there is none.
func (b *Boundary) Failure(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed[messageID]
}
