package relay

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when every stream slot is taken.
var ErrBusy = errors.New("server is busy, please retry")

// Gate bounds the number of concurrent upstream streams. Callers are
// rejected rather than queued.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate allows max concurrent streams; max <= 0 means unbounded.
func NewGate(max int64) *Gate {
	if max <= 0 {
		return &Gate{}
	}
	return &Gate{sem: semaphore.NewWeighted(max)}
}

// Acquire takes a slot and returns its release func.
func (g *Gate) Acquire() (func(), error) {
	if g == nil || g.sem == nil {
		return func() {}, nil
	}
	if !g.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	var released bool
	return func() {
		if !released {
			released = true
			g.sem.Release(1)
		}
	}, nil
}
