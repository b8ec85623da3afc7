// Package provider adapts model SDKs to a single streaming contract: a
// request goes in, a sequence of text deltas comes out.
package provider

import (
	"context"
	"strings"

	"chatrelay/internal/apierr"
	"chatrelay/internal/config"

	"github.com/pkg/errors"
)

// Message is one turn sent upstream.
type Message struct {
	Role    string
	Content string
}

// Request is a single streaming completion call.
type Request struct {
	// User identifies the conversation to the provider for abuse tracking.
	User     string
	Messages []Message
}

// Provider opens streaming completions.
type Provider interface {
	Name() string
	Model() string
	Stream(ctx context.Context, req Request) (DeltaStream, error)
}

// DeltaStream yields text deltas. Recv returns io.EOF after the last delta.
// A delta may be empty; callers skip those.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// New builds the provider selected by cfg. Missing settings are reported as
// a configuration error without contacting any service.
func New(ctx context.Context, cfg config.UpstreamConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apierr.Configuration(err.Error(), err)
	}
	switch strings.ToLower(cfg.Client) {
	case "", "go-openai":
		p, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "eino":
		p, err := NewEino(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		err := errors.Errorf("unsupported upstream client: %s", cfg.Client)
		return nil, apierr.Configuration(err.Error(), err)
	}
}
