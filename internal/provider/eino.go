package provider

import (
	"context"
	"strings"

	"chatrelay/internal/apierr"
	"chatrelay/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

// Eino streams through any eino chat model.
type Eino struct {
	chat        model.BaseChatModel
	name        string
	model       string
	temperature float32
	maxTokens   int
}

// NewEino builds the eino-ext chat model for cfg.Provider.
func NewEino(ctx context.Context, cfg config.UpstreamConfig) (*Eino, error) {
	var (
		chat model.BaseChatModel
		err  error
	)
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "azure", "openai":
		chat, err = einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Endpoint,
			ByAzure:    provider == "azure",
			APIVersion: cfg.APIVersion,
			Model:      cfg.Deployment,
		})
	case "claude":
		var baseURL *string
		if cfg.Endpoint != "" {
			baseURL = &cfg.Endpoint
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Deployment,
			BaseURL:   baseURL,
			MaxTokens: cfg.MaxTokens,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, apierr.Configuration("gemini client configuration is invalid", err)
		}
		chat, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Deployment,
		})
	default:
		err := errors.Errorf("unsupported provider: %s", cfg.Provider)
		return nil, apierr.Configuration(err.Error(), err)
	}
	if err != nil {
		return nil, apierr.Configuration(provider+" model configuration is invalid", err)
	}
	return NewEinoModel(provider, cfg, chat), nil
}

// NewEinoModel wraps an already constructed chat model.
func NewEinoModel(name string, cfg config.UpstreamConfig, chat model.BaseChatModel) *Eino {
	return &Eino{
		chat:        chat,
		name:        name,
		model:       cfg.Deployment,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (p *Eino) Name() string  { return p.name }
func (p *Eino) Model() string { return p.model }

func (p *Eino) Stream(ctx context.Context, req Request) (DeltaStream, error) {
	msgs := make([]*schema.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, &schema.Message{Role: toSchemaRole(m.Role), Content: m.Content})
	}
	opts := []model.Option{model.WithTemperature(p.temperature)}
	if p.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.maxTokens))
	}
	sr, err := p.chat.Stream(ctx, msgs, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "open completion stream")
	}
	return &einoStream{sr: sr}, nil
}

func toSchemaRole(role string) schema.RoleType {
	switch role {
	case "assistant":
		return schema.Assistant
	case "system":
		return schema.System
	default:
		return schema.User
	}
}

type einoStream struct {
	sr *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	msg, err := s.sr.Recv()
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

func (s *einoStream) Close() error {
	s.sr.Close()
	return nil
}
