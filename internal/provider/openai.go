package provider

import (
	"context"
	"strings"

	"chatrelay/internal/apierr"
	"chatrelay/internal/config"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams through the go-openai client, either against Azure OpenAI
// (deployment addressed by name) or an OpenAI-compatible endpoint.
type OpenAI struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAI(cfg config.UpstreamConfig) (*OpenAI, error) {
	var clientCfg openai.ClientConfig
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "azure":
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		clientCfg.APIVersion = cfg.APIVersion
		deployment := cfg.Deployment
		clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
	case "openai":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
		}
	default:
		err := errors.Errorf("provider %s is not served by the go-openai client", cfg.Provider)
		return nil, apierr.Configuration(err.Error(), err)
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		name:        provider,
		model:       cfg.Deployment,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (p *OpenAI) Name() string  { return p.name }
func (p *OpenAI) Model() string { return p.model }

func (p *OpenAI) Stream(ctx context.Context, req Request) (DeltaStream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Stream:      true,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		User:        req.User,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open completion stream")
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
