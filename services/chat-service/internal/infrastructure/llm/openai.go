// Package llm holds the generation backends behind domain.Generator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"stream-chat/config"
	"stream-chat/services/chat-service/internal/domain"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGenerator streams completions from an OpenAI-compatible endpoint.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    config.LLMConfig
	log    zerolog.Logger
}

func NewOpenAIGenerator(cfg config.LLMConfig, log zerolog.Logger) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		log:    log.With().Str("component", "llm").Str("provider", "openai").Logger(),
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req *domain.GenerateRequest) (<-chan *domain.Fragment, error) {
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    g.buildMessages(req),
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: float32(g.cfg.Temperature),
		TopP:        float32(g.cfg.TopP),
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start stream: %v", domain.ErrGeneration, err)
	}

	outCh := make(chan *domain.Fragment)
	go func() {
		defer close(outCh)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.Error().Err(err).Str("message_id", req.MessageID).Msg("stream recv error")
				send(ctx, outCh, &domain.Fragment{Err: fmt.Errorf("%w: %v", domain.ErrGeneration, err)})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, outCh, &domain.Fragment{Content: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()

	return outCh, nil
}

func (g *OpenAIGenerator) buildMessages(req *domain.GenerateRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if g.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
}

// send delivers f unless ctx is done first.
func send(ctx context.Context, ch chan<- *domain.Fragment, f *domain.Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
