package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/botforge/botforge-go/internal/session"
	"github.com/sashabaranov/go-openai"
)

// Service wraps the OpenAI client behind the two operations the
// conversation core consumes: chat completion and image generation.
type Service struct {
	client Client
	model  string
}

var _ session.CompletionService = (*Service)(nil)

func NewService(client Client, model string) *Service {
	return &Service{client: client, model: model}
}

// GetChatCompletion resolves an ordered message list into one bot message
// carrying the response accounting.
func (s *Service) GetChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (session.Message, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return session.Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return session.Message{}, errors.New("chat completion: response contained no choices")
	}

	choice := resp.Choices[0]
	return session.NewBotMessage(choice.Message.Content, &session.ResponseMetadata{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FinishReason:     string(choice.FinishReason),
		ProviderID:       resp.ID,
	}), nil
}

// GenerateImage returns the URLs of n generated images.
func (s *Service) GenerateImage(ctx context.Context, prompt, size string, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Size:           size,
		N:              n,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}

	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		urls = append(urls, d.URL)
	}
	return urls, nil
}
