package llm

import (
	"net/http"
	"time"

	"github.com/botforge/botforge-go/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.TimeoutSeconds > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}

	return openai.NewClientWithConfig(clientConfig)
}
