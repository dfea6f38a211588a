package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"imgstudio/internal/domain"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxWords   int
	HTTPClient *http.Client
}

// OpenAIOptimizer rewrites instructions through a chat completion endpoint.
type OpenAIOptimizer struct {
	client   *openai.Client
	model    string
	maxWords int
}

func NewOpenAIOptimizer(opts OpenAIOptions) (*OpenAIOptimizer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("prompt: openai api key is required")
	}
	clientConfig := openai.DefaultConfig(strings.TrimSpace(opts.APIKey))
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		clientConfig.BaseURL = base
	}
	if opts.HTTPClient != nil {
		clientConfig.HTTPClient = opts.HTTPClient
	} else {
		clientConfig.HTTPClient = &http.Client{Timeout: defaultTimeout()}
	}
	maxWords := opts.MaxWords
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &OpenAIOptimizer{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    coalesce(opts.Model, defaultOpenAIModel),
		maxWords: maxWords,
	}, nil
}

func (o *OpenAIOptimizer) Name() string { return openAIProviderName }

func (o *OpenAIOptimizer) Optimize(ctx context.Context, instruction string, meta domain.ImageMeta) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(instruction, meta)},
		},
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("prompt: openai chat completion: %w: %w", domain.ErrProviderFailure, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return finishCompletion(resp.Choices[0].Message.Content, o.maxWords)
}

var _ Optimizer = (*OpenAIOptimizer)(nil)
