package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"imgstudio/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxWords   int
	HTTPClient *http.Client
}

// GeminiOptimizer rewrites instructions through the Gemini API.
type GeminiOptimizer struct {
	client   *genai.Client
	model    string
	maxWords int
}

func NewGeminiOptimizer(ctx context.Context, opts GeminiOptions) (*GeminiOptimizer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("prompt: gemini api key is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout()}
	}
	cfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(opts.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("prompt: gemini client: %w", err)
	}
	maxWords := opts.MaxWords
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &GeminiOptimizer{
		client:   client,
		model:    coalesce(opts.Model, defaultGeminiModel),
		maxWords: maxWords,
	}, nil
}

func (g *GeminiOptimizer) Name() string { return geminiProviderName }

func (g *GeminiOptimizer) Optimize(ctx context.Context, instruction string, meta domain.ImageMeta) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](defaultTemperature),
		TopP:              genai.Ptr[float32](defaultTopP),
		MaxOutputTokens:   maxOutputTokens,
		// Thinking is disabled to keep latency low.
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(buildUserPrompt(instruction, meta)), cfg)
	if err != nil {
		return "", fmt.Errorf("prompt: gemini generate: %w: %w", domain.ErrProviderFailure, err)
	}
	return finishCompletion(resp.Text(), g.maxWords)
}

var _ Optimizer = (*GeminiOptimizer)(nil)
