// Package prompt turns a user's free-form edit instruction into a prompt the
// image-editing model follows well.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"imgstudio/internal/domain"
	"imgstudio/internal/infra"
)

const (
	staticProviderName = "static"
	geminiProviderName = "gemini"
	openAIProviderName = "openai"

	// DefaultMaxWords keeps prompts under the backend's 512 token budget.
	DefaultMaxWords = 450

	defaultTemperature = 0.3
	defaultTopP        = 0.8
	maxOutputTokens    = 512
)

// ErrEmptyCompletion is returned when a model answers with no usable text.
var ErrEmptyCompletion = errors.New("prompt: empty completion")

// Optimizer rewrites an instruction into a backend prompt.
type Optimizer interface {
	Optimize(ctx context.Context, instruction string, meta domain.ImageMeta) (string, error)
	Name() string
}

// Options selects and configures an optimizer.
type Options struct {
	Provider      string
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	MaxWords      int
	Logger        *infra.Logger
}

// New returns the configured model optimizer. Without credentials for the
// selected provider it falls back to the static keyword optimizer.
func New(ctx context.Context, opts Options) (Optimizer, error) {
	maxWords := opts.MaxWords
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case geminiProviderName, "":
		if strings.TrimSpace(opts.GeminiAPIKey) != "" {
			return NewGeminiOptimizer(ctx, GeminiOptions{
				APIKey:   opts.GeminiAPIKey,
				Model:    opts.GeminiModel,
				MaxWords: maxWords,
			})
		}
	case openAIProviderName:
		if strings.TrimSpace(opts.OpenAIAPIKey) != "" {
			return NewOpenAIOptimizer(OpenAIOptions{
				APIKey:   opts.OpenAIAPIKey,
				Model:    opts.OpenAIModel,
				BaseURL:  opts.OpenAIBaseURL,
				MaxWords: maxWords,
			})
		}
	case staticProviderName:
	default:
		return nil, fmt.Errorf("prompt: unknown provider %q", opts.Provider)
	}
	if opts.Logger != nil {
		opts.Logger.Warn().Str("provider", opts.Provider).Msg("prompt: no model credentials, using static optimizer")
	}
	return NewStaticOptimizer(maxWords), nil
}

// CapWords truncates text to at most max whitespace-separated words.
func CapWords(text string, max int) string {
	fields := strings.Fields(text)
	if max <= 0 || len(fields) <= max {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:max], " ")
}

const systemPrompt = `You rewrite image edit requests for an instruction-following image editing model.
Translate the user's request (any language) into one concise English prompt.
Rules:
1. Always state that the person's identity, facial features, expression and skin tone stay identical.
2. Name the requested change concretely.
3. Ask to keep the same background, lighting, composition and camera angle.
4. Keep textures and motion natural.
5. Stay under 450 words.
Return only the prompt text, no explanations.`

func buildUserPrompt(instruction string, meta domain.ImageMeta) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Edit request: %s", strings.TrimSpace(instruction))
	if meta.Width > 0 && meta.Height > 0 {
		fmt.Fprintf(sb, "\nSource image: %dx%d %s", meta.Width, meta.Height, coalesce(meta.Orientation, "unknown orientation"))
		if meta.Format != "" {
			fmt.Fprintf(sb, " (%s)", meta.Format)
		}
	}
	if lang := localeName(meta.Locale); lang != "" {
		fmt.Fprintf(sb, "\nRequester language: %s", lang)
	}
	sb.WriteString("\nOptimized prompt:")
	return sb.String()
}

// localeName renders a BCP 47 tag such as "ja-JP" as an English language
// name. Unparseable tags are dropped.
func localeName(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return display.English.Languages().Name(base)
}

func finishCompletion(text string, maxWords int) (string, error) {
	text = trimCodeFence(text)
	text = strings.Trim(text, "\"' \n\t")
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return CapWords(text, maxWords), nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```text")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func defaultTimeout() time.Duration { return 15 * time.Second }
