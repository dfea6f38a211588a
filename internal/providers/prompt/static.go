package prompt

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"imgstudio/internal/domain"
)

type keyword struct {
	match  []string
	phrase string
}

// keywordTable maps Japanese and English cues onto prompt phrases. Order is
// the order phrases appear in the prompt.
var keywordTable = []keyword{
	{match: []string{"ショート", "short"}, phrase: "short hair"},
	{match: []string{"ボブ", "bob"}, phrase: "bob cut"},
	{match: []string{"ロング", "long"}, phrase: "long hair"},
	{match: []string{"ミディアム", "medium"}, phrase: "medium length hair"},
	{match: []string{"茶色", "ブラウン", "brown"}, phrase: "brown hair"},
	{match: []string{"金髪", "ブロンド", "blonde", "blond"}, phrase: "blonde hair"},
	{match: []string{"黒髪", "black"}, phrase: "black hair"},
	{match: []string{"カール", "curl"}, phrase: "curly hair"},
	{match: []string{"ストレート", "straight"}, phrase: "straight hair"},
	{match: []string{"パーマ", "perm"}, phrase: "permed hair"},
}

// StaticOptimizer builds a prompt from a fixed keyword table. It never fails
// and is used when no model is configured.
type StaticOptimizer struct {
	maxWords int
}

func NewStaticOptimizer(maxWords int) *StaticOptimizer {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &StaticOptimizer{maxWords: maxWords}
}

func (s *StaticOptimizer) Name() string { return staticProviderName }

func (s *StaticOptimizer) Optimize(_ context.Context, instruction string, _ domain.ImageMeta) (string, error) {
	// NFKC folds full-width letters and half-width katakana before matching.
	// A Caser keeps state, so each call gets its own.
	text := cases.Lower(language.Und).String(norm.NFKC.String(instruction))

	var phrases []string
	for _, kw := range keywordTable {
		for _, m := range kw.match {
			if strings.Contains(text, m) {
				phrases = append(phrases, kw.phrase)
				break
			}
		}
	}

	var out string
	if len(phrases) > 0 {
		out = "Change the hairstyle to " + strings.Join(phrases, ", ") +
			" while maintaining identical facial features, expression, and skin tone. Keep the same lighting, background, and camera angle."
	} else {
		out = "Transform the hairstyle while maintaining identical facial features, expression, and composition. Keep the same lighting and background."
	}
	return CapWords(out, s.maxWords), nil
}

var _ Optimizer = (*StaticOptimizer)(nil)
