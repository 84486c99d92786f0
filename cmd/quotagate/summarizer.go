package main

import (
	"context"
	"strings"
	"unicode"

	"github.com/yourusername/quotagate/api"
)

// Word budgets per summary length
var leadBudget = map[string]int{
	api.LengthShort:  50,
	api.LengthMedium: 150,
	api.LengthLong:   300,
}

// leadSummarizer stands in for the model: it keeps whole leading sentences
// until the word budget for the requested length is spent.
func leadSummarizer(ctx context.Context, text string, opts api.SummarizeOptions) (api.SummaryResult, error) {
	if err := ctx.Err(); err != nil {
		return api.SummaryResult{}, err
	}

	budget, ok := leadBudget[opts.Length]
	if !ok {
		budget = leadBudget[api.LengthMedium]
	}

	var out []string
	words := 0
	for _, sentence := range splitSentences(text) {
		n := len(strings.Fields(sentence))
		if words > 0 && words+n > budget {
			break
		}
		out = append(out, sentence)
		words += n
	}

	return api.SummaryResult{
		Summary:  strings.Join(out, " "),
		Language: detectLanguage(text),
		Style:    opts.Style,
	}, nil
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '。' {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// detectLanguage only tells Japanese from everything else, which is all the
// stand-in needs.
func detectLanguage(text string) string {
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return "ja"
		}
	}
	return "en"
}
