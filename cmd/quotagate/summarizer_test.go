package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quotagate/api"
)

func TestLeadSummarizer_KeepsLeadingSentences(t *testing.T) {
	sentence := strings.Repeat("word ", 20) + "end."
	text := strings.Repeat(sentence+" ", 10)

	res, err := leadSummarizer(context.Background(), text, api.SummarizeOptions{Length: api.LengthShort, Style: api.StyleGeneral})
	require.NoError(t, err)

	// 21 words per sentence, 50-word budget
	assert.Equal(t, 2, strings.Count(res.Summary, "end."))
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, api.StyleGeneral, res.Style)
}

func TestLeadSummarizer_LongFirstSentence(t *testing.T) {
	text := strings.Repeat("word ", 80) + "end. Second sentence."

	res, err := leadSummarizer(context.Background(), text, api.SummarizeOptions{Length: api.LengthShort})
	require.NoError(t, err)
	assert.NotContains(t, res.Summary, "Second")
	assert.True(t, strings.HasSuffix(res.Summary, "end."))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "ja", detectLanguage("これはテストです。"))
	assert.Equal(t, "en", detectLanguage("This is a test."))
}

func TestLeadSummarizer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := leadSummarizer(ctx, "text", api.SummarizeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
