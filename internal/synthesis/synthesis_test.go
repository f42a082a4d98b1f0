package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm/llmtest"
)

func sampleDigest() aggregate.Digest {
	return aggregate.Digest{
		RootQuery: "grid storage",
		Findings: []aggregate.Finding{
			{Text: "Deep finding.", Query: "sodium details", Depth: 2},
			{Text: "Root finding.", Query: "grid storage", Depth: 0},
			{Text: "Child finding.", Query: "sodium-ion", Depth: 1},
		},
		Citations: []aggregate.Citation{
			{Number: 1, ID: "https://a.org", Title: "A"},
			{Number: 2, ID: "https://b.org", Title: "B"},
		},
		Failed: []aggregate.FailedBranch{{Query: "pumped hydro", Depth: 1, Error: "timeout"}},
	}
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestSynthesizeValidReport(t *testing.T) {
	body := "# Grid storage\n\n" + words(20) + " [1] and [2]."
	gen := llmtest.NewGenerator().On(llm.PurposeReport, func(llm.Request) (string, error) { return body, nil })
	s := New(gen, Config{MinWords: 20}, zaptest.NewLogger(t))

	rep, err := s.Synthesize(context.Background(), "grid storage", sampleDigest(), "")
	require.NoError(t, err)
	assert.Equal(t, body, rep.Body)
	assert.GreaterOrEqual(t, rep.Words, 20)
	assert.Equal(t, 3, rep.FindingsUsed)
	assert.Contains(t, rep.Document, "## Sources\n\n[1] [A](https://a.org)\n[2] [B](https://b.org)")
	assert.Contains(t, rep.Document, "## Incomplete research branches\n\n- pumped hydro (depth 1): timeout")

	prompt := gen.Calls(llm.PurposeReport)[0].Prompt
	assert.Contains(t, prompt, "at least 20 words")
	assert.Contains(t, prompt, "[2] B: https://b.org")
	assert.Less(t, strings.Index(prompt, "Root finding."), strings.Index(prompt, "Child finding."))
	assert.Less(t, strings.Index(prompt, "Child finding."), strings.Index(prompt, "Deep finding."))
}

func TestSynthesizeLengthShortfall(t *testing.T) {
	gen := llmtest.NewGenerator().On(llm.PurposeReport, func(llm.Request) (string, error) { return "Too short [1].", nil })
	s := New(gen, Config{}, zaptest.NewLogger(t))
	assert.Equal(t, DefaultMinWords, s.MinWords())

	rep, err := s.Synthesize(context.Background(), "q", sampleDigest(), "")
	var short *LengthShortfallError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Retryable())
	assert.Equal(t, 3, short.Words)
	require.NotNil(t, rep)
	assert.Same(t, rep, short.Report)
	assert.Contains(t, Feedback(err), "only 3 words")
}

func TestSynthesizeCitationError(t *testing.T) {
	gen := llmtest.NewGenerator().On(llm.PurposeReport, func(llm.Request) (string, error) {
		return words(30) + " [1] [3, 0]", nil
	})
	s := New(gen, Config{MinWords: 10}, zaptest.NewLogger(t))

	rep, err := s.Synthesize(context.Background(), "q", sampleDigest(), "")
	assert.Nil(t, rep)
	var cite *CitationError
	require.ErrorAs(t, err, &cite)
	assert.Equal(t, []int{0, 3}, cite.Invalid)
	assert.Equal(t, 2, cite.Max)
	assert.True(t, cite.Retryable())
	assert.Contains(t, Feedback(err), "[1] to [2]")
}

func TestSynthesizeFeedbackReachesPrompt(t *testing.T) {
	gen := llmtest.NewGenerator().On(llm.PurposeReport, func(llm.Request) (string, error) { return words(5), nil })
	s := New(gen, Config{MinWords: 5}, zaptest.NewLogger(t))

	_, err := s.Synthesize(context.Background(), "q", sampleDigest(), "Write more.")
	require.NoError(t, err)
	assert.Contains(t, gen.Calls(llm.PurposeReport)[0].Prompt, "IMPORTANT: Write more.")
}

func TestSynthesizeErrors(t *testing.T) {
	s := New(llmtest.NewGenerator(), Config{}, zaptest.NewLogger(t))
	_, err := s.Synthesize(context.Background(), "q", aggregate.Digest{}, "")
	assert.ErrorIs(t, err, ErrNoFindings)

	gen := llmtest.NewGenerator().Fail(llm.PurposeReport, errors.New("model down"))
	_, err = New(gen, Config{}, zaptest.NewLogger(t)).Synthesize(context.Background(), "q", sampleDigest(), "")
	assert.ErrorContains(t, err, "generate report: model down")
	assert.Empty(t, Feedback(err))
}

func TestSelectFindingsRespectsBudget(t *testing.T) {
	got := selectFindings(sampleDigest().Findings, 30)
	require.Len(t, got, 1)
	assert.Equal(t, "Root finding.", got[0].Text)

	got = selectFindings(sampleDigest().Findings, 1)
	assert.Len(t, got, 1, "at least one finding is always kept")
}
