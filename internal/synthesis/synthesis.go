// Package synthesis writes the final report from an aggregated digest and
// checks it against the report contract: a minimum body length and inline
// citation markers that resolve to the numbered source list.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// DefaultMinWords is the minimum body length of a report.
const DefaultMinWords = 3000

const defaultMaxContextChars = 60000

// ErrNoFindings is returned when there is nothing to write a report from.
var ErrNoFindings = errors.New("no findings to synthesize")

// Report is a validated synthesis result.
type Report struct {
	// Body is the model-written prose with inline [n] markers.
	Body string `json:"body"`
	// Document is Body followed by the Sources and incomplete-branch
	// sections.
	Document  string               `json:"document"`
	Words     int                  `json:"words"`
	Citations []aggregate.Citation `json:"citations"`
	// FindingsUsed counts findings that fit into the prompt.
	FindingsUsed int    `json:"findings_used"`
	Model        string `json:"model,omitempty"`
}

// LengthShortfallError reports a body below the minimum word count. Report
// holds the short but otherwise valid report.
type LengthShortfallError struct {
	Words    int
	MinWords int
	Report   *Report
}

func (e *LengthShortfallError) Error() string {
	return fmt.Sprintf("report has %d words, minimum is %d", e.Words, e.MinWords)
}

func (e *LengthShortfallError) Retryable() bool { return true }

// CitationError reports inline markers that do not resolve to a source.
type CitationError struct {
	Invalid []int
	Max     int
}

func (e *CitationError) Error() string {
	return fmt.Sprintf("citation markers %v outside 1..%d", e.Invalid, e.Max)
}

func (e *CitationError) Retryable() bool { return true }

// Config holds synthesis settings
type Config struct {
	MinWords        int     `mapstructure:"min_words"`
	MaxContextChars int     `mapstructure:"max_context_chars"`
	Temperature     float32 `mapstructure:"temperature"`
}

// Synthesizer writes reports with a text-generation collaborator.
type Synthesizer struct {
	gen    llm.Generator
	cfg    Config
	logger *zap.Logger
}

// New returns a synthesizer. Zero config values take defaults.
func New(gen llm.Generator, cfg Config, logger *zap.Logger) *Synthesizer {
	if cfg.MinWords <= 0 {
		cfg.MinWords = DefaultMinWords
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.9
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, cfg: cfg, logger: logger}
}

// MinWords returns the configured minimum body length.
func (s *Synthesizer) MinWords() int { return s.cfg.MinWords }

// Synthesize writes one report attempt. Feedback from a previous failed
// attempt, if any, is appended to the prompt. A *LengthShortfallError or
// *CitationError means the attempt may be retried.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, d aggregate.Digest, feedback string) (rep *Report, err error) {
	if len(d.Findings) == 0 {
		return nil, ErrNoFindings
	}

	ctx, span := tracing.StartSpan(ctx, "synthesis.report",
		attribute.Int("findings", len(d.Findings)),
		attribute.Int("citations", len(d.Citations)),
	)
	defer func() { tracing.End(span, err) }()

	findings := selectFindings(d.Findings, s.cfg.MaxContextChars)
	prompt := buildPrompt(query, findings, d.Citations, s.cfg.MinWords, feedback)

	resp, err := s.gen.Generate(ctx, llm.Request{
		Purpose:     llm.PurposeReport,
		Prompt:      prompt,
		Temperature: llm.Temperature(s.cfg.Temperature),
	})
	if err != nil {
		metrics.RecordReportAttempt("error", 0)
		return nil, fmt.Errorf("generate report: %w", err)
	}

	body := formatting.StripSourcesSection(resp.Text)
	rep = &Report{
		Body:         body,
		Document:     formatting.FormatReportWithCitations(body, d.Citations, d.Failed),
		Words:        util.WordCount(body),
		Citations:    d.Citations,
		FindingsUsed: len(findings),
		Model:        resp.Model,
	}
	span.SetAttributes(attribute.Int("words", rep.Words))

	if err := validateCitations(body, len(d.Citations)); err != nil {
		metrics.RecordReportAttempt("citation_error", rep.Words)
		s.logger.Warn("Report cites unknown sources", zap.Error(err))
		return nil, err
	}
	if rep.Words < s.cfg.MinWords {
		metrics.RecordReportAttempt("length_shortfall", rep.Words)
		s.logger.Warn("Report below minimum length",
			zap.Int("words", rep.Words),
			zap.Int("min_words", s.cfg.MinWords),
		)
		return rep, &LengthShortfallError{Words: rep.Words, MinWords: s.cfg.MinWords, Report: rep}
	}

	metrics.RecordReportAttempt("ok", rep.Words)
	s.logger.Info("Report synthesized",
		zap.Int("words", rep.Words),
		zap.Int("findings_used", rep.FindingsUsed),
		zap.Int("citations", len(d.Citations)),
	)
	return rep, nil
}

// Feedback turns a failed attempt into an instruction for the next one.
func Feedback(err error) string {
	var short *LengthShortfallError
	if errors.As(err, &short) {
		return fmt.Sprintf("Your previous draft had only %d words. The report must contain at least %d words; expand every section with the findings provided.", short.Words, short.MinWords)
	}
	var cite *CitationError
	if errors.As(err, &cite) {
		return fmt.Sprintf("Your previous draft used citation markers %v that do not exist. Only use markers [1] to [%d].", cite.Invalid, cite.Max)
	}
	return ""
}

func validateCitations(body string, n int) error {
	var invalid []int
	for _, c := range formatting.UsedCitations(body) {
		if c < 1 || c > n {
			invalid = append(invalid, c)
		}
	}
	if len(invalid) > 0 {
		return &CitationError{Invalid: invalid, Max: n}
	}
	return nil
}

// selectFindings keeps shallow findings first, preserving pre-order within a
// depth, until the context budget is spent.
func selectFindings(all []aggregate.Finding, maxChars int) []aggregate.Finding {
	sorted := append([]aggregate.Finding(nil), all...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Depth < sorted[j].Depth })

	out := make([]aggregate.Finding, 0, len(sorted))
	used := 0
	for _, f := range sorted {
		cost := len(f.Text) + len(f.Query) + 8
		if used+cost > maxChars && len(out) > 0 {
			break
		}
		used += cost
		out = append(out, f)
	}
	return out
}

func buildPrompt(query string, findings []aggregate.Finding, citations []aggregate.Citation, minWords int, feedback string) string {
	var b strings.Builder
	b.WriteString("You are a creative research analyst synthesizing findings into an engaging and informative report.\n")
	fmt.Fprintf(&b, "Write a comprehensive research report of at least %d words based on the query and findings below.\n\n", minWords)
	fmt.Fprintf(&b, "Original query: %s\n\n", query)

	b.WriteString("Key findings (grouped by the research question that produced them):\n")
	lastQuery := ""
	for _, f := range findings {
		if f.Query != lastQuery {
			fmt.Fprintf(&b, "\n### %s\n", f.Query)
			lastQuery = f.Query
		}
		fmt.Fprintf(&b, "- %s\n", f.Text)
	}

	b.WriteString("\nSources:\n")
	if len(citations) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.ID
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", c.Number, title, c.ID)
	}

	b.WriteString(`
Guidelines:
1. Choose a report structure that best fits the content and topic.
2. Use narrative elements, case studies, scenarios, analogies, timelines or comparisons where they help.
3. Include every relevant data point and keep factual accuracy.
4. Be well organized and easy to follow, with clear conclusions.
5. Cite sources inline with their bracketed number, for example [1] or [2, 3]. Never invent a number that is not in the source list.
6. Do not write a Sources section; it is appended automatically.
`)
	if feedback != "" {
		fmt.Fprintf(&b, "\nIMPORTANT: %s\n", feedback)
	}
	return b.String()
}
