package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/dedup"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// ResearchInput describes one node to research.
type ResearchInput struct {
	NodeID       string `json:"node_id"`
	Query        string `json:"query"`
	Depth        int    `json:"depth"`
	NumLearnings int    `json:"num_learnings"`
}

var learningsSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"learnings": stringList("concise, information-dense findings"),
	},
	Required: []string{"learnings"},
}

const maxSnippetChars = 2000

// Research searches for in.Query and extracts up to in.NumLearnings
// learnings from the results. Sources come back normalized. A search with
// no results completes with an empty result.
func (a *Activities) Research(ctx context.Context, in ResearchInput) (res tree.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "activities.research",
		attribute.String("node.id", in.NodeID),
		attribute.Int("node.depth", in.Depth),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	results, err := a.search.Search(ctx, in.Query)
	if err != nil {
		return tree.Result{}, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		a.logger.Info("Search returned no results", zap.String("node_id", in.NodeID))
		return tree.Result{}, nil
	}

	res.Sources = collectSources(results)

	n := in.NumLearnings
	if n <= 0 {
		n = 1
	}
	var out struct {
		Learnings []string `json:"learnings"`
	}
	req := llm.Request{
		Purpose:     llm.PurposeLearnings,
		Prompt:      buildLearningsPrompt(in.Query, results, n),
		Schema:      learningsSchema,
		Temperature: llm.Temperature(1),
	}
	if err = llm.GenerateJSON(ctx, a.gen, req, &out); err != nil {
		return tree.Result{}, fmt.Errorf("extract learnings: %w", err)
	}
	for _, l := range out.Learnings {
		if l = strings.TrimSpace(l); l != "" {
			res.Learnings = append(res.Learnings, l)
		}
		if len(res.Learnings) == n {
			break
		}
	}
	if len(res.Learnings) == 0 && len(out.Learnings) > 0 {
		err = errors.New("extract learnings: all learnings were empty")
		return tree.Result{}, err
	}

	a.logger.Debug("Node researched",
		zap.String("node_id", in.NodeID),
		zap.Int("results", len(results)),
		zap.Int("learnings", len(res.Learnings)),
		zap.Int("sources", len(res.Sources)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func collectSources(results []llm.SearchResult) []tree.Source {
	seen := make(map[string]struct{}, len(results))
	var sources []tree.Source
	for _, r := range results {
		id := dedup.NormalizeSource(r.SourceID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = dedup.Domain(id)
		}
		sources = append(sources, tree.Source{ID: id, Title: title})
	}
	return sources
}

func buildLearningsPrompt(query string, results []llm.SearchResult, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following search results for the query <query>%s</query>, extract a list of learnings.\n", query)
	fmt.Fprintf(&b, "Return at most %d learnings, fewer if the results are clear. Each learning must be unique and unlike the others.\n", n)
	b.WriteString("Learnings must be concise and precise, as detailed and information-dense as possible. Include every entity (people, places, companies, products) and every exact metric, number and date.\n\n")
	b.WriteString("<results>\n")
	for _, r := range results {
		b.WriteString("<result")
		if r.SourceID != "" {
			fmt.Fprintf(&b, " source=%q", r.SourceID)
		}
		b.WriteString(">\n")
		if r.Title != "" {
			fmt.Fprintf(&b, "%s\n", r.Title)
		}
		fmt.Fprintf(&b, "%s\n</result>\n", util.TruncateString(r.Snippet, maxSnippetChars, true))
	}
	b.WriteString("</results>\n\nRespond with JSON: {\"learnings\": [\"...\"]}")
	return b.String()
}
