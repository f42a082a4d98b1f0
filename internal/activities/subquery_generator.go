package activities

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/dedup"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// SubqueryInput is the input for generating the children of one node.
type SubqueryInput struct {
	Query string `json:"query"`
	// Count is the maximum number of candidates to return.
	Count int `json:"count"`
	// Learnings of the node's lineage, root first.
	Learnings []string `json:"learnings,omitempty"`
	// AlreadyAsked lists every query already in the tree.
	AlreadyAsked []string `json:"already_asked,omitempty"`
}

var subquerySchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"queries": stringList("search engine queries, each substantially different from the others"),
	},
	Required: []string{"queries"},
}

const maxPromptLearnings = 30

// GenerateSubqueries proposes up to in.Count distinct search queries that
// dig into in.Query. Failures are logged and yield no candidates: the node
// simply gets no children.
func (a *Activities) GenerateSubqueries(ctx context.Context, in SubqueryInput) []string {
	if in.Count <= 0 {
		return nil
	}

	var out struct {
		Queries []string `json:"queries"`
	}
	req := llm.Request{
		Purpose:     llm.PurposeSubqueries,
		Prompt:      buildSubqueryPrompt(in, a.today()),
		Schema:      subquerySchema,
		Temperature: llm.Temperature(1),
	}
	if err := llm.GenerateJSON(ctx, a.gen, req, &out); err != nil {
		a.logger.Warn("Sub-query generation failed",
			zap.String("query", util.TruncateString(in.Query, 100, true)),
			zap.Error(err),
		)
		return nil
	}

	seen := make(map[string]struct{}, len(out.Queries))
	queries := make([]string, 0, in.Count)
	for _, q := range out.Queries {
		q = strings.TrimSpace(q)
		norm := dedup.NormalizeQuery(q)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		queries = append(queries, q)
		if len(queries) == in.Count {
			break
		}
	}

	a.logger.Debug("Generated sub-queries",
		zap.String("query", util.TruncateString(in.Query, 100, true)),
		zap.Int("requested", in.Count),
		zap.Int("returned", len(out.Queries)),
		zap.Int("kept", len(queries)),
	)
	return queries
}

func buildSubqueryPrompt(in SubqueryInput, today string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s.\n", today)
	fmt.Fprintf(&b, "Given the following research prompt, generate a list of search engine queries to research the topic. Return at most %d queries, fewer if the prompt is narrow.\n\n", in.Count)
	b.WriteString("IMPORTANT: every query must be unique and substantially different from the others AND from the previously asked queries.\n")
	b.WriteString("Avoid semantic duplicates and queries likely to return similar information.\n\n")
	fmt.Fprintf(&b, "<prompt>%s</prompt>\n", in.Query)

	if len(in.AlreadyAsked) > 0 {
		b.WriteString("\nPreviously asked queries (avoid generating similar ones):\n")
		for _, q := range in.AlreadyAsked {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	learnings := in.Learnings
	if len(learnings) > maxPromptLearnings {
		learnings = learnings[len(learnings)-maxPromptLearnings:]
	}
	if len(learnings) > 0 {
		b.WriteString("\nLearnings from previous research; use them to generate more specific queries:\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	b.WriteString("\nRespond with JSON: {\"queries\": [\"...\"]}")
	return b.String()
}
