package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
)

var followUpSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"follow_up_queries": stringList("questions that clarify the direction of the research"),
	},
	Required: []string{"follow_up_queries"},
}

// FollowUpQuestions asks up to limit clarifying questions about a query
// before research starts.
func (a *Activities) FollowUpQuestions(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}
	prompt := fmt.Sprintf(`Given the following user query, ask a few follow-up questions to clarify the direction of the research.
Return at most %d questions, fewer if the original query is already clear: <query>%s</query>

Respond with JSON: {"follow_up_queries": ["..."]}`, limit, query)

	var out struct {
		Questions []string `json:"follow_up_queries"`
	}
	req := llm.Request{Purpose: llm.PurposeFollowUps, Prompt: prompt, Schema: followUpSchema, Temperature: llm.Temperature(1)}
	if err := llm.GenerateJSON(ctx, a.gen, req, &out); err != nil {
		return nil, fmt.Errorf("follow-up questions: %w", err)
	}
	questions := make([]string, 0, len(out.Questions))
	for _, q := range out.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
		if len(questions) == limit {
			break
		}
	}
	return questions, nil
}

// CombineQuery folds the user's answers to the follow-up questions into a
// single research query. Unanswered questions are left out; with no answers
// the query is returned unchanged.
func CombineQuery(query string, questions, answers []string) string {
	query = strings.TrimSpace(query)
	var qa strings.Builder
	for i, q := range questions {
		if i >= len(answers) || strings.TrimSpace(answers[i]) == "" {
			continue
		}
		fmt.Fprintf(&qa, "\nQ: %s\nA: %s", q, strings.TrimSpace(answers[i]))
	}
	if qa.Len() == 0 {
		return query
	}
	return fmt.Sprintf("Initial query: %s\n\nFollow up questions and answers:%s", query, qa.String())
}
