package activities

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/planner"
)

var complexitySchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"breadth":     {Type: llm.TypeInteger, Description: "1 (very narrow) to 10 (extensive, multidisciplinary)"},
		"depth":       {Type: llm.TypeInteger, Description: "1 (basic overview) to 5 (highly detailed analysis)"},
		"explanation": {Type: llm.TypeString},
	},
	Required: []string{"breadth", "depth", "explanation"},
}

// Analyze rates how broad and deep a topic is. It satisfies
// planner.ComplexityAnalyzer.
func (a *Activities) Analyze(ctx context.Context, topic string) (planner.Complexity, error) {
	prompt := fmt.Sprintf(`You are a research planning assistant. Determine the appropriate breadth and depth for researching the topic below.
Evaluate its complexity and scope, then recommend values on these scales:

Breadth: 1 (very narrow) to 10 (extensive, multidisciplinary). Default 4.
Depth: 1 (basic overview) to 5 (highly detailed, in-depth analysis). Default 2.

Harder questions deserve higher ratings on one or both scales.

Respond with JSON: {"breadth": <int>, "depth": <int>, "explanation": "<one sentence>"}

<query>%s</query>`, topic)

	var c planner.Complexity
	req := llm.Request{Purpose: llm.PurposeComplexity, Prompt: prompt, Schema: complexitySchema, Temperature: llm.Temperature(1)}
	if err := llm.GenerateJSON(ctx, a.gen, req, &c); err != nil {
		return planner.Complexity{}, fmt.Errorf("analyze complexity: %w", err)
	}
	c.Breadth = clampInt(c.Breadth, 1, 10)
	c.Depth = clampInt(c.Depth, 1, 5)

	a.logger.Debug("Topic complexity assessed",
		zap.Int("breadth", c.Breadth),
		zap.Int("depth", c.Depth),
		zap.String("explanation", c.Explanation),
	)
	return c, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
