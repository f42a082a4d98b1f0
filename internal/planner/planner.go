package planner

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Complexity is the topic assessment returned by the analyzer: breadth in
// 1..10, depth in 1..5.
type Complexity struct {
	Breadth     int    `json:"breadth"`
	Depth       int    `json:"depth"`
	Explanation string `json:"explanation"`
}

// ComplexityAnalyzer assesses how broad and deep a topic is.
type ComplexityAnalyzer interface {
	Analyze(ctx context.Context, topic string) (Complexity, error)
}

// Overrides are explicit user choices. Nil fields keep the derived value.
type Overrides struct {
	Breadth     *int
	NumQueries  *int
	DepthLimit  *int
	Concurrency *int
}

func (o Overrides) validate() error {
	if o.Breadth != nil && *o.Breadth <= 0 {
		return &PlanValidationError{Field: "breadth", Value: *o.Breadth, Reason: "must be positive"}
	}
	if o.NumQueries != nil && *o.NumQueries <= 0 {
		return &PlanValidationError{Field: "num_queries", Value: *o.NumQueries, Reason: "must be positive"}
	}
	if o.DepthLimit != nil && *o.DepthLimit < 0 {
		return &PlanValidationError{Field: "depth", Value: *o.DepthLimit, Reason: "must not be negative"}
	}
	if o.Concurrency != nil && *o.Concurrency <= 0 {
		return &PlanValidationError{Field: "concurrency", Value: *o.Concurrency, Reason: "must be positive"}
	}
	return nil
}

// Planner derives the Plan of a session.
type Planner struct {
	analyzer ComplexityAnalyzer
	logger   *zap.Logger
}

// New returns a planner. A nil analyzer skips complexity narrowing.
func New(analyzer ComplexityAnalyzer, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{analyzer: analyzer, logger: logger}
}

// Plan applies the mode table, narrows it by topic complexity within the
// mode's bounds, then applies explicit overrides. Invalid input returns a
// *PlanValidationError. Analyzer failures fall back to the table.
func (p *Planner) Plan(ctx context.Context, mode Mode, topic string, o Overrides) (Plan, error) {
	pr, ok := profiles[mode]
	if !ok {
		return Plan{}, &PlanValidationError{Field: "mode", Value: string(mode), Reason: "unknown mode"}
	}
	if strings.TrimSpace(topic) == "" {
		return Plan{}, &PlanValidationError{Field: "topic", Value: topic, Reason: "must not be empty"}
	}
	if err := o.validate(); err != nil {
		return Plan{}, err
	}

	plan := pr.defaults(mode)

	if p.analyzer != nil {
		c, err := p.analyzer.Analyze(ctx, topic)
		if err != nil {
			p.logger.Warn("Topic complexity analysis failed, using mode defaults",
				zap.String("mode", string(mode)),
				zap.Error(err),
			)
		} else {
			plan = narrow(plan, pr, c)
			p.logger.Debug("Topic complexity assessed",
				zap.Int("breadth", c.Breadth),
				zap.Int("depth", c.Depth),
				zap.String("explanation", c.Explanation),
			)
		}
	}

	if o.Breadth != nil {
		plan.Breadth = *o.Breadth
	}
	if o.NumQueries != nil {
		plan.QuestionsPerQuery = *o.NumQueries
	}
	if o.DepthLimit != nil {
		plan.DepthLimit = *o.DepthLimit
	}
	if o.Concurrency != nil {
		plan.ConcurrencyLimit = *o.Concurrency
	}

	p.logger.Info("Research plan derived",
		zap.String("mode", string(plan.Mode)),
		zap.Int("breadth", plan.Breadth),
		zap.Int("depth_limit", plan.DepthLimit),
		zap.Int("concurrency", plan.ConcurrencyLimit),
		zap.Int("questions_per_query", plan.QuestionsPerQuery),
		zap.Bool("recursive", plan.Recursive),
	)
	return plan, nil
}

// narrow lowers plan values toward the assessment without leaving the
// mode's bounds. Non-positive assessments carry no signal.
func narrow(plan Plan, pr profile, c Complexity) Plan {
	if c.Breadth > 0 {
		plan.Breadth = pr.breadth.clamp(c.Breadth)
		plan.QuestionsPerQuery = pr.questions.clamp(c.Breadth)
	}
	if c.Depth > 0 {
		plan.DepthLimit = pr.depth.clamp(c.Depth)
	}
	return plan
}
