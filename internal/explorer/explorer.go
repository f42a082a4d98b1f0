// Package explorer decides whether a completed node grows children and how
// many, then runs the generate → dedup → insert pass for it.
package explorer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/dedup"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/planner"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

// QueryGenerator proposes candidate child queries.
type QueryGenerator interface {
	GenerateSubqueries(ctx context.Context, in activities.SubqueryInput) []string
}

// Explorer expands completed nodes according to a plan.
type Explorer struct {
	plan   planner.Plan
	tree   *tree.Tree
	gen    QueryGenerator
	dedup  *dedup.Deduplicator
	logger *zap.Logger
}

// New returns an explorer for one session.
func New(plan planner.Plan, t *tree.Tree, gen QueryGenerator, d *dedup.Deduplicator, logger *zap.Logger) *Explorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		d = dedup.New(nil, 0, logger)
	}
	return &Explorer{plan: plan, tree: t, gen: gen, dedup: d, logger: logger}
}

// Expand runs the single expansion pass of a completed node and returns the
// ids of the inserted children. The node is marked expanded even when it is
// not eligible or no candidate survives.
func (e *Explorer) Expand(ctx context.Context, node tree.Node) (ids []string, err error) {
	if !e.plan.ShouldExpand(node.Depth) {
		if _, err := e.tree.Expand(node.ID, nil); err != nil {
			return nil, fmt.Errorf("close leaf %s: %w", node.ID, err)
		}
		return nil, nil
	}

	breadth := e.plan.BreadthAt(node.Depth)
	ctx, span := tracing.StartSpan(ctx, "explorer.expand",
		attribute.String("node.id", node.ID),
		attribute.Int("node.depth", node.Depth),
		attribute.Int("breadth", breadth),
	)
	defer func() { tracing.End(span, err) }()

	learnings, err := aggregate.Lineage(e.tree, node.ID)
	if err != nil {
		return nil, err
	}
	refs := e.tree.Queries()
	asked := make([]string, 0, len(refs))
	for _, r := range refs {
		asked = append(asked, r.Text)
	}

	candidates := e.gen.GenerateSubqueries(ctx, activities.SubqueryInput{
		Query:        node.Query,
		Count:        e.plan.QuestionsPerQuery,
		Learnings:    learnings,
		AlreadyAsked: asked,
	})

	adm, err := e.dedup.Admit(ctx, e.tree, node.ID, candidates, breadth)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("children", len(adm.IDs)),
	)

	e.logger.Info("Node expanded",
		zap.String("node_id", node.ID),
		zap.Int("depth", node.Depth),
		zap.Int("breadth", breadth),
		zap.Int("candidates", len(candidates)),
		zap.Int("children", len(adm.IDs)),
		zap.Int("dropped", len(adm.Dropped)),
		zap.Bool("dedup_degraded", adm.Degraded),
	)
	return adm.IDs, nil
}
