// Package scheduler runs node research tasks with a tree-wide concurrency
// bound. A task's children are submitted only after its result has been
// committed to the tree.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

// ResearchFunc researches one node. Its result is committed only when it
// returns a nil error.
type ResearchFunc func(ctx context.Context, node tree.Node) (tree.Result, error)

// ExpandFunc runs the expansion pass of a freshly completed node and returns
// the ids of the children it inserted.
type ExpandFunc func(ctx context.Context, node tree.Node) ([]string, error)

// Config controls scheduler behavior
type Config struct {
	MaxConcurrency int
}

// Scheduler executes research tasks against a tree.
type Scheduler struct {
	tree     *tree.Tree
	sem      *semaphore.Weighted
	limit    int
	research ResearchFunc
	expand   ExpandFunc
	logger   *zap.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight int
	peak     int
}

// New returns a scheduler bound to t. A nil expand disables expansion.
func New(t *tree.Tree, cfg Config, research ResearchFunc, expand ExpandFunc, logger *zap.Logger) (*Scheduler, error) {
	if t == nil || research == nil {
		return nil, errors.New("scheduler requires a tree and a research function")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, errors.New("scheduler concurrency must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tree:     t,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limit:    cfg.MaxConcurrency,
		research: research,
		expand:   expand,
		logger:   logger,
	}, nil
}

// Run submits the given pending nodes and blocks until they and every
// descendant they spawn have settled. It returns ctx.Err() when the session
// was cancelled.
func (s *Scheduler) Run(ctx context.Context, ids []string) error {
	for _, id := range ids {
		s.submit(ctx, id)
	}
	s.wg.Wait()
	return ctx.Err()
}

// Peak returns the highest number of tasks that held a slot at once.
func (s *Scheduler) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// submit queues a pending node for a slot. A node moves to running only once
// it holds a slot, so nodes still waiting when ctx is done stay pending.
func (s *Scheduler) submit(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, id)
	}()
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	if ctx.Err() != nil {
		s.sem.Release(1)
		return
	}
	if err := s.tree.MarkRunning(id); err != nil {
		s.sem.Release(1)
		s.logger.Warn("Skipping node that cannot start", zap.String("node_id", id), zap.Error(err))
		return
	}
	s.enter()

	node, ok := s.tree.Node(id)
	if !ok {
		s.leave()
		return
	}
	start := time.Now()
	res, err := s.research(ctx, node)
	depth := strconv.Itoa(node.Depth)
	if err != nil {
		s.leave()
		metrics.RecordNodeResearch(depth, string(tree.StatusFailed), time.Since(start).Seconds())
		s.logger.Warn("Node research failed",
			zap.String("node_id", id),
			zap.Int("depth", node.Depth),
			zap.Error(err),
		)
		s.fail(id, err.Error())
		return
	}

	added, err := s.tree.Complete(id, res)
	s.leave()
	if err != nil {
		s.logger.Error("Failed to commit node result", zap.String("node_id", id), zap.Error(err))
		return
	}
	metrics.RecordNodeResearch(depth, string(tree.StatusCompleted), time.Since(start).Seconds())
	s.logger.Info("Node completed",
		zap.String("node_id", id),
		zap.Int("depth", node.Depth),
		zap.Int("learnings", len(res.Learnings)),
		zap.Int("new_sources", len(added)),
	)

	if s.expand == nil || ctx.Err() != nil {
		return
	}
	node, _ = s.tree.Node(id)
	children, err := s.expand(ctx, node)
	if err != nil {
		s.logger.Warn("Node expansion failed", zap.String("node_id", id), zap.Error(err))
	}
	for _, child := range children {
		s.submit(ctx, child)
	}
}

func (s *Scheduler) fail(id, note string) {
	if err := s.tree.Fail(id, note); err != nil {
		s.logger.Error("Failed to mark node failed", zap.String("node_id", id), zap.Error(err))
	}
}

func (s *Scheduler) enter() {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	metrics.NodesInFlight.Inc()
}

func (s *Scheduler) leave() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	metrics.NodesInFlight.Dec()
	s.sem.Release(1)
}
