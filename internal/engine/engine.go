// Package engine runs research sessions end to end: it derives the plan,
// explores the query tree under a concurrency bound, aggregates what the
// tree learned and synthesizes the report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/dedup"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/explorer"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/planner"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/scheduler"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/store"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/synthesis"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultReportAttempts = 2
)

// ErrNoStore is returned by ResumeSession when the engine has no session
// store.
var ErrNoStore = errors.New("session store is not configured")

// Config controls session execution.
type Config struct {
	// SessionTimeout bounds exploration. When it fires, waiting nodes stay
	// pending and the report is written from what completed.
	SessionTimeout    time.Duration    `mapstructure:"timeout"`
	ReportMaxAttempts int              `mapstructure:"max_attempts"`
	DedupThreshold    float64          `mapstructure:"dedup_threshold"`
	Synthesis         synthesis.Config `mapstructure:"synthesis"`
}

// SessionStore persists session checkpoints. *store.Store implements it.
type SessionStore interface {
	Save(ctx context.Context, sess *store.Session) error
	Load(ctx context.Context, id string) (*store.Session, error)
}

// Request starts a session.
type Request struct {
	Topic     string
	Mode      planner.Mode
	Overrides planner.Overrides
	// SessionID is generated when empty.
	SessionID string
}

// Result is the outcome of a session. It is returned alongside an error
// whenever a tree exists, so callers can export partial work.
type Result struct {
	SessionID       string             `json:"session_id"`
	Status          string             `json:"status"`
	Plan            planner.Plan       `json:"plan"`
	Tree            *tree.SnapshotNode `json:"tree"`
	Digest          aggregate.Digest   `json:"-"`
	Report          *synthesis.Report  `json:"report,omitempty"`
	PeakConcurrency int                `json:"peak_concurrency"`
	Duration        time.Duration      `json:"duration"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore checkpoints sessions to s.
func WithStore(s SessionStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithStreams publishes session progress to m.
func WithStreams(m *streaming.Manager) Option {
	return func(e *Engine) { e.streams = m }
}

// WithSimilarity selects the near-duplicate method. Lexical by default.
func WithSimilarity(sim dedup.Similarity) Option {
	return func(e *Engine) { e.sim = sim }
}

// WithObserver receives node events of every session.
func WithObserver(o tree.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithIDFunc replaces the session id generator.
func WithIDFunc(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// Engine runs research sessions. It is safe for concurrent use.
type Engine struct {
	acts     *activities.Activities
	planner  *planner.Planner
	synth    *synthesis.Synthesizer
	sim      dedup.Similarity
	store    SessionStore
	streams  *streaming.Manager
	observer tree.Observer
	cfg      Config
	logger   *zap.Logger
	newID    func() string

	mu        sync.RWMutex
	threshold float64
	live      map[*dedup.Deduplicator]struct{}
}

// New returns an engine over the given collaborators.
func New(gen llm.Generator, search llm.Searcher, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.ReportMaxAttempts <= 0 {
		cfg.ReportMaxAttempts = defaultReportAttempts
	}
	acts := activities.NewActivities(gen, search, logger)
	e := &Engine{
		acts:      acts,
		planner:   planner.New(acts, logger),
		synth:     synthesis.New(gen, cfg.Synthesis, logger),
		cfg:       cfg,
		logger:    logger,
		newID:     uuid.NewString,
		threshold: cfg.DedupThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDedupThreshold changes the near-duplicate threshold of running sessions
// and of sessions started afterwards. Values <= 0 select the method default.
func (e *Engine) SetDedupThreshold(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = v
	for d := range e.live {
		d.SetThreshold(v)
	}
}

// trackDedup creates the deduplicator of one exploration and keeps it
// reachable by SetDedupThreshold until release is called.
func (e *Engine) trackDedup() (d *dedup.Deduplicator, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d = dedup.New(e.sim, e.threshold, e.logger)
	if e.live == nil {
		e.live = make(map[*dedup.Deduplicator]struct{})
	}
	e.live[d] = struct{}{}
	return d, func() {
		e.mu.Lock()
		delete(e.live, d)
		e.mu.Unlock()
	}
}

// session is the state of one run shared by its goroutines.
type session struct {
	id      string
	topic   string
	plan    planner.Plan
	tree    *tree.Tree
	created time.Time
	start   time.Time

	// saveMu orders checkpoints so a newer snapshot is never overwritten by
	// an older one.
	saveMu sync.Mutex
}

// RunSession plans and runs a new session. An invalid plan fails before
// any node exists. Cancelling ctx stops the session and returns the partial
// result with ctx.Err().
func (e *Engine) RunSession(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	id := req.SessionID
	if id == "" {
		id = e.newID()
	}
	metrics.SessionsStarted.WithLabelValues(string(req.Mode)).Inc()

	ctx, span := tracing.StartSpan(ctx, "session.run",
		attribute.String("session.id", id),
		attribute.String("mode", string(req.Mode)),
	)
	defer func() { tracing.End(span, err) }()

	plan, err := e.planner.Plan(ctx, req.Mode, req.Topic, req.Overrides)
	if err != nil {
		metrics.RecordSession(string(req.Mode), store.StatusFailed, time.Since(start).Seconds())
		e.publish(id, streaming.EventSessionFailed, err.Error())
		return nil, err
	}
	e.publish(id, streaming.EventSessionStarted, plan.String())

	t, err := tree.New(req.Topic, tree.WithObserver(e.nodeObserver(id)))
	if err != nil {
		metrics.RecordSession(string(plan.Mode), store.StatusFailed, time.Since(start).Seconds())
		e.publish(id, streaming.EventSessionFailed, err.Error())
		return nil, fmt.Errorf("create research tree: %w", err)
	}

	s := &session{id: id, topic: req.Topic, plan: plan, tree: t, created: start, start: start}
	e.logger.Info("Research session started",
		zap.String("session_id", id),
		zap.String("topic", req.Topic),
		zap.String("plan", plan.String()),
	)
	e.checkpoint(ctx, s, store.StatusRunning, nil, nil)
	return e.drive(ctx, s, []string{t.RootID()}, nil)
}

// ResumeSession continues a checkpointed session. Nodes that were running
// when the checkpoint was taken start over, completed nodes that never
// ran their expansion pass are expanded, and the report is written anew.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (res *Result, err error) {
	if e.store == nil {
		return nil, ErrNoStore
	}
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "session.resume", attribute.String("session.id", sessionID))
	defer func() { tracing.End(span, err) }()

	rec, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var plan planner.Plan
	if err := rec.Plan.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan of session %s: %w", sessionID, err)
	}
	var snap tree.SnapshotNode
	if err := rec.Tree.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode tree of session %s: %w", sessionID, err)
	}
	t, err := tree.Restore(&snap, tree.WithObserver(e.nodeObserver(sessionID)))
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}

	var unexpanded []tree.Node
	for _, n := range t.PreOrder() {
		if n.Status == tree.StatusCompleted && !n.Expanded {
			unexpanded = append(unexpanded, n)
		}
	}
	pending := t.Pending()

	metrics.SessionsStarted.WithLabelValues(string(plan.Mode)).Inc()
	e.publish(sessionID, streaming.EventSessionStarted, "resumed: "+plan.String())
	e.logger.Info("Research session resumed",
		zap.String("session_id", sessionID),
		zap.Int("nodes", t.Len()),
		zap.Int("pending", len(pending)),
		zap.Int("unexpanded", len(unexpanded)),
	)

	s := &session{id: sessionID, topic: rec.Topic, plan: plan, tree: t, created: rec.CreatedAt, start: start}
	return e.drive(ctx, s, pending, unexpanded)
}

// drive explores from the given pending nodes, then aggregates and writes
// the report.
func (e *Engine) drive(ctx context.Context, s *session, pending []string, unexpanded []tree.Node) (*Result, error) {
	exploreCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	peak, exploreErr := e.explore(exploreCtx, s, pending, unexpanded)
	cancel()

	res := &Result{SessionID: s.id, Plan: s.plan, PeakConcurrency: peak}

	if err := ctx.Err(); err != nil {
		res.Status = store.StatusCancelled
		res.Tree = s.tree.Snapshot()
		res.Digest = aggregate.Collect(s.tree)
		e.finish(ctx, s, res, err)
		return res, err
	}
	if exploreErr != nil {
		e.logger.Warn("Exploration stopped early, writing report from completed nodes",
			zap.String("session_id", s.id),
			zap.Duration("timeout", e.cfg.SessionTimeout),
			zap.Error(exploreErr),
		)
	}

	res.Digest = aggregate.Collect(s.tree)
	e.publish(s.id, streaming.EventSynthesisStarted, fmt.Sprintf("%d findings", len(res.Digest.Findings)))

	rep, err := e.synthesize(ctx, s.topic, res.Digest)
	res.Report = rep
	res.Tree = s.tree.Snapshot()
	switch {
	case rep != nil:
		res.Status = store.StatusCompleted
	case ctx.Err() != nil:
		res.Status = store.StatusCancelled
	default:
		res.Status = store.StatusFailed
	}
	e.finish(ctx, s, res, err)
	return res, err
}

func (e *Engine) explore(ctx context.Context, s *session, pending []string, unexpanded []tree.Node) (int, error) {
	d, release := e.trackDedup()
	defer release()
	ex := explorer.New(s.plan, s.tree, e.acts, d, e.logger)

	research := func(ctx context.Context, n tree.Node) (tree.Result, error) {
		return e.acts.Research(ctx, activities.ResearchInput{
			NodeID:       n.ID,
			Query:        n.Query,
			Depth:        n.Depth,
			NumLearnings: s.plan.LearningsAt(n.Depth),
		})
	}
	expand := func(ctx context.Context, n tree.Node) ([]string, error) {
		ids, err := ex.Expand(ctx, n)
		e.checkpoint(ctx, s, store.StatusRunning, nil, nil)
		return ids, err
	}

	for _, n := range unexpanded {
		ids, err := expand(ctx, n)
		if err != nil {
			e.logger.Warn("Node expansion failed", zap.String("node_id", n.ID), zap.Error(err))
		}
		pending = append(pending, ids...)
	}

	sched, err := scheduler.New(s.tree, scheduler.Config{MaxConcurrency: s.plan.ConcurrencyLimit}, research, expand, e.logger)
	if err != nil {
		return 0, err
	}
	err = sched.Run(ctx, pending)
	return sched.Peak(), err
}

// synthesize retries rejected report attempts, feeding each rejection back
// into the next prompt. When every attempt falls short, the last report
// that passed the citation check is returned together with the error.
func (e *Engine) synthesize(ctx context.Context, query string, d aggregate.Digest) (*synthesis.Report, error) {
	m := retry.Policy{MaxAttempts: e.cfg.ReportMaxAttempts}.Start()
	var (
		best     *synthesis.Report
		feedback string
	)
	for {
		rep, err := e.synth.Synthesize(ctx, query, d, feedback)
		if rep != nil {
			best = rep
		}
		if errors.Is(err, synthesis.ErrNoFindings) {
			err = retry.Permanent(err)
		}
		switch m.Record(err) {
		case retry.StateSucceeded:
			return rep, nil
		case retry.StateAborted, retry.StateExhausted:
			return best, fmt.Errorf("synthesize report after %d attempts: %w", m.Attempts(), m.LastError())
		}
		e.logger.Warn("Report attempt rejected",
			zap.Int("attempt", m.Attempts()),
			zap.Int("max_attempts", e.cfg.ReportMaxAttempts),
			zap.Error(err),
		)
		feedback = synthesis.Feedback(err)
		m.Resume()
	}
}

func (e *Engine) finish(ctx context.Context, s *session, res *Result, err error) {
	res.Duration = time.Since(s.start)
	metrics.RecordSession(string(s.plan.Mode), res.Status, res.Duration.Seconds())

	// The checkpoint must land even when the caller has gone away.
	e.checkpoint(context.WithoutCancel(ctx), s, res.Status, res.Report, err)

	if err != nil {
		e.publish(s.id, streaming.EventSessionFailed, err.Error())
		e.logger.Warn("Research session ended with error",
			zap.String("session_id", s.id),
			zap.String("status", res.Status),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
		return
	}
	e.publish(s.id, streaming.EventSessionCompleted, fmt.Sprintf("%d words", res.Report.Words))
	e.logger.Info("Research session completed",
		zap.String("session_id", s.id),
		zap.Int("nodes", s.tree.Len()),
		zap.Int("findings", len(res.Digest.Findings)),
		zap.Int("citations", len(res.Digest.Citations)),
		zap.Int("words", res.Report.Words),
		zap.Duration("duration", res.Duration),
	)
}

// checkpoint saves the session. Failures are logged; a lost checkpoint
// never fails the session.
func (e *Engine) checkpoint(ctx context.Context, s *session, status string, rep *synthesis.Report, sessErr error) {
	if e.store == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	plan, err := store.MarshalDoc(s.plan)
	if err == nil {
		var snap store.JSONDoc
		snap, err = store.MarshalDoc(s.tree.Snapshot())
		if err == nil {
			rec := &store.Session{
				ID:        s.id,
				Topic:     s.topic,
				Mode:      string(s.plan.Mode),
				Status:    status,
				Plan:      plan,
				Tree:      snap,
				CreatedAt: s.created,
			}
			if rep != nil {
				rec.Report = rep.Document
			}
			if sessErr != nil {
				rec.Error = sessErr.Error()
			}
			err = e.store.Save(ctx, rec)
		}
	}
	if err != nil {
		e.logger.Warn("Failed to checkpoint session", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (e *Engine) nodeObserver(sessionID string) tree.Observer {
	var stream tree.Observer
	if e.streams != nil {
		stream = e.streams.NodeObserver(sessionID)
	}
	return tree.ObserverFunc(func(ev tree.Event) {
		metrics.NodeTransitions.WithLabelValues(string(ev.To)).Inc()
		if stream != nil {
			stream.NodeChanged(ev)
		}
		if e.observer != nil {
			e.observer.NodeChanged(ev)
		}
	})
}

func (e *Engine) publish(sessionID, typ, msg string) {
	if e.streams == nil {
		return
	}
	e.streams.Publish(sessionID, streaming.Event{Type: typ, Message: msg, Timestamp: time.Now()})
}
