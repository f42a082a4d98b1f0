// Package dedup keeps the research tree free of repeated queries. Exact
// duplicates are caught by normalized comparison; near duplicates by a
// pluggable similarity method with a tunable threshold.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

// ErrDedupDegraded is logged when the configured similarity method fails and
// the admission continues on lexical similarity.
var ErrDedupDegraded = errors.New("dedup similarity degraded to lexical")

// Drop reasons.
const (
	ReasonEmpty     = "empty"
	ReasonExact     = "exact"
	ReasonNear      = "near_duplicate"
	ReasonOverLimit = "over_limit"
)

// Drop records a rejected candidate.
type Drop struct {
	Query  string
	Reason string
	// Match is the query the candidate duplicated, if any.
	Match string
	Score float64
}

// Admission is the outcome of one expansion pass.
type Admission struct {
	// IDs of the inserted children, in candidate order.
	IDs      []string
	Accepted []string
	Dropped  []Drop
	// Degraded is set when the similarity method failed during this call.
	Degraded bool
}

// Deduplicator filters candidate queries against the whole tree and inserts
// the survivors. Filtering and insertion are serialized so that concurrent
// expansions of sibling nodes cannot admit the same query twice.
type Deduplicator struct {
	mu        sync.Mutex
	sim       Similarity
	threshold float64
	logger    *zap.Logger
}

// New returns a deduplicator. A nil method means lexical; a threshold <= 0
// selects the method default.
func New(sim Similarity, threshold float64, logger *zap.Logger) *Deduplicator {
	if sim == nil {
		sim = Lexical{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold(sim.Name())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{sim: sim, threshold: threshold, logger: logger}
}

// Threshold returns the current near-duplicate threshold.
func (d *Deduplicator) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// SetThreshold changes the threshold for subsequent admissions. Values <= 0
// restore the method default.
func (d *Deduplicator) SetThreshold(v float64) {
	if v <= 0 {
		v = DefaultThreshold(d.sim.Name())
	}
	d.mu.Lock()
	d.threshold = v
	d.mu.Unlock()
	d.logger.Info("Dedup threshold updated", zap.String("method", d.sim.Name()), zap.Float64("threshold", v))
}

type known struct {
	text string
	norm string
}

// Admit filters candidates for the children of parentID, keeps at most
// limit of them and inserts them into t, which marks the parent expanded.
func (d *Deduplicator) Admit(ctx context.Context, t *tree.Tree, parentID string, candidates []string, limit int) (Admission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var adm Admission
	refs := t.Queries()
	existing := make([]known, 0, len(refs)+len(candidates))
	seen := make(map[string]string, len(refs)+len(candidates))
	for _, r := range refs {
		existing = append(existing, known{text: r.Text, norm: r.Normalized})
		seen[r.Normalized] = r.Text
	}

	sim, threshold := d.sim, d.threshold
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		norm := NormalizeQuery(c)
		if norm == "" {
			adm.Dropped = append(adm.Dropped, Drop{Query: c, Reason: ReasonEmpty})
			continue
		}
		if match, dup := seen[norm]; dup {
			adm.Dropped = append(adm.Dropped, Drop{Query: c, Reason: ReasonExact, Match: match, Score: 1})
			continue
		}
		if limit >= 0 && len(adm.Accepted) >= limit {
			adm.Dropped = append(adm.Dropped, Drop{Query: c, Reason: ReasonOverLimit})
			continue
		}

		match, score, err := d.nearest(ctx, sim, threshold, c, existing)
		if err != nil {
			d.logger.Warn("Similarity check failed, continuing with lexical similarity",
				zap.String("method", sim.Name()),
				zap.String("parent_id", parentID),
				zap.Error(fmt.Errorf("%w: %v", ErrDedupDegraded, err)),
			)
			metrics.DedupDegraded.WithLabelValues(sim.Name()).Inc()
			adm.Degraded = true
			sim, threshold = Lexical{}, LexicalThreshold
			match, score, _ = d.nearest(ctx, sim, threshold, c, existing)
		}
		if match != "" {
			adm.Dropped = append(adm.Dropped, Drop{Query: c, Reason: ReasonNear, Match: match, Score: score})
			continue
		}

		adm.Accepted = append(adm.Accepted, c)
		existing = append(existing, known{text: c, norm: norm})
		seen[norm] = c
	}

	ids, err := t.Expand(parentID, adm.Accepted)
	if err != nil {
		return adm, fmt.Errorf("insert children of %s: %w", parentID, err)
	}
	adm.IDs = ids

	for _, drop := range adm.Dropped {
		metrics.DedupDrops.WithLabelValues(drop.Reason).Inc()
		if drop.Reason == ReasonNear {
			d.logger.Info("Dropped near-duplicate query",
				zap.String("parent_id", parentID),
				zap.String("query", drop.Query),
				zap.String("match", drop.Match),
				zap.Float64("score", drop.Score),
			)
		} else {
			d.logger.Debug("Dropped candidate query",
				zap.String("parent_id", parentID),
				zap.String("query", drop.Query),
				zap.String("reason", drop.Reason),
			)
		}
	}
	return adm, nil
}

// nearest returns the first known query at or above threshold. Batch
// methods see every known query in one call.
func (d *Deduplicator) nearest(ctx context.Context, sim Similarity, threshold float64, candidate string, existing []known) (string, float64, error) {
	if bs, ok := sim.(BatchSimilarity); ok {
		others := make([]string, len(existing))
		for i, k := range existing {
			others[i] = k.text
		}
		i, score, err := bs.Nearest(ctx, candidate, others)
		if err != nil || i < 0 || score < threshold {
			return "", 0, err
		}
		return others[i], score, nil
	}
	for _, k := range existing {
		score, err := sim.Similar(ctx, candidate, k.text)
		if err != nil {
			return "", 0, err
		}
		if score >= threshold {
			return k.text, score, nil
		}
	}
	return "", 0, nil
}
