// Package activities holds the collaborator-backed steps of a research
// session: topic complexity assessment, sub-query generation, node research
// and clarifying follow-up questions.
package activities

import (
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
)

// Activities struct holds dependencies for activities
type Activities struct {
	gen    llm.Generator
	search llm.Searcher
	logger *zap.Logger
	now    func() time.Time
}

// NewActivities creates a new activities instance with dependencies
func NewActivities(gen llm.Generator, search llm.Searcher, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		gen:    gen,
		search: search,
		logger: logger,
		now:    time.Now,
	}
}

func (a *Activities) today() string {
	return a.now().Format("2006-01-02")
}

func stringList(description string) *llm.Schema {
	return &llm.Schema{
		Type:        llm.TypeArray,
		Description: description,
		Items:       &llm.Schema{Type: llm.TypeString},
	}
}
