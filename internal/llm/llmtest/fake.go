// Package llmtest provides scripted collaborators for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
)

// Handler answers a generation request.
type Handler func(req llm.Request) (string, error)

// Generator answers requests by Purpose. It is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []llm.Request
}

func NewGenerator() *Generator {
	return &Generator{handlers: make(map[string]Handler)}
}

// On registers the handler for a purpose.
func (g *Generator) On(purpose string, h Handler) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[purpose] = h
	return g
}

// OnJSON answers a purpose with v marshalled to JSON.
func (g *Generator) OnJSON(purpose string, v any) *Generator {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return g.On(purpose, func(llm.Request) (string, error) { return string(data), nil })
}

// Fail makes a purpose return err.
func (g *Generator) Fail(purpose string, err error) *Generator {
	return g.On(purpose, func(llm.Request) (string, error) { return "", err })
}

func (g *Generator) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	h, ok := g.handlers[req.Purpose]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("llmtest: no handler for purpose %q", req.Purpose)
	}
	text, err := h(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "fake"}, nil
}

// Calls returns the recorded requests for a purpose, or all when purpose
// is empty.
func (g *Generator) Calls(purpose string) []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []llm.Request
	for _, c := range g.calls {
		if purpose == "" || c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}

// SearchFunc answers a search query.
type SearchFunc func(query string) ([]llm.SearchResult, error)

// Searcher answers search queries with a function.
type Searcher struct {
	mu    sync.Mutex
	fn    SearchFunc
	calls []string
}

func NewSearcher(fn SearchFunc) *Searcher {
	return &Searcher{fn: fn}
}

func (s *Searcher) Search(ctx context.Context, query string) ([]llm.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, query)
	s.mu.Unlock()
	return s.fn(query)
}

// Queries returns the recorded search queries.
func (s *Searcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
