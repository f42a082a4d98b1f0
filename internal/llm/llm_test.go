package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/retry"
)

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Queries []string `json:"queries"`
	}
	require.NoError(t, DecodeJSON(`{"queries":["a"]}`, &v))
	assert.Equal(t, []string{"a"}, v.Queries)

	require.NoError(t, DecodeJSON("```json\n{\"queries\":[\"b\",\"c\"]}\n```", &v))
	assert.Equal(t, []string{"b", "c"}, v.Queries)

	require.NoError(t, DecodeJSON(`Sure! Here you go: {"queries":["d"]} hope it helps`, &v))
	assert.Equal(t, []string{"d"}, v.Queries)

	assert.ErrorIs(t, DecodeJSON("no json here", &v), ErrNoJSON)
	assert.Error(t, DecodeJSON(`{"queries": [}`, &v))
}

type scriptedModels struct {
	mu    sync.Mutex
	calls []string
	fn    func(model string) (*genai.GenerateContentResponse, error)
}

func (s *scriptedModels) GenerateContent(_ context.Context, model string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.mu.Unlock()
	return s.fn(model)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestGeminiRotatesModelsOnRateLimit(t *testing.T) {
	m := &scriptedModels{fn: func(model string) (*genai.GenerateContentResponse, error) {
		if model == "primary" {
			return nil, genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}
		}
		return textResponse(`{"ok":true}`), nil
	}}
	c, err := newGeminiClient(m, GeminiConfig{Models: []string{"primary", "backup"}, Cooldown: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	resp, err := c.Generate(context.Background(), Request{Purpose: "x", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Model)

	_, err = c.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "backup", "backup"}, m.calls, "primary stays cooling down")

	now = now.Add(2 * time.Minute)
	m.fn = func(string) (*genai.GenerateContentResponse, error) { return textResponse("fine"), nil }
	c.next = 0
	resp, err = c.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Model)
}

func TestGeminiAllModelsCooling(t *testing.T) {
	m := &scriptedModels{fn: func(string) (*genai.GenerateContentResponse, error) {
		return nil, genai.APIError{Code: http.StatusTooManyRequests}
	}}
	c, err := newGeminiClient(m, GeminiConfig{Models: []string{"a", "b"}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, retry.IsRetryable(err))

	_, err = c.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrAllModelsCooling)
	assert.Len(t, m.calls, 2)
}

func TestGeminiClientErrorsAreNotRetried(t *testing.T) {
	m := &scriptedModels{fn: func(string) (*genai.GenerateContentResponse, error) {
		return nil, genai.APIError{Code: http.StatusBadRequest, Message: "bad schema"}
	}}
	c, err := newGeminiClient(m, GeminiConfig{Models: []string{"a", "b"}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.Len(t, m.calls, 1, "no rotation on client errors")
}

func TestGroundedResults(t *testing.T) {
	resp := textResponse("Solar output grew 20% in 2023.")
	resp.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{
		GroundingChunks: []*genai.GroundingChunk{
			{Web: &genai.GroundingChunkWeb{URI: "https://iea.org/solar", Title: "IEA"}},
			{Web: &genai.GroundingChunkWeb{URI: "https://example.com/other", Title: "Other"}},
			{Web: nil},
		},
		GroundingSupports: []*genai.GroundingSupport{
			{GroundingChunkIndices: []int32{0}, Segment: &genai.Segment{Text: "Solar output grew 20%"}},
			{GroundingChunkIndices: []int32{0}, Segment: &genai.Segment{Text: "in 2023."}},
		},
	}

	results := groundedResults(resp)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{SourceID: "https://iea.org/solar", Title: "IEA", Snippet: "Solar output grew 20% in 2023."}, results[0])
	assert.Equal(t, "Solar output grew 20% in 2023.", results[1].Snippet, "unsupported chunks fall back to the answer text")

	plain := groundedResults(textResponse("just text"))
	assert.Equal(t, []SearchResult{{Snippet: "just text"}}, plain)
	assert.Empty(t, groundedResults(textResponse("")))
}

func TestToGenaiSchema(t *testing.T) {
	s := toGenaiSchema(&Schema{
		Type:       TypeObject,
		Properties: map[string]*Schema{"queries": {Type: TypeArray, Items: &Schema{Type: TypeString}}},
		Required:   []string{"queries"},
	})
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeArray, s.Properties["queries"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["queries"].Items.Type)
	assert.Equal(t, []string{"queries"}, s.Required)
}

type countingGenerator struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (g *countingGenerator) Generate(context.Context, Request) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{Text: "ok"}, nil
}

func testGuard(t *testing.T, attempts int) Guard {
	return Guard{
		Policy: retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
		Logger: zaptest.NewLogger(t),
	}
}

func TestResilientGeneratorRetriesTransientErrors(t *testing.T) {
	inner := &countingGenerator{errs: []error{&StatusError{Code: 503, Err: errors.New("unavailable")}, nil}}
	g := NewResilientGenerator(inner, testGuard(t, 3))

	resp, err := g.Generate(context.Background(), Request{Purpose: PurposeLearnings})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 2, inner.calls)
}

func TestResilientGeneratorRetriesHalfOpenRejection(t *testing.T) {
	inner := &countingGenerator{errs: []error{circuitbreaker.ErrTooManyRequests, circuitbreaker.ErrTooManyRequests, nil}}
	g := NewResilientGenerator(inner, testGuard(t, 3))

	resp, err := g.Generate(context.Background(), Request{Purpose: PurposeLearnings})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientGeneratorWrapsExhaustion(t *testing.T) {
	boom := &StatusError{Code: 500, Err: errors.New("internal")}
	inner := &countingGenerator{errs: []error{boom, boom, boom}}
	g := NewResilientGenerator(inner, testGuard(t, 3))

	_, err := g.Generate(context.Background(), Request{Purpose: PurposeSubqueries})
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "generate.subqueries", ce.Op)
	assert.Equal(t, 3, ce.Attempts)
	assert.True(t, ce.Retryable())
	assert.Equal(t, 3, inner.calls)
}

func TestResilientGeneratorStopsOnOpenBreaker(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 1
	guard := testGuard(t, 5)
	guard.Breaker = circuitbreaker.NewCircuitBreaker("llm-test-open", cfg, zaptest.NewLogger(t))
	inner := &countingGenerator{errs: []error{errors.New("connection reset")}}
	g := NewResilientGenerator(inner, guard)

	_, err := g.Generate(context.Background(), Request{Purpose: PurposeReport})
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.False(t, ce.Retryable())
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, 1, inner.calls, "open breaker rejects without calling the backend")
}

func TestResilientSearcherHonoursLimiter(t *testing.T) {
	guard := testGuard(t, 1)
	guard.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	s := NewResilientSearcher(searchFunc(func(string) ([]SearchResult, error) {
		return []SearchResult{{SourceID: "https://a.org"}}, nil
	}), guard)

	results, err := s.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Search(ctx, "q")
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Retryable(), "limiter wait beyond the deadline is final")
}

type searchFunc func(string) ([]SearchResult, error)

func (f searchFunc) Search(_ context.Context, q string) ([]SearchResult, error) { return f(q) }
