package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// Similarity scores two queries in [0, 1]. Scores at or above the
// deduplicator threshold mark a near duplicate.
type Similarity interface {
	Name() string
	Similar(ctx context.Context, a, b string) (float64, error)
}

// BatchSimilarity compares a candidate against many queries in one call.
// Nearest returns the index of the closest query in others and its score, or
// -1 when none is similar.
type BatchSimilarity interface {
	Similarity
	Nearest(ctx context.Context, candidate string, others []string) (int, float64, error)
}

// Method names accepted by ByName.
const (
	MethodLexical   = "lexical"
	MethodEmbedding = "embedding"
	MethodLLM       = "llm"
)

// Default thresholds per method.
const (
	LexicalThreshold   = 0.8
	EmbeddingThreshold = 0.92
	LLMThreshold       = 0.5
)

// DefaultThreshold returns the documented threshold of a method.
func DefaultThreshold(method string) float64 {
	switch method {
	case MethodEmbedding:
		return EmbeddingThreshold
	case MethodLLM:
		return LLMThreshold
	default:
		return LexicalThreshold
	}
}

// ByName builds a similarity method. The embedding method needs emb and the
// llm method needs gen.
func ByName(method string, gen llm.Generator, emb *embeddings.Service) (Similarity, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", MethodLexical:
		return Lexical{}, nil
	case MethodEmbedding:
		if emb == nil {
			return nil, fmt.Errorf("dedup method %q requires an embedding service", method)
		}
		return NewEmbedding(emb), nil
	case MethodLLM:
		if gen == nil {
			return nil, fmt.Errorf("dedup method %q requires a generator", method)
		}
		return NewLLMJudge(gen), nil
	}
	return nil, fmt.Errorf("unknown dedup method %q", method)
}

// Lexical is the Jaccard index of the token sets. It never fails.
type Lexical struct{}

func (Lexical) Name() string { return MethodLexical }

func (Lexical) Similar(_ context.Context, a, b string) (float64, error) {
	return jaccard(util.Tokens(a), util.Tokens(b)), nil
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// Embedding is the cosine similarity of cached query embeddings.
type Embedding struct {
	svc *embeddings.Service
}

func NewEmbedding(svc *embeddings.Service) *Embedding { return &Embedding{svc: svc} }

func (e *Embedding) Name() string { return MethodEmbedding }

func (e *Embedding) Similar(ctx context.Context, a, b string) (float64, error) {
	vecs, err := e.svc.Embed(ctx, []string{NormalizeQuery(a), NormalizeQuery(b)})
	if err != nil {
		return 0, err
	}
	return embeddings.Cosine(vecs[0], vecs[1])
}

// LLMJudge asks the model whether two queries would return substantially
// the same information. The score is 1 or 0.
type LLMJudge struct {
	gen llm.Generator
}

func NewLLMJudge(gen llm.Generator) *LLMJudge { return &LLMJudge{gen: gen} }

func (j *LLMJudge) Name() string { return MethodLLM }

var judgeSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"are_similar": {Type: llm.TypeBoolean, Description: "true when the queries would return substantially the same information"},
	},
	Required: []string{"are_similar"},
}

func (j *LLMJudge) Similar(ctx context.Context, a, b string) (float64, error) {
	prompt := fmt.Sprintf(`Compare these two research queries and decide whether they are similar enough that researching both would be redundant.
Queries are similar when they ask about the same topic, would return substantially the same information, or differ only in wording.

Query 1: %s
Query 2: %s

Respond with JSON: {"are_similar": true|false}`, a, b)

	var out struct {
		AreSimilar bool `json:"are_similar"`
	}
	req := llm.Request{Purpose: llm.PurposeSimilarity, Prompt: prompt, Schema: judgeSchema, Temperature: llm.Temperature(0)}
	if err := llm.GenerateJSON(ctx, j.gen, req, &out); err != nil {
		return 0, err
	}
	if out.AreSimilar {
		return 1, nil
	}
	return 0, nil
}

var batchJudgeSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"duplicate_of": {Type: llm.TypeInteger, Description: "number of the existing query the candidate duplicates, or 0 when none"},
	},
	Required: []string{"duplicate_of"},
}

// Nearest judges the candidate against every query in others with a single
// prompt.
func (j *LLMJudge) Nearest(ctx context.Context, candidate string, others []string) (int, float64, error) {
	if len(others) == 0 {
		return -1, 0, nil
	}
	var list strings.Builder
	for i, q := range others {
		fmt.Fprintf(&list, "%d. %s\n", i+1, q)
	}
	prompt := fmt.Sprintf(`Decide whether a candidate research query is redundant with any query that is already being researched.
A query is redundant when it asks about the same topic, would return substantially the same information, or differs only in wording.

Candidate: %s

Existing queries:
%s
Respond with JSON: {"duplicate_of": n} where n is the number of the redundant existing query, or 0 when the candidate is new.`, candidate, list.String())

	var out struct {
		DuplicateOf int `json:"duplicate_of"`
	}
	req := llm.Request{Purpose: llm.PurposeSimilarity, Prompt: prompt, Schema: batchJudgeSchema, Temperature: llm.Temperature(0)}
	if err := llm.GenerateJSON(ctx, j.gen, req, &out); err != nil {
		return -1, 0, err
	}
	if out.DuplicateOf < 0 || out.DuplicateOf > len(others) {
		return -1, 0, fmt.Errorf("judge named query %d of %d", out.DuplicateOf, len(others))
	}
	if out.DuplicateOf == 0 {
		return -1, 0, nil
	}
	return out.DuplicateOf - 1, 1, nil
}
