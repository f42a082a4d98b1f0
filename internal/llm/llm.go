// Package llm defines the text-generation and search collaborators used by
// the research engine, a Gemini implementation, and the resilience layer
// (rate limiting, circuit breaking, retries) that wraps them.
package llm

import "context"

// Purposes label requests for logging, metrics and test fakes.
const (
	PurposeComplexity = "complexity"
	PurposeSubqueries = "subqueries"
	PurposeLearnings  = "learnings"
	PurposeSimilarity = "similarity"
	PurposeFollowUps  = "followups"
	PurposeReport     = "report"
)

// Type names a JSON schema type.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema describes the JSON shape a structured response must follow.
type Schema struct {
	Type        Type
	Description string
	Properties  map[string]*Schema
	Items       *Schema
	Required    []string
}

// Request is one generation call. A non-nil Schema asks for JSON output.
type Request struct {
	Purpose     string
	Prompt      string
	Schema      *Schema
	Temperature *float32
}

// Response is the generated text and the model that produced it.
type Response struct {
	Text  string
	Model string
}

// Generator produces text or structured JSON from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// SearchResult is one document found for a query. SourceID is the document
// URL; it may be empty when the backend returned text without attribution.
type SearchResult struct {
	SourceID string
	Title    string
	Snippet  string
}

// Searcher looks up documents for a query. Zero results is not an error.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(v float32) *float32 { return &v }
