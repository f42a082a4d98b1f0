package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
)

// GeminiConfig configures GeminiClient.
type GeminiConfig struct {
	APIKey string
	// Models are tried in order; a model that returns 429 is skipped until
	// its cooldown expires.
	Models   []string
	Timeout  time.Duration
	Cooldown time.Duration
}

// models is the subset of genai.Models used by the client.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Generator and Searcher on the Gemini API.
// Search uses Google Search grounding; grounding chunks become results.
type GeminiClient struct {
	models   models
	names    []string
	timeout  time.Duration
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	next         int
	coolingUntil map[string]time.Time
}

// NewGeminiClient connects to the Gemini API.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger)
}

func newGeminiClient(m models, cfg GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if len(cfg.Models) == 0 {
		return nil, ErrNoModels
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &GeminiClient{
		models:       m,
		names:        append([]string(nil), cfg.Models...),
		timeout:      cfg.Timeout,
		cooldown:     cfg.Cooldown,
		logger:       logger,
		now:          time.Now,
		coolingUntil: make(map[string]time.Time),
	}, nil
}

// Generate implements Generator.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	cfg := &genai.GenerateContentConfig{Temperature: req.Temperature}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(req.Schema)
	}
	resp, model, err := c.call(ctx, req.Prompt, cfg)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, &StatusError{Code: 502, Err: ErrEmptyResponse}
	}
	return &Response{Text: text, Model: model}, nil
}

// Search implements Searcher with Google Search grounding.
func (c *GeminiClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	prompt := "Search the web and summarize the most relevant, factual, recent information for this research query. " +
		"Include concrete figures, names and dates.\n\nQuery: " + query
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	resp, _, err := c.call(ctx, prompt, cfg)
	if err != nil {
		return nil, err
	}
	return groundedResults(resp), nil
}

// call tries each model not cooling down, rotating on 429.
func (c *GeminiClient) call(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	for range c.names {
		model, ok := c.pick()
		if !ok {
			break
		}
		resp, err := c.models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
		if err == nil {
			return resp, model, nil
		}
		err = classify(err)
		if !IsRateLimited(err) {
			return nil, model, err
		}
		c.coolDown(model)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &StatusError{Code: 429, Err: ErrAllModelsCooling}
	}
	return nil, "", lastErr
}

func (c *GeminiClient) pick() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for i := 0; i < len(c.names); i++ {
		idx := (c.next + i) % len(c.names)
		name := c.names[idx]
		if until, ok := c.coolingUntil[name]; ok && now.Before(until) {
			continue
		}
		c.next = idx
		return name, true
	}
	return "", false
}

func (c *GeminiClient) coolDown(model string) {
	c.mu.Lock()
	c.coolingUntil[model] = c.now().Add(c.cooldown)
	c.next = (c.next + 1) % len(c.names)
	c.mu.Unlock()

	metrics.ModelCooldowns.WithLabelValues(model).Inc()
	c.logger.Warn("Model rate limited, rotating",
		zap.String("model", model),
		zap.Duration("cooldown", c.cooldown),
	)
}

// groundedResults maps grounding chunks to results. Supported segment text
// becomes the snippet; a response without grounding yields one unattributed
// result carrying the answer text.
func groundedResults(resp *genai.GenerateContentResponse) []SearchResult {
	text := strings.TrimSpace(resp.Text())
	if len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		if text == "" {
			return nil
		}
		return []SearchResult{{Snippet: text}}
	}
	gm := resp.Candidates[0].GroundingMetadata

	snippets := make(map[int][]string)
	for _, sup := range gm.GroundingSupports {
		if sup == nil || sup.Segment == nil {
			continue
		}
		seg := strings.TrimSpace(sup.Segment.Text)
		if seg == "" {
			continue
		}
		for _, idx := range sup.GroundingChunkIndices {
			snippets[int(idx)] = append(snippets[int(idx)], seg)
		}
	}

	var out []SearchResult
	for i, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		snippet := strings.Join(snippets[i], " ")
		if snippet == "" {
			snippet = text
		}
		out = append(out, SearchResult{SourceID: chunk.Web.URI, Title: chunk.Web.Title, Snippet: snippet})
	}
	if len(out) == 0 && text != "" {
		out = append(out, SearchResult{Snippet: text})
	}
	return out
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Items:       toGenaiSchema(s.Items),
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
	}
	return out
}

func genaiType(t Type) genai.Type {
	switch t {
	case TypeObject:
		return genai.TypeObject
	case TypeArray:
		return genai.TypeArray
	case TypeInteger:
		return genai.TypeInteger
	case TypeNumber:
		return genai.TypeNumber
	case TypeBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}
