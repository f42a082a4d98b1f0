package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON value.
var ErrNoJSON = errors.New("no JSON object in response")

// DecodeJSON unmarshals a model response into v. Markdown code fences and
// prose around the outermost JSON object or array are tolerated.
func DecodeJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	s = stripFence(s)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ErrNoJSON
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// GenerateJSON runs a structured request and decodes the result into v.
func GenerateJSON(ctx context.Context, g Generator, req Request, v any) error {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return err
	}
	if err := DecodeJSON(resp.Text, v); err != nil {
		return fmt.Errorf("%s: %w", req.Purpose, err)
	}
	return nil
}
