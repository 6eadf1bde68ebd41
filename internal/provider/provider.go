// Package provider talks to the LLM backends that serve stage model calls.
package provider

import (
	"context"
	"fmt"
)

// Request is a single-turn completion request.
type Request struct {
	Model           string
	System          string
	User            string
	MaxOutputTokens int
}

// Response carries the completion text and the token usage reported by the backend.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider generates a completion for a request.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	Status int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.Status)
}

// StatusError is returned for any other non-200 response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}
