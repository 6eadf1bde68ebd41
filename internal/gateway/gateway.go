// Package gateway wraps provider calls and prices their token usage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/kalambet/appraise/internal/provider"
)

// ErrUnknownModel is the error text for a model missing from the rate table.
const ErrUnknownModel = "Unknown model rate"

// Rate is the USD price per million tokens.
type Rate struct {
	In  float64 `json:"in_per_million"`
	Out float64 `json:"out_per_million"`
}

// DefaultRates covers the models the stages are configured with by default.
// Local Ollama models are free.
var DefaultRates = map[string]Rate{
	"anthropic/claude-sonnet-4":   {In: 3, Out: 15},
	"anthropic/claude-3.5-haiku":  {In: 0.8, Out: 4},
	"openai/gpt-4o":               {In: 2.5, Out: 10},
	"openai/gpt-4o-mini":          {In: 0.15, Out: 0.6},
	"google/gemini-2.0-flash-001": {In: 0.1, Out: 0.4},
	"llama3.1":                    {},
	"mistral-nemo":                {},
	"phi3.5":                      {},
}

// Result is either a completion with usage and cost, or an error string.
// A failed call may still carry tokens and cost.
type Result struct {
	Text      string  `json:"text,omitempty"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Error     string  `json:"error,omitempty"`
}

// Gateway is the single entry point for model calls. Call never panics and
// never returns a Go error.
type Gateway struct {
	provider provider.Provider
	rates    map[string]Rate
	timeout  time.Duration
}

// New creates a Gateway. A nil rates map selects DefaultRates; a zero
// timeout disables the per-call deadline.
func New(p provider.Provider, rates map[string]Rate, timeout time.Duration) *Gateway {
	if rates == nil {
		rates = DefaultRates
	}
	return &Gateway{provider: p, rates: rates, timeout: timeout}
}

// Rates returns a copy of the rate table.
func (g *Gateway) Rates() map[string]Rate {
	return maps.Clone(g.rates)
}

// Cost prices token usage for model. ok is false for unknown models.
func (g *Gateway) Cost(model string, tokensIn, tokensOut int) (cost float64, ok bool) {
	rate, ok := g.rates[model]
	if !ok {
		return 0, false
	}
	return float64(tokensIn)/1e6*rate.In + float64(tokensOut)/1e6*rate.Out, true
}

// Call generates a completion and prices it.
func (g *Gateway) Call(ctx context.Context, model, system, user string, maxOutputTokens int) (res Result) {
	if _, ok := g.rates[model]; !ok {
		return Result{Error: ErrUnknownModel}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("model call panicked: %v", r)}
		}
	}()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.provider.Generate(callCtx, provider.Request{
		Model:           model,
		System:          system,
		User:            user,
		MaxOutputTokens: maxOutputTokens,
	})

	cost, _ := g.Cost(model, resp.TokensIn, resp.TokensOut)
	res = Result{
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		CostUSD:   cost,
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("model call timed out after %s", g.timeout)
		} else {
			res.Error = err.Error()
		}
		return res
	}
	res.Text = resp.Text
	return res
}
