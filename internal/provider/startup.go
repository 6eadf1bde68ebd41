package provider

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"
)

// EnsureOllamaReady checks that Ollama is running and every stage model is
// available, pulling missing ones with progress written to w. The first
// model is warmed up afterwards so the intake stage does not pay the
// cold-load penalty. Returns a non-nil error if Ollama is unreachable.
func EnsureOllamaReady(ctx context.Context, c *Ollama, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	var unique []string
	for _, m := range models {
		if m != "" && !slices.Contains(unique, m) {
			unique = append(unique, m)
		}
	}

	for _, model := range unique {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if len(unique) == 0 {
		return nil
	}

	first := unique[0]
	fmt.Fprintf(w, "model %s: warming up...\n", first)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Generate(warmCtx, Request{Model: first, User: "ping", MaxOutputTokens: 1}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", first, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", first)
	}

	return nil
}
