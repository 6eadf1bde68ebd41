package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/ledger"
	"github.com/kalambet/appraise/internal/storage"
)

// Invocation is a gateway result plus the wall-clock time of the call.
type Invocation struct {
	gateway.Result
	DurationMs int64
}

// Base carries what every stage shares: its name, model, instruction
// document and collaborators. Concrete stages embed it.
type Base struct {
	name        Name
	model       string
	instruction string
	deps        Deps
	logger      *slog.Logger
}

func newBase(name Name, model string, deps Deps) Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		name:        name,
		model:       model,
		instruction: string(name),
		deps:        deps,
		logger:      logger.With("stage", string(name)),
	}
}

func (b *Base) Name() Name { return b.name }

func (b *Base) Model() string { return b.model }

// Instructions returns the stage's system instruction document.
func (b *Base) Instructions(ctx context.Context) string {
	return b.deps.Instructions.Get(ctx, b.instruction)
}

// InvokeModel serializes payload, sends it with the stage instructions and
// times the call.
func (b *Base) InvokeModel(ctx context.Context, payload any, maxOutputTokens int) Invocation {
	user, err := json.Marshal(payload)
	if err != nil {
		return Invocation{Result: gateway.Result{Error: fmt.Sprintf("encoding payload: %v", err)}}
	}
	system := b.Instructions(ctx)

	start := time.Now()
	res := b.deps.Gateway.Call(ctx, b.model, system, string(user), maxOutputTokens)
	inv := Invocation{Result: res, DurationMs: time.Since(start).Milliseconds()}

	b.logger.Debug("model call finished",
		"model", b.model,
		"tokens_in", res.TokensIn,
		"tokens_out", res.TokensOut,
		"cost_usd", res.CostUSD,
		"duration_ms", inv.DurationMs,
		"error", res.Error,
	)
	return inv
}

// RecordCost writes the invocation to the cost ledger.
func (b *Base) RecordCost(ctx context.Context, caseID, tenantID string, inv Invocation) {
	b.deps.Costs.Record(ctx, caseID, tenantID, ledger.Usage{
		Stage:      string(b.name),
		Model:      b.model,
		TokensIn:   inv.TokensIn,
		TokensOut:  inv.TokensOut,
		CostUSD:    inv.CostUSD,
		DurationMs: inv.DurationMs,
	})
}

// RecordAudit appends one audit event. The model and usage are added to payload.
func (b *Base) RecordAudit(ctx context.Context, caseID, tenantID, action string, inv Invocation, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["stage"] = string(b.name)
	payload["model"] = b.model
	payload["cost_usd"] = inv.CostUSD
	payload["tokens_in"] = inv.TokensIn
	payload["tokens_out"] = inv.TokensOut
	b.deps.Audit.Record(ctx, caseID, tenantID, action, payload)
}

// loadCase reads the case scoped by tenant.
func (b *Base) loadCase(ctx context.Context, caseID, tenantID string) (storage.Case, error) {
	c, err := b.deps.Store.GetCase(ctx, caseID, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Case{}, fmt.Errorf("case %s not found", caseID)
	}
	if err != nil {
		return storage.Case{}, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	return c, nil
}

// fail builds a failed result that still reports whatever inv consumed.
func (b *Base) fail(msg string, inv Invocation) Result {
	return Result{
		Success:    false,
		Error:      msg,
		CostUSD:    inv.CostUSD,
		TokensIn:   inv.TokensIn,
		TokensOut:  inv.TokensOut,
		DurationMs: inv.DurationMs,
		StageName:  b.name,
	}
}

// failBilled is fail for paths after the model call. Usage the provider
// reported is real spend, so it still reaches the cost ledger and the case
// total; no stage audit event is written.
func (b *Base) failBilled(ctx context.Context, caseID, tenantID, msg string, inv Invocation) Result {
	if inv.CostUSD > 0 || inv.TokensIn > 0 || inv.TokensOut > 0 {
		b.RecordCost(ctx, caseID, tenantID, inv)
	}
	return b.fail(msg, inv)
}

func (b *Base) succeed(data any, inv Invocation) Result {
	return Result{
		Success:    true,
		Data:       data,
		CostUSD:    inv.CostUSD,
		TokensIn:   inv.TokensIn,
		TokensOut:  inv.TokensOut,
		DurationMs: inv.DurationMs,
		StageName:  b.name,
	}
}

// finish records cost and one audit event, then reports success.
func (b *Base) finish(ctx context.Context, caseID, tenantID, action string, inv Invocation, data any, audit map[string]any) Result {
	b.RecordCost(ctx, caseID, tenantID, inv)
	b.RecordAudit(ctx, caseID, tenantID, action, inv, audit)
	b.logger.Info("stage completed", "case_id", caseID, "cost_usd", inv.CostUSD, "duration_ms", inv.DurationMs)
	return b.succeed(data, inv)
}
