package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/appraise/internal/storage"
)

// CostAction tags audit events that stand in for a ledger row.
const CostAction = "ai_cost"

// CostStore is the subset of storage.Store used by CostWriter.
type CostStore interface {
	InsertCostEntry(ctx context.Context, e storage.CostEntry) error
	AddCaseCost(ctx context.Context, id, tenantID string, amount float64) error
}

// Usage describes one priced model call.
type Usage struct {
	Stage      string
	Model      string
	TokensIn   int
	TokensOut  int
	CostUSD    float64
	DurationMs int64
}

// CostWriter writes a ledger row per model call and keeps the case total current.
type CostWriter struct {
	store  CostStore
	audit  *AuditWriter
	logger *slog.Logger
}

func NewCostWriter(store CostStore, audit *AuditWriter, logger *slog.Logger) *CostWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CostWriter{store: store, audit: audit, logger: logger}
}

// Record inserts a row into ai_cost_ledger, falling back to an "ai_cost"
// audit event when the insert fails. The case's cumulative cost is then
// incremented regardless of which path was taken.
func (w *CostWriter) Record(ctx context.Context, caseID, tenantID string, u Usage) {
	err := w.store.InsertCostEntry(ctx, storage.CostEntry{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CaseID:     caseID,
		Stage:      u.Stage,
		Model:      u.Model,
		TokensIn:   u.TokensIn,
		TokensOut:  u.TokensOut,
		CostUSD:    u.CostUSD,
		DurationMs: u.DurationMs,
	})
	if err != nil {
		w.logger.Warn("cost: ledger insert failed, writing audit event", "case_id", caseID, "stage", u.Stage, "error", err)
		w.audit.Record(ctx, caseID, tenantID, CostAction, map[string]any{
			"stage":       u.Stage,
			"model":       u.Model,
			"tokens_in":   u.TokensIn,
			"tokens_out":  u.TokensOut,
			"cost_usd":    u.CostUSD,
			"duration_ms": u.DurationMs,
		})
	}

	if err := w.store.AddCaseCost(ctx, caseID, tenantID, u.CostUSD); err != nil {
		w.logger.Warn("cost: case total update failed", "case_id", caseID, "tenant_id", tenantID, "error", err)
	}
}
