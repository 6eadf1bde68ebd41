// Package ledger records stage cost and audit side effects. Writes are best
// effort: failures are logged and never returned to the stage.
package ledger

import (
	"context"
	"log/slog"

	"github.com/kalambet/appraise/internal/storage"
)

// AuditStore is the subset of storage.Store used by AuditWriter.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e storage.AuditEvent) (storage.AuditEvent, error)
}

// AuditWriter appends system-initiated events to the audit trail. Chain
// hashing is done by the store.
type AuditWriter struct {
	store  AuditStore
	logger *slog.Logger
}

func NewAuditWriter(store AuditStore, logger *slog.Logger) *AuditWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditWriter{store: store, logger: logger}
}

// Record appends one event with a nil actor.
func (w *AuditWriter) Record(ctx context.Context, caseID, tenantID, action string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := w.store.AppendAuditEvent(ctx, storage.AuditEvent{
		TenantID: tenantID,
		CaseID:   caseID,
		Action:   action,
		Payload:  payload,
	})
	if err != nil {
		w.logger.Warn("audit: append failed", "case_id", caseID, "tenant_id", tenantID, "action", action, "error", err)
	}
}
