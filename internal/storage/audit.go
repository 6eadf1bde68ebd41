package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// chainHash links an audit row to its predecessor. Fields are joined with a
// separator that cannot appear in the hex prev hash.
func chainHash(prevHash, tenantID, caseID, action, actor, payload, createdAt string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{prevHash, tenantID, caseID, action, actor, payload, createdAt}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// AppendAuditEvent inserts an event at the end of the tenant's chain. The
// previous hash lookup and the insert share a transaction.
func (s *Store) AppendAuditEvent(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("marshaling audit payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_events WHERE tenant_id = ? ORDER BY id DESC LIMIT 1`, e.TenantID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return AuditEvent{}, fmt.Errorf("reading chain head: %w", err)
	}

	now := s.now().UTC()
	createdAt := now.Format(tsLayout)
	var actor string
	var actorArg any
	if e.ActorID != nil {
		actor = *e.ActorID
		actorArg = actor
	}
	hash := chainHash(prev, e.TenantID, e.CaseID, e.Action, actor, payload, createdAt)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, case_id, action, actor_id, payload_json, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.CaseID, e.Action, actorArg, payload, prev, hash, createdAt,
	)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("inserting audit event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AuditEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditEvent{}, err
	}

	e.ID = id
	e.PrevHash = prev
	e.Hash = hash
	e.CreatedAt = now
	return e, nil
}

type auditRow struct {
	event   AuditEvent
	payload string
	created string
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]auditRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auditRow
	for rows.Next() {
		var r auditRow
		var actor sql.NullString
		if err := rows.Scan(&r.event.ID, &r.event.TenantID, &r.event.CaseID, &r.event.Action, &actor,
			&r.payload, &r.event.PrevHash, &r.event.Hash, &r.created); err != nil {
			return nil, err
		}
		if actor.Valid {
			a := actor.String
			r.event.ActorID = &a
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const auditColumns = `id, tenant_id, case_id, action, actor_id, payload_json, prev_hash, hash, created_at`

// ListAuditEvents returns a case's audit events in append order. A
// non-positive limit returns all of them.
func (s *Store) ListAuditEvents(ctx context.Context, tenantID, caseID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE tenant_id = ? AND case_id = ? ORDER BY id ASC LIMIT ?`,
		tenantID, caseID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]AuditEvent, 0, len(rows))
	for _, r := range rows {
		e := r.event
		if e.Payload, err = unmarshalObject(r.payload); err != nil {
			return nil, fmt.Errorf("parsing payload of audit event %d: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(r.created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ChainError reports the first audit row whose link does not verify.
type ChainError struct {
	EventID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at event %d: %s", e.EventID, e.Reason)
}

// VerifyAuditChain walks a tenant's chain from the start and returns the
// number of verified events. A broken link yields a *ChainError.
func (s *Store) VerifyAuditChain(ctx context.Context, tenantID string) (int, error) {
	rows, err := s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE tenant_id = ? ORDER BY id ASC`, tenantID)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i, r := range rows {
		e := r.event
		if e.PrevHash != prev {
			return i, &ChainError{EventID: e.ID, Reason: "prev_hash does not match preceding event"}
		}
		var actor string
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		want := chainHash(prev, e.TenantID, e.CaseID, e.Action, actor, r.payload, r.created)
		if e.Hash != want {
			return i, &ChainError{EventID: e.ID, Reason: "hash mismatch"}
		}
		prev = e.Hash
	}
	return len(rows), nil
}
