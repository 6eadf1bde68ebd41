package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Comparables ---

// InsertComparables writes all rows in a single transaction.
func (s *Store) InsertComparables(ctx context.Context, comps []Comparable) error {
	if len(comps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	for _, c := range comps {
		adj, err := marshalMap(c.Adjustments)
		if err != nil {
			return fmt.Errorf("marshaling adjustments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comparables (id, tenant_id, case_id, address, price, price_per_sqm, sale_date, similarity, adjustments_json, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.CaseID, c.Address, c.Price, nullableFloat(c.PricePerSqm), c.SaleDate, c.Similarity, adj, c.Source, now,
		); err != nil {
			return fmt.Errorf("inserting comparable %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

const comparableColumns = `id, tenant_id, case_id, address, price, price_per_sqm, sale_date, similarity, adjustments_json, source, created_at`

func (s *Store) queryComparables(ctx context.Context, query string, args ...any) ([]Comparable, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Comparable
	for rows.Next() {
		var c Comparable
		var ppsqm sql.NullFloat64
		var adj, createdAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CaseID, &c.Address, &c.Price, &ppsqm, &c.SaleDate, &c.Similarity, &adj, &c.Source, &createdAt); err != nil {
			return nil, err
		}
		c.PricePerSqm = floatPtr(ppsqm)
		c.Adjustments = map[string]float64{}
		if adj != "" {
			if err := json.Unmarshal([]byte(adj), &c.Adjustments); err != nil {
				return nil, fmt.Errorf("parsing adjustments for comparable %s: %w", c.ID, err)
			}
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListComparables returns the comparables attached to one case.
func (s *Store) ListComparables(ctx context.Context, tenantID, caseID string) ([]Comparable, error) {
	return s.queryComparables(ctx,
		`SELECT `+comparableColumns+` FROM comparables WHERE tenant_id = ? AND case_id = ? ORDER BY similarity DESC, id ASC`,
		tenantID, caseID)
}

// ListRecentComparables returns the tenant's newest comparables across all cases.
func (s *Store) ListRecentComparables(ctx context.Context, tenantID string, limit int) ([]Comparable, error) {
	return s.queryComparables(ctx,
		`SELECT `+comparableColumns+` FROM comparables WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		tenantID, limit)
}

func (s *Store) CountComparables(ctx context.Context, tenantID, caseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comparables WHERE tenant_id = ? AND case_id = ?`, tenantID, caseID).Scan(&n)
	return n, err
}

// --- Reports ---

// InsertReport stores a new report version. When r.Version is zero the next
// version for the case is assigned (1 for the first report). The stored
// report is returned.
func (s *Store) InsertReport(ctx context.Context, r Report) (Report, error) {
	data, err := marshalMap(r.ReportData)
	if err != nil {
		return Report{}, fmt.Errorf("marshaling report_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if r.Version == 0 {
		var maxVersion int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM reports WHERE tenant_id = ? AND case_id = ?`,
			r.TenantID, r.CaseID,
		).Scan(&maxVersion); err != nil {
			return Report{}, fmt.Errorf("reading report version: %w", err)
		}
		r.Version = maxVersion + 1
	}

	now := s.now().UTC()
	ts := now.Format(tsLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (id, tenant_id, case_id, version, markdown, report_data, word_count, vrs_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.CaseID, r.Version, r.Markdown, data, r.WordCount, nullableFloat(r.VRSScore), ts, ts,
	); err != nil {
		return Report{}, fmt.Errorf("inserting report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Report{}, err
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, nil
}

// LatestReport returns the highest version report of a case.
func (s *Store) LatestReport(ctx context.Context, tenantID, caseID string) (Report, error) {
	var r Report
	var data, createdAt, updatedAt string
	var score sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, case_id, version, markdown, report_data, word_count, vrs_score, created_at, updated_at
		FROM reports WHERE tenant_id = ? AND case_id = ? ORDER BY version DESC LIMIT 1`, tenantID, caseID,
	).Scan(&r.ID, &r.TenantID, &r.CaseID, &r.Version, &r.Markdown, &data, &r.WordCount, &score, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}
	if r.ReportData, err = unmarshalObject(data); err != nil {
		return Report{}, fmt.Errorf("parsing report_data: %w", err)
	}
	r.VRSScore = floatPtr(score)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Report{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Report{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// UpdateReportScore sets the QA score on an existing report.
func (s *Store) UpdateReportScore(ctx context.Context, tenantID, reportID string, score *float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET vrs_score = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		nullableFloat(score), s.timestamp(), reportID, tenantID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// --- Cost ledger ---

func (s *Store) InsertCostEntry(ctx context.Context, e CostEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_cost_ledger (id, tenant_id, case_id, stage, model, tokens_in, tokens_out, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.CaseID, e.Stage, e.Model, e.TokensIn, e.TokensOut, e.CostUSD, e.DurationMs, s.timestamp(),
	)
	return err
}

func (s *Store) ListCostEntries(ctx context.Context, tenantID, caseID string) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, case_id, stage, model, tokens_in, tokens_out, cost_usd, duration_ms, created_at
		FROM ai_cost_ledger WHERE tenant_id = ? AND case_id = ? ORDER BY created_at ASC, rowid ASC`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CaseID, &e.Stage, &e.Model, &e.TokensIn, &e.TokensOut, &e.CostUSD, &e.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Pipeline runs ---

// SavePipelineRun persists a run summary and stamps the run total on the case.
func (s *Store) SavePipelineRun(ctx context.Context, run PipelineRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	success := 0
	if run.Success {
		success = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, tenant_id, case_id, success, total_cost_usd, total_duration_ms, steps_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.CaseID, success, run.TotalCostUSD, run.TotalDurationMs, run.StepsJSON,
		run.StartedAt.UTC().Format(tsLayout), run.FinishedAt.UTC().Format(tsLayout),
	); err != nil {
		return fmt.Errorf("inserting pipeline run: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE cases SET last_run_cost_usd = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		run.TotalCostUSD, s.timestamp(), run.CaseID, run.TenantID)
	if err != nil {
		return fmt.Errorf("updating case run cost: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListPipelineRuns(ctx context.Context, tenantID, caseID string, limit int) ([]PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, case_id, success, total_cost_usd, total_duration_ms, steps_json, started_at, finished_at
		FROM pipeline_runs WHERE tenant_id = ? AND case_id = ? ORDER BY started_at DESC LIMIT ?`, tenantID, caseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PipelineRun
	for rows.Next() {
		var r PipelineRun
		var success int
		var started, finished string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.CaseID, &success, &r.TotalCostUSD, &r.TotalDurationMs, &r.StepsJSON, &started, &finished); err != nil {
			return nil, err
		}
		r.Success = success != 0
		var err error
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
