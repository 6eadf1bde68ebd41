// Package pipeline drives a case through the six stages in order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/appraise/internal/stage"
	"github.com/kalambet/appraise/internal/storage"
)

// Result summarizes one run. Steps lists every stage that was attempted, in
// order, and is never nil.
type Result struct {
	RunID           string         `json:"run_id,omitempty"`
	CaseID          string         `json:"case_id"`
	Steps           []stage.Result `json:"steps"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
}

// StageFactory returns a fresh set of stages in execution order.
type StageFactory func() []stage.Stage

// Store is the subset of storage.Store the orchestrator needs.
type Store interface {
	GetCase(ctx context.Context, id, tenantID string) (storage.Case, error)
	SavePipelineRun(ctx context.Context, run storage.PipelineRun) error
}

// Auditor appends audit events; satisfied by *ledger.AuditWriter.
type Auditor interface {
	Record(ctx context.Context, caseID, tenantID, action string, payload map[string]any)
}

// Orchestrator sequences the stages of one case. It holds no per-run state
// and may be shared between goroutines running different cases.
type Orchestrator struct {
	store     Store
	newStages StageFactory
	audit     Auditor
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator. If logger is nil, slog.Default() is used.
func New(store Store, newStages StageFactory, audit Auditor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		newStages: newStages,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// RunPipeline runs the stages for caseID. It stops at the first failed
// stage, or after QA when QA rejects the report. Success requires every
// stage to run and succeed. RunPipeline never panics.
func (o *Orchestrator) RunPipeline(ctx context.Context, caseID, tenantID string) Result {
	res := Result{CaseID: caseID, Steps: []stage.Result{}}

	if _, err := o.store.GetCase(ctx, caseID, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			res.Error = fmt.Sprintf("case %s not found", caseID)
		} else {
			res.Error = fmt.Sprintf("loading case: %v", err)
		}
		o.logger.Warn("pipeline: not started", "case_id", caseID, "tenant_id", tenantID, "error", res.Error)
		return res
	}

	started := o.now()
	stages := o.newStages()
	res.RunID = uuid.New().String()
	o.logger.Info("pipeline: started", "run_id", res.RunID, "case_id", caseID, "tenant_id", tenantID, "stages", len(stages))

	for _, s := range stages {
		step := o.runStage(ctx, s, caseID, tenantID)
		res.Steps = append(res.Steps, step)

		if !step.Success {
			res.Error = fmt.Sprintf("stage %s failed: %s", step.StageName, step.Error)
			break
		}
		if qa, ok := step.Data.(*stage.QAOutput); ok && !qa.Passed() {
			res.Error = "QA rejected the report"
			break
		}
	}

	for _, step := range res.Steps {
		res.TotalCostUSD += step.CostUSD
		res.TotalDurationMs += step.DurationMs
	}
	res.Success = res.Error == "" && len(res.Steps) == len(stage.Order)
	if res.Error == "" && !res.Success {
		res.Error = fmt.Sprintf("pipeline ran %d of %d stages", len(res.Steps), len(stage.Order))
	}

	o.persist(ctx, tenantID, started, res)

	o.logger.Info("pipeline: finished",
		"run_id", res.RunID,
		"case_id", caseID,
		"success", res.Success,
		"steps", len(res.Steps),
		"total_cost_usd", res.TotalCostUSD,
		"total_duration_ms", res.TotalDurationMs,
	)
	return res
}

// runStage executes one stage, turning a panic into a failed step.
func (o *Orchestrator) runStage(ctx context.Context, s stage.Stage, caseID, tenantID string) (step stage.Result) {
	start := o.now()
	name := s.Name()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline: stage panicked", "stage", name, "case_id", caseID, "panic", r)
			step = stage.Result{
				Success:    false,
				Error:      fmt.Sprintf("stage panicked: %v", r),
				DurationMs: o.now().Sub(start).Milliseconds(),
				StageName:  name,
			}
		}
	}()

	step = s.Execute(ctx, caseID, tenantID)
	if step.StageName == "" {
		step.StageName = name
	}
	if !step.Success {
		o.logger.Warn("pipeline: stage failed", "stage", name, "case_id", caseID, "error", step.Error)
	}
	return step
}

// persist stores the run summary and appends the completion event. Failures
// are logged only.
func (o *Orchestrator) persist(ctx context.Context, tenantID string, started time.Time, res Result) {
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		o.logger.Warn("pipeline: encoding steps failed", "run_id", res.RunID, "error", err)
		steps = []byte("[]")
	}
	err = o.store.SavePipelineRun(ctx, storage.PipelineRun{
		ID:              res.RunID,
		TenantID:        tenantID,
		CaseID:          res.CaseID,
		Success:         res.Success,
		TotalCostUSD:    res.TotalCostUSD,
		TotalDurationMs: res.TotalDurationMs,
		StepsJSON:       string(steps),
		StartedAt:       started,
		FinishedAt:      o.now(),
	})
	if err != nil {
		o.logger.Warn("pipeline: saving run failed", "run_id", res.RunID, "error", err)
	}

	var lastStage stage.Name
	if n := len(res.Steps); n > 0 {
		lastStage = res.Steps[n-1].StageName
	}
	o.audit.Record(ctx, res.CaseID, tenantID, "pipeline_completed", map[string]any{
		"run_id":            res.RunID,
		"success":           res.Success,
		"steps":             len(res.Steps),
		"last_stage":        string(lastStage),
		"total_cost_usd":    res.TotalCostUSD,
		"total_duration_ms": res.TotalDurationMs,
		"error":             res.Error,
	})
}
