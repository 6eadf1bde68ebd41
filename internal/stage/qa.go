package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/appraise/internal/storage"
)

const qaMaxTokens = 2048

// QAStage reviews the latest report and scores it. The verdict is carried in
// QAOutput; the case status becomes qa either way.
type QAStage struct {
	Base
}

func NewQA(deps Deps, model string) *QAStage {
	return &QAStage{Base: newBase(QA, model, deps)}
}

type qaPayload struct {
	CaseID          string         `json:"case_id"`
	ReportVersion   int            `json:"report_version"`
	Report          string         `json:"report"`
	ReportData      map[string]any `json:"report_data"`
	WordCount       int            `json:"word_count"`
	ComparableCount int            `json:"comparable_count"`
}

func (s *QAStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	if _, err := s.loadCase(ctx, caseID, tenantID); err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	report, err := s.deps.Store.LatestReport(ctx, tenantID, caseID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.fail(fmt.Sprintf("no report found for case %s", caseID), Invocation{})
	}
	if err != nil {
		return s.fail(fmt.Sprintf("loading report: %v", err), Invocation{})
	}
	count, err := s.deps.Store.CountComparables(ctx, tenantID, caseID)
	if err != nil {
		return s.fail(fmt.Sprintf("counting comparables: %v", err), Invocation{})
	}

	inv := s.InvokeModel(ctx, qaPayload{
		CaseID:          caseID,
		ReportVersion:   report.Version,
		Report:          report.Markdown,
		ReportData:      report.ReportData,
		WordCount:       report.WordCount,
		ComparableCount: count,
	}, qaMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	var out QAOutput
	if err := decodeOutput(inv.Text, &out); err != nil {
		return s.failBilled(ctx, caseID, tenantID, err.Error(), inv)
	}

	if err := s.deps.Store.UpdateReportScore(ctx, tenantID, report.ID, out.VRSScore); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("saving report score: %v", err), inv)
	}
	if err := s.deps.Store.UpdateCaseStatus(ctx, caseID, tenantID, storage.StatusQA); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("updating case status: %v", err), inv)
	}

	failed := 0
	for _, c := range out.Checks {
		if !c.Passed {
			failed++
		}
	}
	return s.finish(ctx, caseID, tenantID, "qa_completed", inv, &out, map[string]any{
		"report_id":     report.ID,
		"overall_pass":  out.Passed(),
		"vrs_score":     out.VRSScore,
		"checks":        len(out.Checks),
		"checks_failed": failed,
	})
}
