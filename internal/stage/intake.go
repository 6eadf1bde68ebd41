package stage

import (
	"context"
	"fmt"
	"maps"

	"github.com/kalambet/appraise/internal/storage"
)

const intakeMaxTokens = 2048

// IntakeStage extracts structured property attributes from the uploaded evidence.
type IntakeStage struct {
	Base
}

func NewIntake(deps Deps, model string) *IntakeStage {
	return &IntakeStage{Base: newBase(Intake, model, deps)}
}

type evidenceRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Excerpt     string `json:"excerpt,omitempty"`
}

type intakePayload struct {
	CaseID       string         `json:"case_id"`
	PropertyData map[string]any `json:"property_data"`
	Evidence     []evidenceRef  `json:"evidence"`
}

func (s *IntakeStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	c, err := s.loadCase(ctx, caseID, tenantID)
	if err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	files, err := s.deps.Store.ListEvidenceFiles(ctx, tenantID, caseID)
	if err != nil {
		return s.fail(fmt.Sprintf("listing evidence: %v", err), Invocation{})
	}
	evidence := make([]evidenceRef, 0, len(files))
	for _, f := range files {
		evidence = append(evidence, evidenceRef{
			Name:        f.Name,
			ContentType: f.ContentType,
			SizeBytes:   f.SizeBytes,
			Excerpt:     f.TextExcerpt,
		})
	}

	inv := s.InvokeModel(ctx, intakePayload{CaseID: caseID, PropertyData: c.PropertyData, Evidence: evidence}, intakeMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	var out IntakeOutput
	if err := decodeOutput(inv.Text, &out); err != nil {
		return s.failBilled(ctx, caseID, tenantID, err.Error(), inv)
	}

	merged := maps.Clone(c.PropertyData)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, out.PropertyData)

	confidence := out.Confidence
	if err := s.deps.Store.UpdateCaseData(ctx, caseID, tenantID, merged, storage.StatusIntakeCompleted, &confidence); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("saving intake result: %v", err), inv)
	}

	return s.finish(ctx, caseID, tenantID, "intake_completed", inv, &out, map[string]any{
		"confidence":         out.Confidence,
		"fields_extracted":   len(out.PropertyData),
		"missing_fields":     out.MissingFields,
		"needs_human_review": out.NeedsHumanReview,
		"evidence_files":     len(files),
	})
}
