package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/appraise/internal/storage"
)

const complianceMaxTokens = 2048

// ComplianceStage checks the report against regulatory requirements. A
// non-compliant verdict moves the case to the compliance status but still
// counts as a successful stage.
type ComplianceStage struct {
	Base
}

func NewCompliance(deps Deps, model string) *ComplianceStage {
	return &ComplianceStage{Base: newBase(Compliance, model, deps)}
}

type compliancePayload struct {
	CaseID         string         `json:"case_id"`
	CaseStatus     string         `json:"case_status"`
	Report         string         `json:"report"`
	ReportVersion  int            `json:"report_version"`
	VRSScore       *float64       `json:"vrs_score,omitempty"`
	PropertyData   map[string]any `json:"property_data"`
	TenantPlan     string         `json:"tenant_plan,omitempty"`
	TenantSettings map[string]any `json:"tenant_settings,omitempty"`
}

func (s *ComplianceStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	c, err := s.loadCase(ctx, caseID, tenantID)
	if err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	report, err := s.deps.Store.LatestReport(ctx, tenantID, caseID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.fail(fmt.Sprintf("no report found for case %s", caseID), Invocation{})
	}
	if err != nil {
		return s.fail(fmt.Sprintf("loading report: %v", err), Invocation{})
	}

	payload := compliancePayload{
		CaseID:        caseID,
		CaseStatus:    c.Status,
		Report:        report.Markdown,
		ReportVersion: report.Version,
		VRSScore:      report.VRSScore,
		PropertyData:  c.PropertyData,
	}
	tenant, err := s.deps.Store.GetTenant(ctx, tenantID)
	switch {
	case err == nil:
		payload.TenantPlan = tenant.Plan
		payload.TenantSettings = tenant.Settings
	case !errors.Is(err, storage.ErrNotFound):
		return s.fail(fmt.Sprintf("loading tenant: %v", err), Invocation{})
	}

	inv := s.InvokeModel(ctx, payload, complianceMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	var out ComplianceOutput
	if err := decodeOutput(inv.Text, &out); err != nil {
		return s.failBilled(ctx, caseID, tenantID, err.Error(), inv)
	}

	status := storage.StatusCompliance
	if out.Compliant() {
		status = storage.StatusDelivered
	}
	if err := s.deps.Store.UpdateCaseStatus(ctx, caseID, tenantID, status); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("updating case status: %v", err), inv)
	}

	var violations []string
	for _, ch := range out.Checks {
		if !ch.Compliant {
			violations = append(violations, ch.Regulation)
		}
	}
	return s.finish(ctx, caseID, tenantID, "compliance_checked", inv, &out, map[string]any{
		"report_id":         report.ID,
		"overall_compliant": out.Compliant(),
		"status":            status,
		"violations":        violations,
	})
}
