package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/appraise/internal/storage"
)

const reportMaxTokens = 8192

// ReportWriterStage drafts the appraisal report as Markdown.
type ReportWriterStage struct {
	Base
}

func NewReportWriter(deps Deps, model string) *ReportWriterStage {
	return &ReportWriterStage{Base: newBase(ReportWriter, model, deps)}
}

type reportComparable struct {
	Address     string             `json:"address"`
	Price       float64            `json:"price"`
	PricePerSqm *float64           `json:"price_per_sqm,omitempty"`
	SaleDate    string             `json:"sale_date"`
	Similarity  float64            `json:"similarity"`
	Adjustments map[string]float64 `json:"adjustments,omitempty"`
}

type reportPayload struct {
	CaseID        string             `json:"case_id"`
	Firm          string             `json:"firm"`
	PropertyData  map[string]any     `json:"property_data"`
	MarketContext any                `json:"market_context,omitempty"`
	Comparables   []reportComparable `json:"comparables"`
	Evidence      []string           `json:"evidence_files"`
}

func (s *ReportWriterStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	c, err := s.loadCase(ctx, caseID, tenantID)
	if err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	comps, err := s.deps.Store.ListComparables(ctx, tenantID, caseID)
	if err != nil {
		return s.fail(fmt.Sprintf("listing comparables: %v", err), Invocation{})
	}
	files, err := s.deps.Store.ListEvidenceFiles(ctx, tenantID, caseID)
	if err != nil {
		return s.fail(fmt.Sprintf("listing evidence: %v", err), Invocation{})
	}
	firm := tenantID
	tenant, err := s.deps.Store.GetTenant(ctx, tenantID)
	switch {
	case err == nil && tenant.Name != "":
		firm = tenant.Name
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return s.fail(fmt.Sprintf("loading tenant: %v", err), Invocation{})
	}

	payload := reportPayload{
		CaseID:        caseID,
		Firm:          firm,
		PropertyData:  c.PropertyData,
		MarketContext: c.PropertyData["market_context"],
		Comparables:   make([]reportComparable, 0, len(comps)),
		Evidence:      make([]string, 0, len(files)),
	}
	for _, cp := range comps {
		payload.Comparables = append(payload.Comparables, reportComparable{
			Address:     cp.Address,
			Price:       cp.Price,
			PricePerSqm: cp.PricePerSqm,
			SaleDate:    cp.SaleDate,
			Similarity:  cp.Similarity,
			Adjustments: cp.Adjustments,
		})
	}
	for _, f := range files {
		payload.Evidence = append(payload.Evidence, f.Name)
	}

	inv := s.InvokeModel(ctx, payload, reportMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	markdown := stripFence(inv.Text)
	if markdown == "" {
		return s.failBilled(ctx, caseID, tenantID, "Invalid AI response: empty report", inv)
	}
	words := len(strings.Fields(markdown))

	report, err := s.deps.Store.InsertReport(ctx, storage.Report{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CaseID:    caseID,
		Markdown:  markdown,
		WordCount: words,
		ReportData: map[string]any{
			"sections":    headings(markdown),
			"comparables": len(comps),
			"model":       s.model,
			"firm":        firm,
		},
	})
	if err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("saving report: %v", err), inv)
	}
	if err := s.deps.Store.UpdateCaseStatus(ctx, caseID, tenantID, storage.StatusReport); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("updating case status: %v", err), inv)
	}

	out := &ReportOutput{ReportID: report.ID, Version: report.Version, WordCount: words}
	return s.finish(ctx, caseID, tenantID, "report_generated", inv, out, map[string]any{
		"report_id":  report.ID,
		"version":    report.Version,
		"word_count": words,
	})
}

// stripFence removes a surrounding ``` fence, if any.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		return ""
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func headings(markdown string) []string {
	var out []string
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			out = append(out, strings.TrimSpace(strings.TrimLeft(line, "#")))
		}
	}
	return out
}
