package stage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/appraise/internal/storage"
)

const (
	comparableMaxTokens = 4096
	recentComparables   = 20
)

// ComparableStage selects and adjusts comparable sales for the subject.
type ComparableStage struct {
	Base
}

func NewComparable(deps Deps, model string) *ComparableStage {
	return &ComparableStage{Base: newBase(Comparable, model, deps)}
}

type priorComparable struct {
	Address     string   `json:"address"`
	Price       float64  `json:"price"`
	PricePerSqm *float64 `json:"price_per_sqm,omitempty"`
	SaleDate    string   `json:"sale_date"`
	Source      string   `json:"source,omitempty"`
}

type comparablePayload struct {
	CaseID        string            `json:"case_id"`
	PropertyData  map[string]any    `json:"property_data"`
	MarketContext any               `json:"market_context,omitempty"`
	Recent        []priorComparable `json:"recent_comparables"`
}

func (s *ComparableStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	c, err := s.loadCase(ctx, caseID, tenantID)
	if err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	prior, err := s.deps.Store.ListRecentComparables(ctx, tenantID, recentComparables)
	if err != nil {
		return s.fail(fmt.Sprintf("listing comparables: %v", err), Invocation{})
	}
	recent := make([]priorComparable, 0, len(prior))
	for _, p := range prior {
		recent = append(recent, priorComparable{
			Address:     p.Address,
			Price:       p.Price,
			PricePerSqm: p.PricePerSqm,
			SaleDate:    p.SaleDate,
			Source:      p.Source,
		})
	}

	inv := s.InvokeModel(ctx, comparablePayload{
		CaseID:        caseID,
		PropertyData:  c.PropertyData,
		MarketContext: c.PropertyData["market_context"],
		Recent:        recent,
	}, comparableMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	var out ComparableOutput
	if err := decodeOutput(inv.Text, &out); err != nil {
		return s.failBilled(ctx, caseID, tenantID, err.Error(), inv)
	}

	rows := make([]storage.Comparable, 0, len(out.Comparables))
	for _, e := range out.Comparables {
		rows = append(rows, storage.Comparable{
			ID:          uuid.New().String(),
			TenantID:    tenantID,
			CaseID:      caseID,
			Address:     e.Address,
			Price:       e.Value,
			PricePerSqm: e.PricePerSqm,
			SaleDate:    e.SaleDate,
			Similarity:  e.Similarity,
			Adjustments: e.Adjustments,
			Source:      e.Source,
		})
	}
	if err := s.deps.Store.InsertComparables(ctx, rows); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("saving comparables: %v", err), inv)
	}
	if err := s.deps.Store.UpdateCaseStatus(ctx, caseID, tenantID, storage.StatusComparableCompleted); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("updating case status: %v", err), inv)
	}

	return s.finish(ctx, caseID, tenantID, "comparable_completed", inv, &out, map[string]any{
		"comparables": len(rows),
		"confidence":  out.Confidence,
	})
}
