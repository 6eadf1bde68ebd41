package stage

import (
	"context"
	"fmt"
	"maps"

	"github.com/kalambet/appraise/internal/storage"
)

const (
	researchMaxTokens = 2048
	knowledgeLimit    = 10
)

// ResearchStage describes the market around the subject property.
type ResearchStage struct {
	Base
}

func NewResearch(deps Deps, model string) *ResearchStage {
	return &ResearchStage{Base: newBase(Research, model, deps)}
}

type snippetRef struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

type researchPayload struct {
	CaseID       string         `json:"case_id"`
	PropertyData map[string]any `json:"property_data"`
	Knowledge    []snippetRef   `json:"knowledge"`
}

func (s *ResearchStage) Execute(ctx context.Context, caseID, tenantID string) Result {
	c, err := s.loadCase(ctx, caseID, tenantID)
	if err != nil {
		return s.fail(err.Error(), Invocation{})
	}

	snippets, err := s.deps.Store.ListKnowledgeSnippets(ctx, tenantID, knowledgeLimit)
	if err != nil {
		return s.fail(fmt.Sprintf("listing knowledge: %v", err), Invocation{})
	}
	knowledge := make([]snippetRef, 0, len(snippets))
	for _, k := range snippets {
		knowledge = append(knowledge, snippetRef{Topic: k.Topic, Content: k.Content, Source: k.Source})
	}

	inv := s.InvokeModel(ctx, researchPayload{CaseID: caseID, PropertyData: c.PropertyData, Knowledge: knowledge}, researchMaxTokens)
	if inv.Error != "" {
		return s.failBilled(ctx, caseID, tenantID, inv.Error, inv)
	}

	var out ResearchOutput
	if err := decodeOutput(inv.Text, &out); err != nil {
		return s.failBilled(ctx, caseID, tenantID, err.Error(), inv)
	}

	data := maps.Clone(c.PropertyData)
	if data == nil {
		data = map[string]any{}
	}
	marketContext := map[string]any{}
	if existing, ok := data["market_context"].(map[string]any); ok {
		maps.Copy(marketContext, existing)
	}
	maps.Copy(marketContext, out.MarketContext)
	data["market_context"] = marketContext

	if err := s.deps.Store.UpdateCaseData(ctx, caseID, tenantID, data, storage.StatusResearchCompleted, nil); err != nil {
		return s.failBilled(ctx, caseID, tenantID, fmt.Sprintf("saving market context: %v", err), inv)
	}

	return s.finish(ctx, caseID, tenantID, "research_completed", inv, &out, map[string]any{
		"confidence":      out.Confidence,
		"data_sources":    out.DataSources,
		"snippets_loaded": len(snippets),
	})
}
