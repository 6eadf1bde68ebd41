package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/instructions"
	"github.com/kalambet/appraise/internal/ledger"
	"github.com/kalambet/appraise/internal/provider"
	"github.com/kalambet/appraise/internal/stage"
	"github.com/kalambet/appraise/internal/storage"
)

// routedProvider answers each stage model with a fixed response.
type routedProvider struct {
	mu        sync.Mutex
	responses map[string]provider.Response
	calls     []string
}

func (p *routedProvider) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req.Model)
	resp, ok := p.responses[req.Model]
	if !ok {
		return provider.Response{}, fmt.Errorf("no response for %s", req.Model)
	}
	return resp, nil
}

// Rate of one dollar per million input tokens makes tokens_in/1e6 the cost.
var e2eRates = map[string]gateway.Rate{
	"m-intake":     {In: 1},
	"m-research":   {In: 1},
	"m-comparable": {In: 1},
	"m-report":     {In: 1},
	"m-qa":         {In: 1},
	"m-compliance": {In: 1},
}

var e2eModels = stage.Models{
	stage.Intake:       "m-intake",
	stage.Research:     "m-research",
	stage.Comparable:   "m-comparable",
	stage.ReportWriter: "m-report",
	stage.QA:           "m-qa",
	stage.Compliance:   "m-compliance",
}

func scenarioResponses(qaPass bool) map[string]provider.Response {
	return map[string]provider.Response{
		"m-intake": {TokensIn: 8000, TokensOut: 300,
			Text: `{"property_data":{"property_type":"apartment","living_area_sqm":84,"bedrooms":2},"confidence":0.86,"missing_fields":[],"needs_human_review":false}`},
		"m-research": {TokensIn: 45000, TokensOut: 900,
			Text: "Here is the analysis:\n```json\n{\"market_context\":{\"trend\":\"stable\",\"days_on_market\":41},\"data_sources\":[\"registry\"],\"confidence\":0.7}\n```"},
		"m-comparable": {TokensIn: 12000, TokensOut: 800,
			Text: `{"comparables":[{"address":"5 Canal St","value":352000,"price_per_sqm":4190,"sale_date":"2026-05-02","similarity":0.88,"adjustments":{"floor":-3000},"source":"registry"},{"address":"9 Mill Ln","value":340000,"sale_date":"2026-02-11","similarity":0.74,"source":"agent"}],"valuation_summary":{"indicated_value":348000},"confidence":0.8}`},
		"m-report": {TokensIn: 78000, TokensOut: 3000,
			Text: "# Summary\nIndicated value 348,000.\n## Sales Comparison\nTwo sales support the value."},
		"m-qa": {TokensIn: 9000, TokensOut: 400,
			Text: fmt.Sprintf(`{"checks":[{"name":"support","passed":%t}],"overall_pass":%t,"vrs_score":88}`, qaPass, qaPass)},
		"m-compliance": {TokensIn: 8000, TokensOut: 300,
			Text: `{"checks":[{"regulation":"USPAP","compliant":true}],"overall_compliant":true}`},
	}
}

type e2eEnv struct {
	store *storage.Store
	prov  *routedProvider
	orch  *Orchestrator
}

func newE2E(t *testing.T, qaPass bool) *e2eEnv {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.SaveTenant(ctx, storage.Tenant{ID: "acme", Name: "Acme Valuations"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCase(ctx, storage.Case{ID: "case-42", TenantID: "acme", PropertyData: map[string]any{"address": "7 Canal St"}}); err != nil {
		t.Fatal(err)
	}

	prov := &routedProvider{responses: scenarioResponses(qaPass)}
	gw := gateway.New(prov, e2eRates, 5*time.Second)
	audit := ledger.NewAuditWriter(s, nil)
	deps := stage.Deps{
		Store:        s,
		Gateway:      gw,
		Instructions: instructions.NewCache(instructions.StoreLoader{Store: s}, nil),
		Costs:        ledger.NewCostWriter(s, audit, nil),
		Audit:        audit,
	}
	orch := New(s, func() []stage.Stage { return stage.NewPipelineStages(deps, e2eModels) }, audit, nil)
	return &e2eEnv{store: s, prov: prov, orch: orch}
}

func TestEndToEndScenario(t *testing.T) {
	env := newE2E(t, true)
	ctx := context.Background()

	res := env.orch.RunPipeline(ctx, "case-42", "acme")
	if !res.Success {
		for _, s := range res.Steps {
			t.Logf("%s: success=%v error=%q", s.StageName, s.Success, s.Error)
		}
		t.Fatalf("pipeline failed: %s", res.Error)
	}
	if len(res.Steps) != 6 {
		t.Fatalf("len(Steps) = %d", len(res.Steps))
	}
	for i, want := range []float64{0.008, 0.045, 0.012, 0.078, 0.009, 0.008} {
		if math.Abs(res.Steps[i].CostUSD-want) > 1e-9 {
			t.Errorf("step %d cost = %v, want %v", i, res.Steps[i].CostUSD, want)
		}
	}
	if math.Abs(res.TotalCostUSD-0.160) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 0.160", res.TotalCostUSD)
	}

	c, err := env.store.GetCase(ctx, "case-42", "acme")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != storage.StatusDelivered {
		t.Errorf("status = %q, want delivered", c.Status)
	}
	if math.Abs(c.AICostUSD-0.160) > 1e-9 {
		t.Errorf("ai_cost_usd = %v, want 0.160", c.AICostUSD)
	}
	if c.LastRunCostUSD == nil || math.Abs(*c.LastRunCostUSD-0.160) > 1e-9 {
		t.Errorf("last_run_cost_usd = %v", c.LastRunCostUSD)
	}
	if c.PropertyData["address"] != "7 Canal St" || c.PropertyData["bedrooms"] != 2.0 {
		t.Errorf("property_data = %v", c.PropertyData)
	}
	if _, ok := c.PropertyData["market_context"].(map[string]any); !ok {
		t.Errorf("market_context missing: %v", c.PropertyData)
	}

	comps, _ := env.store.ListComparables(ctx, "acme", "case-42")
	if len(comps) != 2 {
		t.Errorf("comparables = %d, want 2", len(comps))
	}
	report, err := env.store.LatestReport(ctx, "acme", "case-42")
	if err != nil {
		t.Fatal(err)
	}
	if report.Version != 1 || report.VRSScore == nil || *report.VRSScore != 88 {
		t.Errorf("report = %+v", report)
	}

	entries, _ := env.store.ListCostEntries(ctx, "acme", "case-42")
	if len(entries) != 6 {
		t.Errorf("ledger entries = %d, want 6", len(entries))
	}

	events, _ := env.store.ListAuditEvents(ctx, "acme", "case-42", 0)
	wantActions := []string{"intake_completed", "research_completed", "comparable_completed", "report_generated", "qa_completed", "compliance_checked", "pipeline_completed"}
	if len(events) != len(wantActions) {
		t.Fatalf("audit events = %d, want %d", len(events), len(wantActions))
	}
	for i, a := range wantActions {
		if events[i].Action != a {
			t.Errorf("event %d = %s, want %s", i, events[i].Action, a)
		}
	}
	if n, err := env.store.VerifyAuditChain(ctx, "acme"); err != nil || n != len(wantActions) {
		t.Errorf("VerifyAuditChain = %d, %v", n, err)
	}

	runs, _ := env.store.ListPipelineRuns(ctx, "acme", "case-42", 10)
	if len(runs) != 1 || !runs[0].Success {
		t.Errorf("pipeline runs = %+v", runs)
	}
}

func TestEndToEndLedgerFallback(t *testing.T) {
	env := newE2E(t, true)
	ctx := context.Background()
	if _, err := env.store.DB().Exec("DROP TABLE ai_cost_ledger"); err != nil {
		t.Fatal(err)
	}

	res := env.orch.RunPipeline(ctx, "case-42", "acme")
	if !res.Success {
		t.Fatalf("pipeline failed: %s", res.Error)
	}

	c, _ := env.store.GetCase(ctx, "case-42", "acme")
	if math.Abs(c.AICostUSD-0.160) > 1e-9 {
		t.Errorf("ai_cost_usd = %v, want 0.160", c.AICostUSD)
	}

	events, _ := env.store.ListAuditEvents(ctx, "acme", "case-42", 0)
	fallbacks := 0
	for _, e := range events {
		if e.Action == ledger.CostAction {
			fallbacks++
		}
	}
	if fallbacks != 6 {
		t.Errorf("ai_cost fallback events = %d, want 6", fallbacks)
	}
}

func TestEndToEndQAVeto(t *testing.T) {
	env := newE2E(t, false)
	ctx := context.Background()

	res := env.orch.RunPipeline(ctx, "case-42", "acme")
	if res.Success || len(res.Steps) != 5 {
		t.Fatalf("expected veto after 5 steps, got success=%v steps=%d", res.Success, len(res.Steps))
	}
	for _, m := range env.prov.calls {
		if m == "m-compliance" {
			t.Error("compliance ran after QA veto")
		}
	}
	c, _ := env.store.GetCase(ctx, "case-42", "acme")
	if c.Status != storage.StatusQA {
		t.Errorf("status = %q, want qa", c.Status)
	}
}

func TestEndToEndShapeErrorHalts(t *testing.T) {
	env := newE2E(t, true)
	env.prov.responses["m-comparable"] = provider.Response{TokensIn: 12000, Text: "no comparables available"}

	res := env.orch.RunPipeline(context.Background(), "case-42", "acme")
	if res.Success || len(res.Steps) != 3 {
		t.Fatalf("expected halt at step 3, got success=%v steps=%d", res.Success, len(res.Steps))
	}
	if got := res.Steps[2].Error; len(got) < 19 || got[:19] != "Invalid AI response" {
		t.Errorf("step 3 error = %q", got)
	}
	// The failed call is still counted in the run total.
	if math.Abs(res.TotalCostUSD-0.065) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 0.065", res.TotalCostUSD)
	}

	ctx := context.Background()
	c, err := env.store.GetCase(ctx, "case-42", "acme")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(c.AICostUSD-res.TotalCostUSD) > 1e-9 {
		t.Errorf("ai_cost_usd = %v, want run total %v", c.AICostUSD, res.TotalCostUSD)
	}
	if c.Status != storage.StatusResearchCompleted {
		t.Errorf("status = %q, want research_completed", c.Status)
	}
	entries, _ := env.store.ListCostEntries(ctx, "acme", "case-42")
	if len(entries) != 3 || entries[2].Stage != string(stage.Comparable) {
		t.Errorf("ledger entries = %+v", entries)
	}
	if n, _ := env.store.CountComparables(ctx, "acme", "case-42"); n != 0 {
		t.Errorf("comparables written: %d", n)
	}
}

func TestEndToEndMissingScoreHalts(t *testing.T) {
	env := newE2E(t, true)
	env.prov.responses["m-qa"] = provider.Response{TokensIn: 9000, TokensOut: 400,
		Text: `{"checks":[{"name":"support","passed":true}],"overall_pass":true}`}

	res := env.orch.RunPipeline(context.Background(), "case-42", "acme")
	if res.Success || len(res.Steps) != 5 || res.Steps[4].Success {
		t.Fatalf("expected QA failure at step 5, got success=%v steps=%d", res.Success, len(res.Steps))
	}
	report, err := env.store.LatestReport(context.Background(), "acme", "case-42")
	if err != nil {
		t.Fatal(err)
	}
	if report.VRSScore != nil {
		t.Errorf("vrs_score = %v, want unset", *report.VRSScore)
	}
}
