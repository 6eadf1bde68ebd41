package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kalambet/appraise/internal/stage"
	"github.com/kalambet/appraise/internal/storage"
)

// --- mock stage ---

type mockStage struct {
	name   stage.Name
	result stage.Result
	panics bool
	runs   *int
}

func (m *mockStage) Name() stage.Name { return m.name }

func (m *mockStage) Execute(ctx context.Context, caseID, tenantID string) stage.Result {
	if m.runs != nil {
		*m.runs++
	}
	if m.panics {
		panic("stage exploded")
	}
	r := m.result
	r.StageName = m.name
	return r
}

// --- mock store ---

type mockStore struct {
	caseErr error
	runs    []storage.PipelineRun
	saveErr error
}

func (m *mockStore) GetCase(ctx context.Context, id, tenantID string) (storage.Case, error) {
	if m.caseErr != nil {
		return storage.Case{}, m.caseErr
	}
	return storage.Case{ID: id, TenantID: tenantID}, nil
}

func (m *mockStore) SavePipelineRun(ctx context.Context, run storage.PipelineRun) error {
	m.runs = append(m.runs, run)
	return m.saveErr
}

type mockAuditor struct {
	actions []string
	payload []map[string]any
}

func (m *mockAuditor) Record(ctx context.Context, caseID, tenantID, action string, payload map[string]any) {
	m.actions = append(m.actions, action)
	m.payload = append(m.payload, payload)
}

var stepCosts = []float64{0.008, 0.045, 0.012, 0.078, 0.009, 0.008}

func boolPtr(b bool) *bool { return &b }

// sixStages builds passing stages with stepCosts; QA passes unless qaPass is false.
func sixStages(qaPass bool, runs *int) []*mockStage {
	out := make([]*mockStage, len(stage.Order))
	for i, n := range stage.Order {
		r := stage.Result{Success: true, CostUSD: stepCosts[i], DurationMs: int64(100 * (i + 1))}
		if n == stage.QA {
			r.Data = &stage.QAOutput{OverallPass: boolPtr(qaPass)}
		}
		if n == stage.Compliance {
			r.Data = &stage.ComplianceOutput{OverallCompliant: boolPtr(false)}
		}
		out[i] = &mockStage{name: n, result: r, runs: runs}
	}
	return out
}

func factoryOf(stages []*mockStage) StageFactory {
	return func() []stage.Stage {
		out := make([]stage.Stage, len(stages))
		for i, s := range stages {
			out[i] = s
		}
		return out
	}
}

func TestRunPipelineCaseNotFound(t *testing.T) {
	store := &mockStore{caseErr: storage.ErrNotFound}
	audit := &mockAuditor{}
	runs := 0
	o := New(store, factoryOf(sixStages(true, &runs)), audit, nil)

	res := o.RunPipeline(context.Background(), "missing", "t1")
	if res.Success {
		t.Error("expected failure")
	}
	if res.Steps == nil || len(res.Steps) != 0 {
		t.Errorf("Steps = %#v, want empty non-nil slice", res.Steps)
	}
	if res.CaseID != "missing" || !strings.Contains(res.Error, "not found") {
		t.Errorf("unexpected result: %+v", res)
	}
	if runs != 0 || len(store.runs) != 0 || len(audit.actions) != 0 {
		t.Errorf("side effects on missing case: runs=%d saved=%d audits=%d", runs, len(store.runs), len(audit.actions))
	}
}

func TestRunPipelineStoreError(t *testing.T) {
	o := New(&mockStore{caseErr: errors.New("disk I/O error")}, factoryOf(sixStages(true, nil)), &mockAuditor{}, nil)
	res := o.RunPipeline(context.Background(), "c", "t")
	if res.Success || !strings.Contains(res.Error, "disk I/O error") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunPipelineFailFast(t *testing.T) {
	for k := 1; k <= len(stage.Order); k++ {
		t.Run(string(stage.Order[k-1]), func(t *testing.T) {
			runs := 0
			stages := sixStages(true, &runs)
			stages[k-1].result = stage.Result{Success: false, Error: "boom", CostUSD: 0.001}

			res := New(&mockStore{}, factoryOf(stages), &mockAuditor{}, nil).RunPipeline(context.Background(), "c", "t")
			if res.Success {
				t.Fatal("expected failure")
			}
			if len(res.Steps) != k {
				t.Errorf("len(Steps) = %d, want %d", len(res.Steps), k)
			}
			if runs != k {
				t.Errorf("executed %d stages, want %d", runs, k)
			}
			if res.Steps[k-1].Error != "boom" {
				t.Errorf("last step error = %q", res.Steps[k-1].Error)
			}
		})
	}
}

func TestRunPipelineQAVeto(t *testing.T) {
	runs := 0
	res := New(&mockStore{}, factoryOf(sixStages(false, &runs)), &mockAuditor{}, nil).RunPipeline(context.Background(), "c", "t")
	if res.Success {
		t.Error("expected failure on QA veto")
	}
	if len(res.Steps) != 5 || runs != 5 {
		t.Errorf("len(Steps) = %d, runs = %d, want 5", len(res.Steps), runs)
	}
	if !res.Steps[4].Success {
		t.Error("QA step itself should be successful")
	}
}

func TestRunPipelineFullSuccess(t *testing.T) {
	store := &mockStore{}
	audit := &mockAuditor{}
	res := New(store, factoryOf(sixStages(true, nil)), audit, nil).RunPipeline(context.Background(), "c", "t")

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.Steps) != 6 {
		t.Errorf("len(Steps) = %d", len(res.Steps))
	}
	var sum float64
	for _, s := range res.Steps {
		sum += s.CostUSD
	}
	if math.Abs(res.TotalCostUSD-sum) > 1e-9 || math.Abs(res.TotalCostUSD-0.160) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 0.160", res.TotalCostUSD)
	}
	if res.TotalDurationMs != 2100 {
		t.Errorf("TotalDurationMs = %d, want 2100", res.TotalDurationMs)
	}
	// Compliance non-compliance does not halt or fail the run.
	if res.Steps[5].StageName != stage.Compliance {
		t.Errorf("last step = %s", res.Steps[5].StageName)
	}

	if len(store.runs) != 1 || store.runs[0].ID != res.RunID || !store.runs[0].Success {
		t.Errorf("run not persisted: %+v", store.runs)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "pipeline_completed" {
		t.Errorf("audit actions = %v", audit.actions)
	}
}

func TestRunPipelineRecoversPanic(t *testing.T) {
	stages := sixStages(true, nil)
	stages[2].panics = true

	res := New(&mockStore{}, factoryOf(stages), &mockAuditor{}, nil).RunPipeline(context.Background(), "c", "t")
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(res.Steps))
	}
	last := res.Steps[2]
	if last.Success || last.CostUSD != 0 || last.StageName != stage.Comparable {
		t.Errorf("synthetic step = %+v", last)
	}
	if !strings.Contains(last.Error, "stage exploded") {
		t.Errorf("Error = %q", last.Error)
	}
}

func TestRunPipelineShortFactoryIsNotSuccess(t *testing.T) {
	stages := sixStages(true, nil)[:4]
	res := New(&mockStore{}, factoryOf(stages), &mockAuditor{}, nil).RunPipeline(context.Background(), "c", "t")
	if res.Success {
		t.Error("a run with fewer than six stages must not succeed")
	}
}

func TestRunPipelineFreshStagesPerRun(t *testing.T) {
	calls := 0
	factory := func() []stage.Stage {
		calls++
		return factoryOf(sixStages(true, nil))()
	}
	o := New(&mockStore{}, factory, &mockAuditor{}, nil)
	o.RunPipeline(context.Background(), "c", "t")
	o.RunPipeline(context.Background(), "c", "t")
	if calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
}

func TestRunPipelineSaveFailureIsSwallowed(t *testing.T) {
	store := &mockStore{saveErr: errors.New("readonly")}
	res := New(store, factoryOf(sixStages(true, nil)), &mockAuditor{}, nil).RunPipeline(context.Background(), "c", "t")
	if !res.Success {
		t.Errorf("persistence failure must not fail the run: %+v", res)
	}
}
