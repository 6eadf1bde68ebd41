// Package stage implements the six AI-assisted steps an appraisal case goes
// through. Every stage shares the contract in base.go and reports a uniform
// Result.
package stage

import (
	"context"
	"log/slog"

	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/instructions"
	"github.com/kalambet/appraise/internal/ledger"
	"github.com/kalambet/appraise/internal/storage"
)

// Name identifies a stage. It doubles as the instruction document name.
type Name string

const (
	Intake       Name = "intake"
	Research     Name = "research"
	Comparable   Name = "comparable"
	ReportWriter Name = "report_writer"
	QA           Name = "qa"
	Compliance   Name = "compliance"
)

// Order is the fixed execution order of a pipeline run.
var Order = []Name{Intake, Research, Comparable, ReportWriter, QA, Compliance}

// Result is the uniform outcome of one stage execution. Data holds the
// stage's typed output on success and is nil otherwise.
type Result struct {
	Success    bool    `json:"success"`
	Data       any     `json:"data"`
	Error      string  `json:"error,omitempty"`
	CostUSD    float64 `json:"cost_usd"`
	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	DurationMs int64   `json:"duration_ms"`
	StageName  Name    `json:"stage_name"`
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() Name
	Execute(ctx context.Context, caseID, tenantID string) Result
}

// Store is the subset of storage.Store the stages read and write.
type Store interface {
	GetCase(ctx context.Context, id, tenantID string) (storage.Case, error)
	UpdateCaseData(ctx context.Context, id, tenantID string, propertyData map[string]any, status string, confidence *float64) error
	UpdateCaseStatus(ctx context.Context, id, tenantID, status string) error
	GetTenant(ctx context.Context, id string) (storage.Tenant, error)
	ListEvidenceFiles(ctx context.Context, tenantID, caseID string) ([]storage.EvidenceFile, error)
	ListKnowledgeSnippets(ctx context.Context, tenantID string, limit int) ([]storage.KnowledgeSnippet, error)
	ListRecentComparables(ctx context.Context, tenantID string, limit int) ([]storage.Comparable, error)
	ListComparables(ctx context.Context, tenantID, caseID string) ([]storage.Comparable, error)
	CountComparables(ctx context.Context, tenantID, caseID string) (int, error)
	InsertComparables(ctx context.Context, comps []storage.Comparable) error
	InsertReport(ctx context.Context, r storage.Report) (storage.Report, error)
	LatestReport(ctx context.Context, tenantID, caseID string) (storage.Report, error)
	UpdateReportScore(ctx context.Context, tenantID, reportID string, score *float64) error
}

// ModelCaller is satisfied by *gateway.Gateway.
type ModelCaller interface {
	Call(ctx context.Context, model, system, user string, maxOutputTokens int) gateway.Result
}

// Deps are the collaborators shared by every stage of a run.
type Deps struct {
	Store        Store
	Gateway      ModelCaller
	Instructions *instructions.Cache
	Costs        *ledger.CostWriter
	Audit        *ledger.AuditWriter
	Logger       *slog.Logger
}

// Models maps each stage to the model it calls.
type Models map[Name]string

// DefaultModels is used for stages missing from the configuration.
var DefaultModels = Models{
	Intake:       "openai/gpt-4o-mini",
	Research:     "anthropic/claude-sonnet-4",
	Comparable:   "openai/gpt-4o",
	ReportWriter: "anthropic/claude-sonnet-4",
	QA:           "openai/gpt-4o-mini",
	Compliance:   "openai/gpt-4o-mini",
}

func (m Models) model(n Name) string {
	if v := m[n]; v != "" {
		return v
	}
	return DefaultModels[n]
}

// NewPipelineStages builds a fresh set of stages in execution order.
func NewPipelineStages(deps Deps, models Models) []Stage {
	return []Stage{
		NewIntake(deps, models.model(Intake)),
		NewResearch(deps, models.model(Research)),
		NewComparable(deps, models.model(Comparable)),
		NewReportWriter(deps, models.model(ReportWriter)),
		NewQA(deps, models.model(QA)),
		NewCompliance(deps, models.model(Compliance)),
	}
}
