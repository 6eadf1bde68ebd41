package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Case statuses produced by the pipeline. A case may hold other values set
// outside the pipeline (draft, cancelled, ...).
const (
	StatusDraft               = "draft"
	StatusPendingIntake       = "pending_intake"
	StatusIntakeCompleted     = "intake_completed"
	StatusResearchCompleted   = "research_completed"
	StatusComparableCompleted = "comparable_completed"
	StatusReport              = "report"
	StatusQA                  = "qa"
	StatusDelivered           = "delivered"
	StatusCompliance          = "compliance"
)

type Tenant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Plan      string         `json:"plan"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
}

type Case struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Status         string         `json:"status"`
	PropertyData   map[string]any `json:"property_data"`
	AICostUSD      float64        `json:"ai_cost_usd"`
	AIConfidence   *float64       `json:"ai_confidence,omitempty"`
	LastRunCostUSD *float64       `json:"last_run_cost_usd,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EvidenceFile is object-storage metadata for an uploaded file.
type EvidenceFile struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CaseID      string    `json:"case_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	TextExcerpt string    `json:"text_excerpt,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// KnowledgeSnippet is reference material for the research stage. An empty
// TenantID marks a snippet shared by all tenants.
type KnowledgeSnippet struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type Comparable struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	CaseID      string             `json:"case_id"`
	Address     string             `json:"address"`
	Price       float64            `json:"price"`
	PricePerSqm *float64           `json:"price_per_sqm,omitempty"`
	SaleDate    string             `json:"sale_date"`
	Similarity  float64            `json:"similarity"`
	Adjustments map[string]float64 `json:"adjustments"`
	Source      string             `json:"source"`
	CreatedAt   time.Time          `json:"created_at"`
}

type Report struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CaseID     string         `json:"case_id"`
	Version    int            `json:"version"`
	Markdown   string         `json:"markdown"`
	ReportData map[string]any `json:"report_data"`
	WordCount  int            `json:"word_count"`
	VRSScore   *float64       `json:"vrs_score,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CostEntry is one row of the AI cost ledger.
type CostEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	CaseID     string    `json:"case_id"`
	Stage      string    `json:"stage"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is one link of a tenant's audit chain. PrevHash and Hash are
// filled in by the store on append.
type AuditEvent struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	CaseID    string         `json:"case_id"`
	Action    string         `json:"action"`
	ActorID   *string        `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	CreatedAt time.Time      `json:"created_at"`
}

type PipelineRun struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	CaseID          string    `json:"case_id"`
	Success         bool      `json:"success"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	StepsJSON       string    `json:"steps_json"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}
