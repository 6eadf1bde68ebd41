package stage

// Model output schemas. Validation tags are enforced before anything is persisted.

type IntakeOutput struct {
	PropertyData     map[string]any `json:"property_data" validate:"required"`
	Confidence       float64        `json:"confidence" validate:"gte=0,lte=1"`
	MissingFields    []string       `json:"missing_fields,omitempty"`
	NeedsHumanReview bool           `json:"needs_human_review"`
}

type ResearchOutput struct {
	MarketContext map[string]any `json:"market_context" validate:"required"`
	DataSources   []string       `json:"data_sources,omitempty"`
	Confidence    float64        `json:"confidence" validate:"gte=0,lte=1"`
}

type ComparableEntry struct {
	Address     string             `json:"address" validate:"required"`
	Value       float64            `json:"value" validate:"gt=0"`
	PricePerSqm *float64           `json:"price_per_sqm,omitempty" validate:"omitempty,gt=0"`
	SaleDate    string             `json:"sale_date"`
	Similarity  float64            `json:"similarity" validate:"gte=0,lte=1"`
	Adjustments map[string]float64 `json:"adjustments,omitempty"`
	Source      string             `json:"source"`
}

type ComparableOutput struct {
	Comparables      []ComparableEntry `json:"comparables" validate:"required,min=1,dive"`
	ValuationSummary map[string]any    `json:"valuation_summary,omitempty"`
	Confidence       float64           `json:"confidence" validate:"gte=0,lte=1"`
}

// ReportOutput describes the report version a ReportWriter run stored.
type ReportOutput struct {
	ReportID  string `json:"report_id"`
	Version   int    `json:"version"`
	WordCount int    `json:"word_count"`
}

type QACheck struct {
	Name   string `json:"name" validate:"required"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type QAOutput struct {
	Checks      []QACheck `json:"checks" validate:"dive"`
	OverallPass *bool     `json:"overall_pass" validate:"required"`
	VRSScore    *float64  `json:"vrs_score" validate:"required,gte=0,lte=100"`
}

// Passed reports the QA verdict.
func (o *QAOutput) Passed() bool {
	return o.OverallPass != nil && *o.OverallPass
}

type ComplianceCheck struct {
	Regulation string `json:"regulation" validate:"required"`
	Compliant  bool   `json:"compliant"`
	Detail     string `json:"detail,omitempty"`
}

type ComplianceOutput struct {
	Checks           []ComplianceCheck `json:"checks" validate:"dive"`
	OverallCompliant *bool             `json:"overall_compliant" validate:"required"`
}

func (o *ComplianceOutput) Compliant() bool {
	return o.OverallCompliant != nil && *o.OverallCompliant
}
