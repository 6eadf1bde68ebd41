package stage

import (
	"strings"
	"testing"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go: {\"a\":{\"b\":2}} hope it helps {\"c\":3}", `{"a":{"b":2}}`},
		{"brace in string", `{"note":"use } carefully","x":1}`, `{"note":"use } carefully","x":1}`},
		{"escaped quote", `{"q":"say \"}\" now"}`, `{"q":"say \"}\" now"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractObject(tt.in)
			if err != nil {
				t.Fatalf("extractObject: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractObjectErrors(t *testing.T) {
	for _, in := range []string{"", "no json here", `{"open": true`} {
		if _, err := extractObject(in); err == nil {
			t.Errorf("extractObject(%q) expected error", in)
		}
	}
}

func TestDecodeOutputValidation(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		out     any
		wantErr string
	}{
		{"intake ok", `{"property_data":{"rooms":4},"confidence":0.7}`, &IntakeOutput{}, ""},
		{"intake missing data", `{"confidence":0.7}`, &IntakeOutput{}, "PropertyData"},
		{"intake confidence range", `{"property_data":{},"confidence":1.5}`, &IntakeOutput{}, "Confidence"},
		{"comparable bad value", `{"comparables":[{"address":"x","value":0,"similarity":0.5}],"confidence":0.5}`, &ComparableOutput{}, "Value"},
		{"comparable missing list", `{"confidence":0.5}`, &ComparableOutput{}, "Comparables"},
		{"comparable empty list", `{"comparables":[],"confidence":0.5}`, &ComparableOutput{}, "Comparables"},
		{"qa missing verdict", `{"checks":[],"vrs_score":80}`, &QAOutput{}, "OverallPass"},
		{"qa false verdict ok", `{"checks":[],"overall_pass":false,"vrs_score":40}`, &QAOutput{}, ""},
		{"qa missing score", `{"checks":[],"overall_pass":true}`, &QAOutput{}, "VRSScore"},
		{"qa zero score ok", `{"overall_pass":false,"vrs_score":0}`, &QAOutput{}, ""},
		{"qa score range", `{"overall_pass":true,"vrs_score":101}`, &QAOutput{}, "VRSScore"},
		{"compliance missing verdict", `{"checks":[{"regulation":"USPAP","compliant":true}]}`, &ComplianceOutput{}, "OverallCompliant"},
		{"not json", `I cannot help with that`, &QAOutput{}, "no JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeOutput(tt.text, tt.out)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.HasPrefix(err.Error(), "Invalid AI response") {
				t.Errorf("error %q lacks Invalid AI response prefix", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestStripFence(t *testing.T) {
	if got := stripFence("```markdown\n# Report\nbody\n```"); got != "# Report\nbody" {
		t.Errorf("stripFence = %q", got)
	}
	if got := stripFence("  # Plain  "); got != "# Plain" {
		t.Errorf("stripFence = %q", got)
	}
	if got := stripFence("```"); got != "" {
		t.Errorf("stripFence of bare fence = %q", got)
	}
}
