package orchestration

import "testing"

func TestEvaluateCondition(t *testing.T) {
	results := map[string]*ResultEnvelope{
		"classify": {
			Success: true,
			Result: map[string]interface{}{
				"category": "refund",
				"score":    0.9,
			},
		},
		"failed": {
			Success: false,
		},
	}
	context := map[string]interface{}{"amount": 250}

	cases := []struct {
		name      string
		condition string
		want      bool
		wantErr   bool
	}{
		{"empty passes", "", true, false},
		{"result match", `results.classify.category == "refund"`, true, false},
		{"result mismatch", `results.classify.category == "complaint"`, false, false},
		{"context compare", `context.amount < 500`, true, false},
		{"combined", `results.classify.score > 0.5 && context.amount < 500`, true, false},
		{"non-bool", `results.classify.category`, false, true},
		{"bad syntax", `&&&`, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.condition, results, context)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEvaluateCondition_FailedNodesInvisible(t *testing.T) {
	results := map[string]*ResultEnvelope{
		"failed": {Success: false, Result: map[string]interface{}{"x": 1}},
	}

	// Failed node results are not exposed to conditions
	got, err := EvaluateCondition(`results.failed != nil`, results, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("failed node results must be invisible to conditions")
	}
}
