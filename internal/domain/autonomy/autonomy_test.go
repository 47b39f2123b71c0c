package autonomy

import (
	"testing"

	"github.com/taskpilot/taskpilot/internal/domain/task"
)

func TestDecide_PolicyTable(t *testing.T) {
	th := DefaultThresholds()

	cases := []struct {
		name       string
		confidence float64
		level      task.AutonomyLevel
		escalate   bool
	}{
		{"low always escalates at 1.0", 1.0, task.AutonomyLow, true},
		{"low always escalates at 0.0", 0.0, task.AutonomyLow, true},
		{"medium at boundary continues", 0.3, task.AutonomyMedium, false},
		{"medium just below escalates", 0.2999, task.AutonomyMedium, true},
		{"medium well above continues", 0.9, task.AutonomyMedium, false},
		{"medium at zero escalates", 0.0, task.AutonomyMedium, true},
		{"high at boundary continues", 0.7, task.AutonomyHigh, false},
		{"high just below escalates", 0.6999, task.AutonomyHigh, true},
		{"high above continues", 0.95, task.AutonomyHigh, false},
		{"high mid-range escalates", 0.5, task.AutonomyHigh, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.confidence, tc.level, th)
			if d.Escalate != tc.escalate {
				t.Fatalf("Decide(%.4f, %s) escalate = %v, want %v",
					tc.confidence, tc.level, d.Escalate, tc.escalate)
			}
			if d.Escalate && d.Reason == "" {
				t.Fatal("escalation must carry a human-readable reason")
			}
		})
	}
}

func TestDecide_ConfidenceSequenceUnderMedium(t *testing.T) {
	th := DefaultThresholds()
	seq := []float64{0.9, 0.8, 0.2}

	for i, c := range seq {
		d := Decide(c, task.AutonomyMedium, th)
		wantEscalate := i == 2
		if d.Escalate != wantEscalate {
			t.Fatalf("check %d (confidence %.1f): escalate = %v, want %v", i+1, c, d.Escalate, wantEscalate)
		}
	}
}
