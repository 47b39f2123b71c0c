// Package autonomy implements the confidence gate: the policy that turns a
// progress-confidence score plus a configured autonomy level into an
// escalate/continue decision. Pure functions, no side effects.
package autonomy

import (
	"fmt"

	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// Thresholds holds the minimum confidence required per autonomy level.
// A score below the threshold escalates; a score at the threshold continues.
type Thresholds struct {
	Medium float64
	High   float64
}

// DefaultThresholds matches the shipped policy table.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 0.3, High: 0.7}
}

// Decision is the outcome of a confidence check.
type Decision struct {
	Escalate bool
	Reason   string
}

// Decide applies the policy table. Low autonomy always escalates regardless of
// score; medium and high escalate strictly below their thresholds, so a score
// exactly at the boundary continues.
func Decide(confidence float64, level task.AutonomyLevel, th Thresholds) Decision {
	switch level {
	case task.AutonomyLow:
		return Decision{
			Escalate: true,
			Reason:   "autonomy level is low: every decision requires human review",
		}
	case task.AutonomyMedium:
		if confidence < th.Medium {
			return Decision{
				Escalate: true,
				Reason:   fmt.Sprintf("confidence %.2f below medium-autonomy threshold %.2f", confidence, th.Medium),
			}
		}
	case task.AutonomyHigh:
		if confidence < th.High {
			return Decision{
				Escalate: true,
				Reason:   fmt.Sprintf("confidence %.2f below high-autonomy threshold %.2f", confidence, th.High),
			}
		}
	}
	return Decision{}
}
