// Package failure provides failure fingerprinting and identical-failure loop
// detection for the execution engine.
package failure

import (
	"hash/fnv"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// Class separates failures the agent caused from failures of the outside world.
type Class string

const (
	// ClassAgent covers logic failures: the action itself was wrong.
	// These drive replanning and loop detection.
	ClassAgent Class = "agent"
	// ClassExternal covers transient failures: network, timeouts, upstream
	// dependencies. Never counted toward loops.
	ClassExternal Class = "external"
)

// externalMarkers are substrings that classify an error as external/transient.
// Deliberately narrow: an error the agent's own code produced (for example a
// connection refused by a service the generated code targets) must still count
// as an agent failure, so only engine-infrastructure phrasing appears here.
var externalMarkers = []string{
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"rate limit",
	"network is unreachable",
	"circuit breaker is open",
}

// Signature is a comparable fingerprint of a single failure.
// Two signatures are identical only when ExactMessage matches verbatim:
// different line numbers or wording are treated as different problems.
type Signature struct {
	ExactMessage string
	ErrorType    string
	Location     string
	ContextHash  uint64
	Class        Class
}

// Derive builds a Signature from a failed Result. The context hash folds in
// the action that produced the failure so auditors can distinguish "same error
// from the same place" from "same error text elsewhere".
func Derive(action task.Action, res task.Result) Signature {
	return Signature{
		ExactMessage: res.Error,
		ErrorType:    res.ErrorType,
		Location:     res.Location,
		ContextHash:  hash(action.Signature() + "\x00" + res.Location),
		Class:        Classify(res),
	}
}

// Classify decides whether a failed result is an agent failure or an
// external/transient one. An explicit ErrorType wins over text matching.
func Classify(res task.Result) Class {
	switch strings.ToLower(res.ErrorType) {
	case "network", "timeout", "upstream", "external":
		return ClassExternal
	}
	lower := strings.ToLower(res.Error)
	for _, marker := range externalMarkers {
		if strings.Contains(lower, marker) {
			return ClassExternal
		}
	}
	return ClassAgent
}

// Identical reports whether two signatures describe the same failure.
// Strict by design: exact string equality on the message, nothing fuzzier.
func (s Signature) Identical(other Signature) bool {
	return s.ExactMessage == other.ExactMessage
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
