package pipeline

import fv "github.com/gofhir/uploader"

// Transition is the decision taken after each unit or resource.
type Transition int

const (
	// Continue moves on to the next unit or resource.
	Continue Transition = iota
	// Abort stops the run.
	Abort
)

func (t Transition) String() string {
	if t == Abort {
		return "abort"
	}
	return "continue"
}

// Decide returns the transition for a unit or resource that did or did not
// fail under policy.
func Decide(policy fv.ErrorPolicy, failed bool) Transition {
	if failed && policy == fv.PolicyStopOnFirstError {
		return Abort
	}
	return Continue
}
