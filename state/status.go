package state

// Status is the lifecycle marker carried by every aggregation state.
// It only ever escalates: InProgress < Completed < Terminated.
type Status int

const (
	// InProgress is the initial status of every state.
	InProgress Status = iota
	// Completed marks a state whose iteration finished normally.
	Completed
	// Terminated marks a state degraded by a per-row failure, such as a
	// feature vector wider than the representable maximum. It propagates
	// through merges and is surfaced by the result step.
	Terminated
)

// Escalate returns the more severe of two statuses, the rule applied when
// two partition states are merged.
func Escalate(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}
