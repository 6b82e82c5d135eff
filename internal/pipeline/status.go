package pipeline

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return statusOrder(s) == 3
}

// CanTransition enforces forward-only progression.
func CanTransition(current, next Status) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return statusOrder(current) < statusOrder(next)
}

func statusOrder(s Status) int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}
