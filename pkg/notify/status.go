package notify

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusDelivered  JobStatus = "delivered"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusDelivered, StatusFailed, StatusExpired:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s.rank() == 3
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Terminal states never move, and expired is reachable from any non-terminal state.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if s.Terminal() || next.rank() == 0 {
		return false
	}
	if next == StatusExpired {
		return true
	}
	return next.rank() > s.rank()
}
