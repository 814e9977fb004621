package agent

// State of the agent lifecycle
type State int32

const (
	StateConnecting   State = iota // waiting for the broker session
	StateRunning                   // sampling loop
	StateShuttingDown              // releasing resources
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Outcome of one sampling cycle
type Outcome int

const (
	// sensor read failed transiently, nothing was published
	OutcomeSkipped Outcome = iota
	OutcomePublished
	// the broker client reported an error, the reading is dropped
	OutcomePublishFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomePublished:
		return "published"
	case OutcomePublishFailed:
		return "publish failed"
	default:
		return "unknown"
	}
}
