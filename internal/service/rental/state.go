package rental

// State is a step of the rental workflow
type State string

const (
	StateCreated        State = "created"
	StateSelecting      State = "selecting"
	StateRenting        State = "renting"
	StateBooting        State = "booting"
	StateConnecting     State = "connecting"
	StateHealthChecking State = "health_checking"
	StateBenchmarking   State = "benchmarking"
	StatePersisted      State = "persisted"
	StateTerminated     State = "terminated"
	StateAborted        State = "aborted"
)

// IsTerminal returns true if no further transition can follow
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateAborted
}

func (s State) String() string {
	return string(s)
}
