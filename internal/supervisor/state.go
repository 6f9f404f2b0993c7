package supervisor

// State is the supervisor's lifecycle position. It only moves forward.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateTerminating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}
