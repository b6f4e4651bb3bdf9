package session

// State enumerates the states of the segmentation workflow.
type State int

const (
	StateIdle State = iota
	StateRectangleSelection
	StateWaiting
	StateMaskReview
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRectangleSelection:
		return "rectangle-selection"
	case StateWaiting:
		return "waiting"
	case StateMaskReview:
		return "mask-review"
	default:
		return "unknown"
	}
}

// Listener is called after each state transition.
type Listener func(prev, next State)

type transition struct{ prev, next State }
