package triage

import "fmt"

// State is a node of the per-batch workflow.
type State int

const (
	StateLoadInbox State = iota
	StateCheckMore
	StateNextEmail
	StateCategorize
	StateBuildQueries
	StateRetrieve
	StateDraft
	StateReview
	StateSend
	StateEscalate
	StateSkip
	StateIdle
)

var stateNames = [...]string{
	StateLoadInbox:    "load_inbox",
	StateCheckMore:    "check_more",
	StateNextEmail:    "next_email",
	StateCategorize:   "categorize",
	StateBuildQueries: "build_queries",
	StateRetrieve:     "retrieve",
	StateDraft:        "draft",
	StateReview:       "review",
	StateSend:         "send",
	StateEscalate:     "escalate",
	StateSkip:         "skip",
	StateIdle:         "idle",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state consumes the current email.
func (s State) Terminal() bool {
	return s == StateSend || s == StateEscalate || s == StateSkip
}

// facts are the observations a state's work produced, used to pick the next state.
type facts struct {
	hasMore    bool
	route      Route
	sendable   bool
	retryCount int
}

// next is the transition table. It is pure so it can be checked in isolation.
func next(from State, f facts) State {
	switch from {
	case StateLoadInbox:
		return StateCheckMore
	case StateCheckMore:
		if f.hasMore {
			return StateNextEmail
		}
		return StateIdle
	case StateNextEmail:
		return StateCategorize
	case StateCategorize:
		switch f.route {
		case RouteRetrieve:
			return StateBuildQueries
		case RouteDraft:
			return StateDraft
		case RouteSkip:
			return StateSkip
		}
		return StateSkip
	case StateBuildQueries:
		return StateRetrieve
	case StateRetrieve:
		return StateDraft
	case StateDraft:
		return StateReview
	case StateReview:
		switch {
		case f.sendable:
			return StateSend
		case f.retryCount < MaxDraftAttempts:
			return StateDraft
		default:
			return StateEscalate
		}
	case StateSend, StateEscalate, StateSkip:
		return StateCheckMore
	case StateIdle:
		return StateLoadInbox
	}
	return StateIdle
}
