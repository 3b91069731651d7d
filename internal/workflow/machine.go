package workflow

import (
	"context"
	"fmt"
)

// machine is a state machine made of an entry action per state and a pure
// transition function. Entry actions perform the side effects and return
// the event that drives the next transition.
type machine[S comparable, E comparable] struct {
	initial  S
	failedEv E
	terminal func(S) bool
	enter    func(context.Context, S) (E, error)
	next     func(S, E) S
	observe  func(S, error)
}

// runMachine interprets m until it reaches a terminal state. An entry
// action error is converted to the failed event; the first such error is
// returned with the terminal state. Terminal states run their entry action
// once and stop.
func runMachine[S comparable, E comparable](ctx context.Context, m machine[S, E]) (S, error) {
	state := m.initial
	var runErr error
	for {
		if m.observe != nil {
			m.observe(state, runErr)
		}

		ev, err := m.enter(ctx, state)
		if m.terminal(state) {
			return state, runErr
		}
		if err != nil {
			runErr = err
			ev = m.failedEv
		}

		next := m.next(state, ev)
		if next == state {
			// No transition means the event is not valid here.
			if runErr == nil {
				runErr = fmt.Errorf("no transition from %v on %v", state, ev)
			}
			next = m.next(state, m.failedEv)
		}
		state = next
	}
}
