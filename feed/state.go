// Package feed drives the product list, product detail and category
// screens: it owns their fetch state and publishes it for observers.
package feed

import (
	"context"
	"errors"
)

// Phase is the lifecycle position of a screen's most recent fetch.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoadingMore
	PhaseLoaded
	PhaseEmpty
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLoadingMore:
		return "loading_more"
	case PhaseLoaded:
		return "loaded"
	case PhaseEmpty:
		return "empty"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is what observers render. Message is set only in PhaseError.
type State struct {
	Phase   Phase
	Message string
}

// Busy reports whether a fetch is outstanding.
func (s State) Busy() bool {
	return s.Phase == PhaseLoading || s.Phase == PhaseLoadingMore
}

func errorState(err error) State {
	return State{Phase: PhaseError, Message: err.Error()}
}

// ErrNoSuchSearch is returned when a suggestion index is out of range.
var ErrNoSuchSearch = errors.New("no recent search at index")

// fetchScope ties a fetch context to both the caller's ctx and the
// owner's lifetime.
func fetchScope(caller, owner context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(caller)
	stop := context.AfterFunc(owner, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
