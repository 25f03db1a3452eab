// Package state defines the lifecycle of a managed resource and the legal
// transitions between lifecycle states.
package state

import (
	"fmt"

	"github.com/crmarques/fabricsync/faults"
)

type ResourceState string

const (
	Pending        ResourceState = "pending"
	Ingested       ResourceState = "ingested"
	SyncedToGit    ResourceState = "synced_to_git"
	SyncedToFabric ResourceState = "synced_to_fabric"
	Drifted        ResourceState = "drifted"
	Error          ResourceState = "error"
)

var transitions = map[ResourceState]map[ResourceState]struct{}{
	Pending: {
		Ingested: {},
		Drifted:  {},
	},
	Ingested: {
		Ingested:       {},
		SyncedToGit:    {},
		SyncedToFabric: {},
		Drifted:        {},
	},
	SyncedToGit: {
		Ingested:       {},
		SyncedToGit:    {},
		SyncedToFabric: {},
		Drifted:        {},
	},
	SyncedToFabric: {
		Ingested:       {},
		SyncedToGit:    {},
		SyncedToFabric: {},
		Drifted:        {},
	},
	Drifted: {
		Ingested:       {},
		SyncedToGit:    {},
		SyncedToFabric: {},
		Drifted:        {},
		Pending:        {},
	},
	Error: {
		Pending: {},
	},
}

func (s ResourceState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is only left by an explicit reset.
func (s ResourceState) Terminal() bool {
	return s == Error
}

// CanTransition reports whether from -> to is legal. Every state may move
// to Error.
func CanTransition(from ResourceState, to ResourceState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == Error {
		return true
	}
	_, ok := transitions[from][to]
	return ok
}

func Transition(from ResourceState, to ResourceState) error {
	if CanTransition(from, to) {
		return nil
	}
	return faults.Validation(fmt.Sprintf("illegal resource state transition %s -> %s", from, to), nil)
}

// Path validates a chain of transitions starting at from and returns the
// final state. An empty chain returns from.
func Path(from ResourceState, steps ...ResourceState) (ResourceState, error) {
	current := from
	for _, next := range steps {
		if err := Transition(current, next); err != nil {
			return from, err
		}
		current = next
	}
	return current, nil
}
