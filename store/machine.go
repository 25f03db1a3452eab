package store

import (
	"context"
	"fmt"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/state"
)

// Machine applies resource state transitions, each as one atomic
// read-modify-write through the resource store.
type Machine struct {
	resources ResourceStore
}

func NewMachine(resources ResourceStore) *Machine {
	return &Machine{resources: resources}
}

// Apply moves an existing resource to `to`. mutate, when set, runs inside
// the same transaction before the transition is validated and may return
// ErrSkipUpdate to leave the resource untouched. The error message is
// cleared before mutate runs unless `to` is error.
func (m *Machine) Apply(
	ctx context.Context,
	fabricID string,
	id manifest.Identity,
	to state.ResourceState,
	mutate func(resource *ManagedResource) error,
) (ManagedResource, error) {
	return m.resources.UpdateResource(ctx, fabricID, id, func(resource *ManagedResource, exists bool) error {
		if !exists {
			return faults.NotFound(fmt.Sprintf("resource %s not found", id))
		}
		if to != state.Error {
			resource.ErrorMessage = ""
		}
		if mutate != nil {
			if err := mutate(resource); err != nil {
				return err
			}
		}
		if err := state.Transition(resource.State, to); err != nil {
			return err
		}
		resource.State = to
		return nil
	})
}

// Fail moves a resource to error with cause as its message.
func (m *Machine) Fail(ctx context.Context, fabricID string, id manifest.Identity, cause error) error {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	_, err := m.Apply(ctx, fabricID, id, state.Error, func(resource *ManagedResource) error {
		resource.ErrorMessage = message
		return nil
	})
	return err
}

// Retry is the manual reset of an errored or drifted resource to pending.
// A drifted resource loses its git and fabric baselines, so the next run
// pushes and applies the managed content over both sides.
func (m *Machine) Retry(ctx context.Context, fabricID string, id manifest.Identity) (ManagedResource, error) {
	return m.resources.UpdateResource(ctx, fabricID, id, func(resource *ManagedResource, exists bool) error {
		if !exists {
			return faults.NotFound(fmt.Sprintf("resource %s not found", id))
		}
		if resource.State != state.Error && resource.State != state.Drifted {
			return faults.Conflict(fmt.Sprintf("resource %s is %s; only error or drifted resources can be retried", id, resource.State), nil)
		}
		if resource.State == state.Drifted {
			resource.GitHash = ""
			resource.FabricHash = ""
		}
		resource.State = state.Pending
		resource.ErrorMessage = ""
		return nil
	})
}

// ResetErrored moves every errored resource of a fabric back to pending
// and returns how many were reset.
func (m *Machine) ResetErrored(ctx context.Context, fabricID string) (int, error) {
	resources, err := m.resources.ListResources(ctx, fabricID)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, resource := range resources {
		if resource.State != state.Error {
			continue
		}
		_, err := m.Apply(ctx, fabricID, resource.Identity, state.Pending, func(current *ManagedResource) error {
			if current.State != state.Error {
				return ErrSkipUpdate
			}
			return nil
		})
		if err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}
