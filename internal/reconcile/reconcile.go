// Package reconcile computes branch state transitions by observing the
// container runtime. The only container it acts on is a paused one, which
// it unpauses; it never touches a storage backend or the state store —
// only the caller applies the changes it returns.
package reconcile

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
)

// Change is one branch's computed next state. A Change is only emitted
// when NextState differs from the branch's current recorded state.
type Change struct {
	BranchID  string
	NextState state.BranchState
}

// Compute inspects every branch's container status and returns the state
// changes needed to bring the store back in sync with reality. It never
// starts, stops, or removes a container (a paused one is unpaused), and
// never touches storage.
func Compute(ctx context.Context, rt runtime.Runtime, branches []state.Branch, log zerolog.Logger) []Change {
	if len(branches) == 0 {
		return nil
	}

	report := rt.Doctor(ctx)
	if !report.Available {
		log.Warn().Str("detail", report.Detail).Msg("runtime unavailable during reconcile, demoting provisioning branches only")
		var changes []Change
		for _, b := range branches {
			if b.State == state.BranchProvisioning {
				changes = append(changes, Change{BranchID: b.ID, NextState: state.BranchStopped})
			}
		}
		return changes
	}

	var changes []Change
	for _, b := range branches {
		status, err := rt.ContainerStatus(ctx, b.ContainerName)
		if err != nil {
			log.Warn().Err(err).Str("branch", b.Name).Msg("failed to inspect container during reconcile, leaving state unchanged")
			continue
		}

		next := nextState(ctx, rt, b, status, log)
		if next != b.State {
			changes = append(changes, Change{BranchID: b.ID, NextState: next})
		}
	}
	return changes
}

func nextState(ctx context.Context, rt runtime.Runtime, b state.Branch, status runtime.ContainerStatus, log zerolog.Logger) state.BranchState {
	switch status {
	case runtime.StatusRunning:
		return state.BranchRunning
	case runtime.StatusPaused:
		if err := rt.UnpauseBranch(ctx, b.ContainerName); err != nil {
			log.Warn().Err(err).Str("branch", b.Name).Msg("failed to unpause branch during reconcile")
			return state.BranchFailed
		}
		return state.BranchRunning
	case runtime.StatusExited, runtime.StatusNotFound, runtime.StatusOther:
		if dataDirExists(b.DataDir) {
			return state.BranchStopped
		}
		return state.BranchFailed
	default:
		return b.State
	}
}

func dataDirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
