// Package doctor aggregates the health of every subsystem the branching
// engine depends on into one report a CLI can render.
package doctor

import (
	"context"

	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
	"github.com/keylty/pgbranch/internal/storage"
)

// Report is the combined health of the container runtime, every storage
// backend, and the state database entry for the engine's project.
type Report struct {
	Runtime        runtime.DoctorReport
	Storage        storage.DoctorReport
	ProjectPresent bool
}

// Run probes the runtime and storage coordinator, and checks whether
// projectName already has a row in store.
func Run(ctx context.Context, rt runtime.Runtime, sc *storage.Coordinator, store *state.Store, projectName string) (Report, error) {
	rep := Report{
		Runtime: rt.Doctor(ctx),
		Storage: sc.Doctor(),
	}
	_, ok, err := store.GetProjectByName(projectName)
	if err != nil {
		return rep, err
	}
	rep.ProjectPresent = ok
	return rep, nil
}
