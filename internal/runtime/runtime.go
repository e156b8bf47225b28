// Package runtime adapts the branching engine to a container runtime.
// Today's only implementation is Docker; no call touches the state store
// or storage drivers.
package runtime

import (
	"context"
	"time"
)

// PGDataContainerPath is the fixed in-container mount point of a branch's
// data directory.
const PGDataContainerPath = "/var/lib/postgresql/data"

// ManagedLabel marks every container pgbranch creates so it can be told
// apart from unrelated containers sharing the same Docker daemon.
const ManagedLabel = "pgbranch.managed"

// ContainerStatus is the coarse status of a named container.
type ContainerStatus int

const (
	StatusNotFound ContainerStatus = iota
	StatusRunning
	StatusPaused
	StatusExited
	StatusOther
)

func (s ContainerStatus) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusExited:
		return "exited"
	default:
		return "other"
	}
}

// StartSpec describes a branch container to create when none exists yet.
type StartSpec struct {
	ContainerName string
	Image         string
	DataDir       string
	Port          int
	User          string
	Password      string
	Database      string
	HostUID       *int
	HostGID       *int
	ExtraHosts    []string
	// Cmd overrides the image's default entrypoint/command, e.g. running
	// a one-shot pg_dump instead of booting a postgres server. Empty
	// leaves the image's own default in place.
	Cmd []string
}

// ExecResult is the outcome of a one-shot exec inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// DoctorReport summarizes whether the runtime is reachable at all.
type DoctorReport struct {
	Available bool
	Detail    string
}

// Runtime is the container lifecycle surface the branching engine depends
// on. Implementations must make every method safe to call concurrently
// for distinct container names.
type Runtime interface {
	Doctor(ctx context.Context) DoctorReport
	ReserveBranch(project, branch string) string
	EnsureImage(ctx context.Context, image string) error
	ContainerStatus(ctx context.Context, name string) (ContainerStatus, error)
	StartBranch(ctx context.Context, spec StartSpec) error
	StopBranch(ctx context.Context, name string, timeout time.Duration) error
	PauseBranch(ctx context.Context, name string) error
	UnpauseBranch(ctx context.Context, name string) error
	RemoveBranch(ctx context.Context, name string) error
	WaitReady(ctx context.Context, name, user, db string, timeout time.Duration) error
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)
	UploadFile(ctx context.Context, name, destDir, filename string, content []byte) error
	DownloadPath(ctx context.Context, name, path string) ([]byte, error)
	PickAvailablePort(ctx context.Context, start int) (int, error)
	// WaitExited blocks until name stops running (or timeout elapses) and
	// returns its exit code, for one-shot containers started with a Cmd.
	WaitExited(ctx context.Context, name string, timeout time.Duration) (int, error)
}
