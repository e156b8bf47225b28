// Package state implements the durable store of projects and branches.
package state

import "time"

// StorageBackend names the copy-on-write mechanism a project's branches
// are cloned with. It round-trips through the database as text, not an
// integer, so the store stays readable with a plain SQLite client.
type StorageBackend string

const (
	StorageZFS       StorageBackend = "zfs"
	StorageAPFSClone StorageBackend = "apfs_clone"
	StorageReflink   StorageBackend = "reflink"
	StorageCopy      StorageBackend = "copy"
)

func (b StorageBackend) String() string { return string(b) }

// ParseStorageBackend parses the text form written by String, case
// sensitively, matching the column's persisted text exactly.
func ParseStorageBackend(s string) (StorageBackend, bool) {
	switch StorageBackend(s) {
	case StorageZFS, StorageAPFSClone, StorageReflink, StorageCopy:
		return StorageBackend(s), true
	default:
		return "", false
	}
}

// BranchState is the branch lifecycle state, see the state machine in
// SPEC_FULL.md §4.D.4.
type BranchState string

const (
	BranchProvisioning BranchState = "provisioning"
	BranchRunning       BranchState = "running"
	BranchStopped       BranchState = "stopped"
	BranchFailed        BranchState = "failed"
)

func (s BranchState) String() string { return string(s) }

// ParseBranchState parses the text form, falling back to BranchFailed so
// a corrupted or unrecognized row never turns into a zero value that a
// caller reads as "ready" by accident.
func ParseBranchState(s string) BranchState {
	switch BranchState(s) {
	case BranchProvisioning, BranchRunning, BranchStopped, BranchFailed:
		return BranchState(s)
	default:
		return BranchFailed
	}
}

// Project is one Git-repo-scoped collection of branches, all cloned from
// the same storage backend.
type Project struct {
	ID             string
	Name           string
	StorageBackend StorageBackend
	StorageConfig  string // opaque JSON blob, backend-specific (e.g. storage.ZFSProjectConfig)
	Image          string // container image used for every branch of this project
	CreatedAt      int64  // epoch millis
}

// Branch is one Postgres instance cloned from a parent branch (or created
// empty), backed by its own data directory and container.
type Branch struct {
	ID              string
	ProjectID       string
	Name            string
	ParentBranchID  *string
	State           BranchState
	ContainerName   string
	DataDir         string
	Port            int
	StorageMetadata string // opaque JSON blob, backend-specific (e.g. storage.ZFSBranchMetadata)
	CreatedAt       int64
}

// NowEpochMillis returns the current time as epoch milliseconds, the
// column format used throughout the store.
func NowEpochMillis() int64 {
	return time.Now().UnixMilli()
}
