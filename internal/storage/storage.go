// Package storage implements the copy-on-write data-directory backends
// branches are cloned through: ZFS, APFS clone, Linux reflink, and a
// portable full-copy fallback.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
	"github.com/keylty/pgbranch/internal/state"
)

// DoctorEntry reports one backend's availability.
type DoctorEntry struct {
	Backend   state.StorageBackend
	Available bool
	Detail    string
}

// DoctorReport is the outcome of probing every backend, in preference
// order, to pick a default for new projects.
type DoctorReport struct {
	Entries        []DoctorEntry
	DefaultBackend state.StorageBackend
}

// ZFSProjectConfig is the opaque per-project storage_config payload for
// the ZFS backend.
type ZFSProjectConfig struct {
	RootDataset string `json:"root_dataset"`
}

// ZFSBranchMetadata is the opaque per-branch storage_metadata payload for
// the ZFS backend.
type ZFSBranchMetadata struct {
	Dataset        string `json:"dataset"`
	OriginSnapshot string `json:"origin_snapshot,omitempty"`
}

// Driver is a single copy-on-write backend.
type Driver interface {
	// CreateEmpty prepares a fresh, empty data directory for branch,
	// returning its opaque storage metadata.
	CreateEmpty(project state.Project, branch state.Branch) (string, error)
	// CloneFromParent clones parent's data into branch's data directory,
	// returning branch's opaque storage metadata.
	CloneFromParent(project state.Project, parent, branch state.Branch) (string, error)
	// DeleteBranch removes a branch's on-disk (and backend-specific)
	// state entirely.
	DeleteBranch(project state.Project, branch state.Branch) error
	// DeleteProject removes every remaining on-disk trace of project.
	DeleteProject(project state.Project) error
}

// Coordinator dispatches storage operations to the driver named by each
// project's StorageBackend, and runs the preference-ordered probe used to
// pick a default for newly created projects.
type Coordinator struct {
	ProjectsRoot string
	Local        *LocalDriver
	ZFS          *ZFSDriver
}

// New constructs a Coordinator rooted at projectsRoot (where every
// project's branch data directories live, except for backends like ZFS
// that relocate branch datasets to their own mountpoints).
func New(projectsRoot string) *Coordinator {
	return &Coordinator{
		ProjectsRoot: projectsRoot,
		Local:        &LocalDriver{ProjectsRoot: projectsRoot},
		ZFS:          &ZFSDriver{ProjectsRoot: projectsRoot},
	}
}

// Doctor probes every backend and reports which is available, preferring
// zfs, then apfs_clone, then reflink, then copy.
func (c *Coordinator) Doctor() DoctorReport {
	zfsEntry := c.ZFS.Detect()
	apfsEntry := c.Local.DetectAPFS()
	reflinkEntry := c.Local.DetectReflink()
	copyEntry := DoctorEntry{Backend: state.StorageCopy, Available: true, Detail: "full copy always available"}

	entries := []DoctorEntry{zfsEntry, apfsEntry, reflinkEntry, copyEntry}
	def := state.StorageCopy
	for _, e := range entries {
		if e.Available {
			def = e.Backend
			break
		}
	}
	return DoctorReport{Entries: entries, DefaultBackend: def}
}

// SelectForNewProject re-probes the system and returns the backend and
// serialized storage_config a brand-new project should persist.
func (c *Coordinator) SelectForNewProject() (state.StorageBackend, string, error) {
	report := c.Doctor()
	if report.DefaultBackend == state.StorageZFS {
		if c.ZFS.RootDataset == "" {
			return state.StorageCopy, "{}", nil
		}
		cfg, err := json.Marshal(ZFSProjectConfig{RootDataset: c.ZFS.RootDataset})
		if err != nil {
			return "", "", errors.Errorf("marshal zfs project config: %w", err)
		}
		return state.StorageZFS, string(cfg), nil
	}
	return report.DefaultBackend, "{}", nil
}

func (c *Coordinator) driverFor(backend state.StorageBackend) Driver {
	if backend == state.StorageZFS {
		return c.ZFS
	}
	// APFS clone, reflink and copy share one driver that downgrades
	// gracefully inside each operation based on LocalMode.
	return c.Local
}

// CreateEmptyBranch dispatches to the driver named by project's
// StorageBackend.
func (c *Coordinator) CreateEmptyBranch(project state.Project, branch state.Branch) (string, error) {
	return c.driverFor(project.StorageBackend).CreateEmpty(project, branch)
}

// CloneBranchFromParent dispatches to the driver named by project's
// StorageBackend.
func (c *Coordinator) CloneBranchFromParent(project state.Project, parent, branch state.Branch) (string, error) {
	return c.driverFor(project.StorageBackend).CloneFromParent(project, parent, branch)
}

// DeleteBranchData dispatches to the driver named by project's
// StorageBackend.
func (c *Coordinator) DeleteBranchData(project state.Project, branch state.Branch) error {
	return c.driverFor(project.StorageBackend).DeleteBranch(project, branch)
}

// DeleteProjectData dispatches to the driver named by project's
// StorageBackend.
func (c *Coordinator) DeleteProjectData(project state.Project) error {
	return c.driverFor(project.StorageBackend).DeleteProject(project)
}

// ParseZFSProjectConfig decodes a project's storage_config as
// ZFSProjectConfig, erroring if the field is missing or blank.
func ParseZFSProjectConfig(raw string) (ZFSProjectConfig, error) {
	var cfg ZFSProjectConfig
	if raw == "" {
		return cfg, errors.Errorf("missing zfs project config")
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, errors.Errorf("parse zfs project config: %w", err)
	}
	if cfg.RootDataset == "" {
		return cfg, errors.Errorf("zfs project config missing root_dataset")
	}
	return cfg, nil
}

// ParseZFSBranchMetadata decodes a branch's storage_metadata as
// ZFSBranchMetadata.
func ParseZFSBranchMetadata(raw string) (ZFSBranchMetadata, error) {
	var md ZFSBranchMetadata
	if raw == "" {
		return md, errors.Errorf("missing zfs branch metadata")
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return md, errors.Errorf("parse zfs branch metadata: %w", err)
	}
	return md, nil
}

// BranchRootFromDataDir returns the parent directory of a branch's pgdata
// leaf, the directory every driver actually creates/removes wholesale.
func BranchRootFromDataDir(dataDir string) string {
	return filepath.Dir(dataDir)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
