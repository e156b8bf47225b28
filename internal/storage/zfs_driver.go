package storage

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/keylty/pgbranch/internal/state"
)

// ZFSDriver implements the zfs backend: every project gets a dataset,
// every branch a child dataset explicitly mounted at its branch root, and
// clones go through a deterministically named snapshot.
type ZFSDriver struct {
	ProjectsRoot string
	RootDataset  string // populated by Detect
}

// Detect locates a usable ZFS root dataset, Linux only. PGBRANCH_ZFS_DATASET
// short-circuits detection; otherwise the dataset whose mountpoint is the
// longest prefix of ProjectsRoot wins. A probe dataset is created and
// destroyed to confirm write access before reporting success.
func (d *ZFSDriver) Detect() DoctorEntry {
	if runtime.GOOS != "linux" {
		return DoctorEntry{Backend: state.StorageZFS, Available: false, Detail: "not Linux"}
	}
	if _, err := exec.LookPath("zfs"); err != nil {
		return DoctorEntry{Backend: state.StorageZFS, Available: false, Detail: "zfs binary not found"}
	}

	if override := os.Getenv("PGBRANCH_ZFS_DATASET"); override != "" {
		d.RootDataset = override
	} else {
		ds, err := d.detectDatasetFromMountpoints()
		if err != nil {
			return DoctorEntry{Backend: state.StorageZFS, Available: false, Detail: err.Error()}
		}
		if ds == "" {
			return DoctorEntry{Backend: state.StorageZFS, Available: false, Detail: "no zfs dataset mounted under projects root"}
		}
		d.RootDataset = ds
	}

	probe := d.RootDataset + "/pgbranch_probe_" + uuid.NewString()
	if _, err := zfsOutput("create", "-p", probe); err != nil {
		return DoctorEntry{Backend: state.StorageZFS, Available: false, Detail: zfsFailureDetail(err)}
	}
	_, _ = zfsOutput("destroy", probe)

	return DoctorEntry{Backend: state.StorageZFS, Available: true, Detail: "root dataset " + d.RootDataset}
}

func zfsFailureDetail(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return "requires root privileges: " + msg
	}
	return msg
}

func (d *ZFSDriver) detectDatasetFromMountpoints() (string, error) {
	out, err := zfsOutput("list", "-H", "-o", "name,mountpoint")
	if err != nil {
		return "", errors.Errorf("zfs list: %w", err)
	}
	root, err := filepath.Abs(d.ProjectsRoot)
	if err != nil {
		return "", errors.Errorf("resolve projects root: %w", err)
	}

	best := ""
	bestLen := -1
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name, mountpoint := fields[0], fields[1]
		if mountpoint == "-" || mountpoint == "legacy" {
			continue
		}
		if !strings.HasPrefix(root, mountpoint) {
			continue
		}
		if len(mountpoint) > bestLen {
			best = name
			bestLen = len(mountpoint)
		}
	}
	return best, nil
}

func zfsOutput(args ...string) (string, error) {
	out, err := exec.Command("zfs", args...).CombinedOutput()
	if err != nil {
		return "", errors.Errorf("zfs %v: %w: %s", args, err, string(out))
	}
	return string(out), nil
}

func datasetExists(name string) bool {
	_, err := exec.Command("zfs", "list", "-H", "-o", "name", name).CombinedOutput()
	return err == nil
}

func (d *ZFSDriver) projectDataset(project state.Project) string {
	return d.RootDataset + "/projects/" + project.ID
}

func (d *ZFSDriver) branchDataset(project state.Project, branch state.Branch) string {
	return d.projectDataset(project) + "/branches/" + branch.ID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CreateEmpty ensures the project and branches parent datasets exist,
// then creates an explicitly-mounted branch dataset at branch's root.
func (d *ZFSDriver) CreateEmpty(project state.Project, branch state.Branch) (string, error) {
	cfg, err := ParseZFSProjectConfig(project.StorageConfig)
	if err != nil {
		return "", err
	}
	d.RootDataset = cfg.RootDataset

	projDS := d.projectDataset(project)
	branchesDS := projDS + "/branches"
	if !datasetExists(projDS) {
		if _, err := zfsOutput("create", "-p", "-o", "mountpoint=none", projDS); err != nil {
			return "", errors.Errorf("create project dataset: %w", err)
		}
	}
	if !datasetExists(branchesDS) {
		if _, err := zfsOutput("create", "-o", "mountpoint=none", branchesDS); err != nil {
			return "", errors.Errorf("create branches dataset: %w", err)
		}
	}

	ds := d.branchDataset(project, branch)
	if datasetExists(ds) {
		return "", errors.Errorf("branch dataset %s already exists", ds)
	}
	root := branchRoot(branch)
	if _, err := zfsOutput("create", "-o", "mountpoint="+root, ds); err != nil {
		return "", errors.Errorf("create branch dataset: %w", err)
	}
	if err := os.MkdirAll(branch.DataDir, 0o700); err != nil {
		return "", errors.Errorf("create data dir %s: %w", branch.DataDir, err)
	}

	md, err := jsonMarshalZFSBranchMetadata(ZFSBranchMetadata{Dataset: ds})
	if err != nil {
		return "", err
	}
	return md, nil
}

// CloneFromParent snapshots the parent's dataset and clones it into a
// newly, explicitly-mounted branch dataset.
func (d *ZFSDriver) CloneFromParent(project state.Project, parent, branch state.Branch) (string, error) {
	cfg, err := ParseZFSProjectConfig(project.StorageConfig)
	if err != nil {
		return "", err
	}
	d.RootDataset = cfg.RootDataset

	parentMD, err := ParseZFSBranchMetadata(parent.StorageMetadata)
	if err != nil {
		return "", err
	}

	childDS := d.branchDataset(project, branch)
	if datasetExists(childDS) {
		return "", errors.Errorf("branch dataset %s already exists", childDS)
	}

	snapshot := parentMD.Dataset + "@pgbranch_" + shortID(branch.ID)
	if _, err := zfsOutput("snapshot", snapshot); err != nil {
		return "", errors.Errorf("snapshot %s: %w", parentMD.Dataset, err)
	}

	root := branchRoot(branch)
	if _, err := zfsOutput("clone", "-o", "mountpoint="+root, snapshot, childDS); err != nil {
		return "", errors.Errorf("clone %s to %s: %w", snapshot, childDS, err)
	}
	if err := os.MkdirAll(branch.DataDir, 0o700); err != nil {
		return "", errors.Errorf("create data dir %s: %w", branch.DataDir, err)
	}

	md, err := jsonMarshalZFSBranchMetadata(ZFSBranchMetadata{Dataset: childDS, OriginSnapshot: snapshot})
	if err != nil {
		return "", err
	}
	return md, nil
}

// DeleteBranch destroys the branch's dataset and origin snapshot
// best-effort, then removes the branch root directory if it remains.
func (d *ZFSDriver) DeleteBranch(project state.Project, branch state.Branch) error {
	md, err := ParseZFSBranchMetadata(branch.StorageMetadata)
	if err == nil {
		_, _ = zfsOutput("destroy", "-r", md.Dataset)
		if md.OriginSnapshot != "" {
			_, _ = zfsOutput("destroy", md.OriginSnapshot)
		}
	}
	root := branchRoot(branch)
	if dirExists(root) {
		if err := os.RemoveAll(root); err != nil {
			return errors.Errorf("remove branch root %s: %w", root, err)
		}
	}
	return nil
}

// DeleteProject destroys the project's dataset recursively (a failure is
// ignored, not fatal) then removes any leftover local project directory.
func (d *ZFSDriver) DeleteProject(project state.Project) error {
	cfg, err := ParseZFSProjectConfig(project.StorageConfig)
	if err == nil {
		d.RootDataset = cfg.RootDataset
		if _, zerr := zfsOutput("destroy", "-r", "-f", d.projectDataset(project)); zerr != nil {
			// Best-effort: dataset may already be gone, or this host may
			// never have created it in the first place.
			_ = zerr
		}
	}
	projectDir := filepath.Join(d.ProjectsRoot, "projects", project.ID)
	if dirExists(projectDir) {
		if err := os.RemoveAll(projectDir); err != nil {
			return errors.Errorf("remove project dir %s: %w", projectDir, err)
		}
	}
	return nil
}

func jsonMarshalZFSBranchMetadata(md ZFSBranchMetadata) (string, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return "", errors.Errorf("marshal zfs branch metadata: %w", err)
	}
	return string(b), nil
}
