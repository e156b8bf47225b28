package storage

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/go-errors/errors"
	"github.com/keylty/pgbranch/internal/state"
)

// LocalMode selects which `cp` invocation LocalDriver issues, with each
// mode falling back to a plain recursive copy if its CoW-specific flag
// combination fails (e.g. the target filesystem doesn't actually support
// clones despite the platform probe succeeding elsewhere).
type LocalMode int

const (
	ModeCopy LocalMode = iota
	ModeAPFSClone
	ModeReflink
)

// LocalDriver implements the apfs_clone, reflink and copy backends: all
// three ultimately shell out to `cp`, differing only in which flags they
// try first.
type LocalDriver struct {
	ProjectsRoot string
}

// DetectAPFS probes for `cp -c` (APFS clone) support. Only meaningful on
// macOS.
func (d *LocalDriver) DetectAPFS() DoctorEntry {
	if runtime.GOOS != "darwin" {
		return DoctorEntry{Backend: state.StorageAPFSClone, Available: false, Detail: "not macOS"}
	}
	ok, detail := d.probeCopyFlag([]string{"-c"})
	return DoctorEntry{Backend: state.StorageAPFSClone, Available: ok, Detail: detail}
}

// DetectReflink probes for `cp --reflink=always` support. Only meaningful
// on Linux.
func (d *LocalDriver) DetectReflink() DoctorEntry {
	if runtime.GOOS != "linux" {
		return DoctorEntry{Backend: state.StorageReflink, Available: false, Detail: "not Linux"}
	}
	ok, detail := d.probeCopyFlag([]string{"-a", "--reflink=always"})
	return DoctorEntry{Backend: state.StorageReflink, Available: ok, Detail: detail}
}

func (d *LocalDriver) probeCopyFlag(flags []string) (bool, string) {
	probeDir, err := os.MkdirTemp(d.ProjectsRoot, "pgbranch_probe_")
	if err != nil {
		return false, "cannot create probe dir: " + err.Error()
	}
	defer os.RemoveAll(probeDir)

	src := filepath.Join(probeDir, "src")
	dst := filepath.Join(probeDir, "dst")
	if err := os.WriteFile(src, []byte("probe"), 0o644); err != nil {
		return false, "cannot write probe file: " + err.Error()
	}

	args := append(append([]string{}, flags...), src, dst)
	if out, err := exec.Command("cp", args...).CombinedOutput(); err != nil {
		return false, string(out)
	}
	return true, "cp " + flagsJoined(flags) + " supported"
}

func flagsJoined(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func branchRoot(branch state.Branch) string {
	return BranchRootFromDataDir(branch.DataDir)
}

// CreateEmpty recreates branch's data directory from scratch.
func (d *LocalDriver) CreateEmpty(project state.Project, branch state.Branch) (string, error) {
	if err := recreateDir(branchRoot(branch), branch.DataDir); err != nil {
		return "", err
	}
	return "{}", nil
}

// CloneFromParent recreates branch's data directory and copies parent's
// pgdata into it, trying the backend's CoW-specific `cp` flags first and
// falling back to a plain recursive copy on failure.
func (d *LocalDriver) CloneFromParent(project state.Project, parent, branch state.Branch) (string, error) {
	if !dirExists(parent.DataDir) {
		return "", errors.Errorf("parent data directory %s does not exist", parent.DataDir)
	}
	if err := recreateDir(branchRoot(branch), branch.DataDir); err != nil {
		return "", err
	}

	mode := modeFor(project.StorageBackend)
	if err := copyTree(mode, parent.DataDir, branch.DataDir); err != nil {
		return "", err
	}
	return "{}", nil
}

func modeFor(backend state.StorageBackend) LocalMode {
	switch backend {
	case state.StorageAPFSClone:
		return ModeAPFSClone
	case state.StorageReflink:
		return ModeReflink
	default:
		return ModeCopy
	}
}

func copyTree(mode LocalMode, src, dst string) error {
	srcContents := filepath.Join(src, ".")
	switch mode {
	case ModeAPFSClone:
		if err := runCp([]string{"-cR", srcContents, dst}); err == nil {
			return nil
		}
		return runCp([]string{"-R", srcContents, dst})
	case ModeReflink:
		if err := runCp([]string{"-a", "--reflink=auto", srcContents, dst}); err == nil {
			return nil
		}
		return runCp([]string{"-a", srcContents, dst})
	default:
		return runCp([]string{"-a", srcContents, dst})
	}
}

func runCp(args []string) error {
	out, err := exec.Command("cp", args...).CombinedOutput()
	if err != nil {
		return errors.Errorf("cp %v: %w: %s", args, err, string(out))
	}
	return nil
}

// recreateDir removes root entirely (guaranteeing no stale residue) then
// recreates just the dataDir leaf.
func recreateDir(root, dataDir string) error {
	if err := os.RemoveAll(root); err != nil {
		return errors.Errorf("remove %s: %w", root, err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Errorf("create %s: %w", dataDir, err)
	}
	return nil
}

// DeleteBranch removes branch's data directory tree if present.
func (d *LocalDriver) DeleteBranch(project state.Project, branch state.Branch) error {
	root := branchRoot(branch)
	if !dirExists(root) {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return errors.Errorf("remove branch dir %s: %w", root, err)
	}
	return nil
}

// DeleteProject removes the project's directory under ProjectsRoot, if
// any branch data was ever written there.
func (d *LocalDriver) DeleteProject(project state.Project) error {
	projectDir := filepath.Join(d.ProjectsRoot, "projects", project.ID)
	if !dirExists(projectDir) {
		return nil
	}
	if err := os.RemoveAll(projectDir); err != nil {
		return errors.Errorf("remove project dir %s: %w", projectDir, err)
	}
	return nil
}
