package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylty/pgbranch/internal/state"
)

func TestLocalDriverCreateAndCloneRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := &LocalDriver{ProjectsRoot: root}

	project := state.Project{ID: "proj1", StorageBackend: state.StorageCopy}
	parent := state.Branch{ID: "b1", DataDir: filepath.Join(root, "b1", "pgdata")}

	_, err := d.CreateEmpty(project, parent)
	require.NoError(t, err)
	require.DirExists(t, parent.DataDir)

	marker := filepath.Join(parent.DataDir, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("hello"), 0o644))

	child := state.Branch{ID: "b2", DataDir: filepath.Join(root, "b2", "pgdata")}
	_, err = d.CloneFromParent(project, parent, child)
	require.NoError(t, err)

	cloned := filepath.Join(child.DataDir, "marker.txt")
	content, err := os.ReadFile(cloned)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

func TestLocalDriverDeleteBranchRemovesRoot(t *testing.T) {
	root := t.TempDir()
	d := &LocalDriver{ProjectsRoot: root}
	project := state.Project{StorageBackend: state.StorageCopy}
	branch := state.Branch{ID: "b1", DataDir: filepath.Join(root, "b1", "pgdata")}

	_, err := d.CreateEmpty(project, branch)
	require.NoError(t, err)
	require.NoError(t, d.DeleteBranch(project, branch))
	require.NoDirExists(t, branchRoot(branch))
}

func TestLocalDriverCloneMissingParentErrors(t *testing.T) {
	root := t.TempDir()
	d := &LocalDriver{ProjectsRoot: root}
	project := state.Project{StorageBackend: state.StorageCopy}
	parent := state.Branch{ID: "missing", DataDir: filepath.Join(root, "missing", "pgdata")}
	child := state.Branch{ID: "child", DataDir: filepath.Join(root, "child", "pgdata")}

	_, err := d.CloneFromParent(project, parent, child)
	require.Error(t, err)
}
