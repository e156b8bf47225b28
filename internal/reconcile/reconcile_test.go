package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
)

type fakeRuntime struct {
	available bool
	statuses  map[string]runtime.ContainerStatus
	unpaused  map[string]bool
}

func (f *fakeRuntime) Doctor(ctx context.Context) runtime.DoctorReport {
	return runtime.DoctorReport{Available: f.available}
}
func (f *fakeRuntime) ReserveBranch(project, branch string) string { return project + "-" + branch }
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error { return nil }
func (f *fakeRuntime) ContainerStatus(ctx context.Context, name string) (runtime.ContainerStatus, error) {
	return f.statuses[name], nil
}
func (f *fakeRuntime) StartBranch(ctx context.Context, spec runtime.StartSpec) error { return nil }
func (f *fakeRuntime) StopBranch(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) PauseBranch(ctx context.Context, name string) error { return nil }
func (f *fakeRuntime) UnpauseBranch(ctx context.Context, name string) error {
	if f.unpaused == nil {
		f.unpaused = map[string]bool{}
	}
	f.unpaused[name] = true
	return nil
}
func (f *fakeRuntime) RemoveBranch(ctx context.Context, name string) error { return nil }
func (f *fakeRuntime) WaitReady(ctx context.Context, name, user, db string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Exec(ctx context.Context, name string, cmd []string) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}
func (f *fakeRuntime) UploadFile(ctx context.Context, name, destDir, filename string, content []byte) error {
	return nil
}
func (f *fakeRuntime) DownloadPath(ctx context.Context, name, path string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRuntime) PickAvailablePort(ctx context.Context, start int) (int, error) { return start, nil }
func (f *fakeRuntime) WaitExited(ctx context.Context, name string, timeout time.Duration) (int, error) {
	return 0, nil
}

var _ runtime.Runtime = (*fakeRuntime)(nil)

func TestComputeEmptyBranches(t *testing.T) {
	changes := Compute(context.Background(), &fakeRuntime{available: true}, nil, zerolog.Nop())
	require.Nil(t, changes)
}

func TestComputeRuntimeUnavailableDemotesOnlyProvisioning(t *testing.T) {
	branches := []state.Branch{
		{ID: "1", ContainerName: "c1", State: state.BranchProvisioning},
		{ID: "2", ContainerName: "c2", State: state.BranchRunning},
	}
	changes := Compute(context.Background(), &fakeRuntime{available: false}, branches, zerolog.Nop())
	require.Len(t, changes, 1)
	require.Equal(t, "1", changes[0].BranchID)
	require.Equal(t, state.BranchStopped, changes[0].NextState)
}

func TestComputeExitedWithDataBecomesStopped(t *testing.T) {
	dir := t.TempDir()
	branches := []state.Branch{
		{ID: "1", ContainerName: "c1", State: state.BranchRunning, DataDir: dir},
	}
	rt := &fakeRuntime{available: true, statuses: map[string]runtime.ContainerStatus{"c1": runtime.StatusExited}}
	changes := Compute(context.Background(), rt, branches, zerolog.Nop())
	require.Len(t, changes, 1)
	require.Equal(t, state.BranchStopped, changes[0].NextState)
}

func TestComputeNotFoundWithoutDataBecomesFailed(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	os.RemoveAll(missing)
	branches := []state.Branch{
		{ID: "1", ContainerName: "c1", State: state.BranchRunning, DataDir: missing},
	}
	rt := &fakeRuntime{available: true, statuses: map[string]runtime.ContainerStatus{"c1": runtime.StatusNotFound}}
	changes := Compute(context.Background(), rt, branches, zerolog.Nop())
	require.Len(t, changes, 1)
	require.Equal(t, state.BranchFailed, changes[0].NextState)
}

func TestComputePausedUnpauses(t *testing.T) {
	branches := []state.Branch{
		{ID: "1", ContainerName: "c1", State: state.BranchRunning},
	}
	rt := &fakeRuntime{available: true, statuses: map[string]runtime.ContainerStatus{"c1": runtime.StatusPaused}}
	changes := Compute(context.Background(), rt, branches, zerolog.Nop())
	require.Len(t, changes, 0)
	require.True(t, rt.unpaused["c1"])
}

func TestComputeNoChangeWhenStateMatches(t *testing.T) {
	branches := []state.Branch{
		{ID: "1", ContainerName: "c1", State: state.BranchRunning},
	}
	rt := &fakeRuntime{available: true, statuses: map[string]runtime.ContainerStatus{"c1": runtime.StatusRunning}}
	changes := Compute(context.Background(), rt, branches, zerolog.Nop())
	require.Empty(t, changes)
}
