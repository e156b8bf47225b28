package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
)

type fakeRuntime struct {
	containers map[string]runtime.ContainerStatus
	nextPort   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]runtime.ContainerStatus{}, nextPort: 55432}
}

func (f *fakeRuntime) Doctor(ctx context.Context) runtime.DoctorReport {
	return runtime.DoctorReport{Available: true}
}
func (f *fakeRuntime) ReserveBranch(project, branch string) string {
	return "pgbranch-" + project + "-" + branch
}
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error { return nil }
func (f *fakeRuntime) ContainerStatus(ctx context.Context, name string) (runtime.ContainerStatus, error) {
	st, ok := f.containers[name]
	if !ok {
		return runtime.StatusNotFound, nil
	}
	return st, nil
}
func (f *fakeRuntime) StartBranch(ctx context.Context, spec runtime.StartSpec) error {
	f.containers[spec.ContainerName] = runtime.StatusRunning
	return nil
}
func (f *fakeRuntime) StopBranch(ctx context.Context, name string, timeout time.Duration) error {
	f.containers[name] = runtime.StatusExited
	return nil
}
func (f *fakeRuntime) PauseBranch(ctx context.Context, name string) error {
	f.containers[name] = runtime.StatusPaused
	return nil
}
func (f *fakeRuntime) UnpauseBranch(ctx context.Context, name string) error {
	f.containers[name] = runtime.StatusRunning
	return nil
}
func (f *fakeRuntime) RemoveBranch(ctx context.Context, name string) error {
	delete(f.containers, name)
	return nil
}
func (f *fakeRuntime) WaitReady(ctx context.Context, name, user, db string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Exec(ctx context.Context, name string, cmd []string) (runtime.ExecResult, error) {
	return runtime.ExecResult{ExitCode: 0}, nil
}
func (f *fakeRuntime) UploadFile(ctx context.Context, name, destDir, filename string, content []byte) error {
	return nil
}
func (f *fakeRuntime) DownloadPath(ctx context.Context, name, path string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRuntime) PickAvailablePort(ctx context.Context, start int) (int, error) {
	if start > f.nextPort {
		f.nextPort = start
	}
	port := f.nextPort
	f.nextPort++
	return port, nil
}
func (f *fakeRuntime) WaitExited(ctx context.Context, name string, timeout time.Duration) (int, error) {
	f.containers[name] = runtime.StatusExited
	return 0, nil
}

var _ runtime.Runtime = (*fakeRuntime)(nil)

type fakeStorage struct {
	deletedBranches []string
	deletedProjects []string
}

func (f *fakeStorage) SelectForNewProject() (state.StorageBackend, string, error) {
	return state.StorageCopy, "{}", nil
}
func (f *fakeStorage) CreateEmptyBranch(project state.Project, branch state.Branch) (string, error) {
	return "{}", nil
}
func (f *fakeStorage) CloneBranchFromParent(project state.Project, parent, branch state.Branch) (string, error) {
	return "{}", nil
}
func (f *fakeStorage) DeleteBranchData(project state.Project, branch state.Branch) error {
	f.deletedBranches = append(f.deletedBranches, branch.ID)
	return nil
}
func (f *fakeStorage) DeleteProjectData(project state.Project) error {
	f.deletedProjects = append(f.deletedProjects, project.ID)
	return nil
}

var _ Storage = (*fakeStorage)(nil)

func newTestEngine(t *testing.T) (*Engine, *fakeRuntime, *fakeStorage) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := newFakeRuntime()
	fs := &fakeStorage{}
	e := &Engine{
		ProjectName: "testproj",
		DataRoot:    t.TempDir(),
		Store:       st,
		Runtime:     rt,
		Storage:     fs,
		Log:         zerolog.Nop(),
	}
	return e, rt, fs
}

func TestCreateBranchFirstIsParentless(t *testing.T) {
	e, _, _ := newTestEngine(t)
	b, err := e.CreateBranch(context.Background(), CreateBranchOptions{Name: "main"})
	require.NoError(t, err)
	require.Equal(t, state.BranchRunning, b.State)
	require.Nil(t, b.ParentBranchID)
}

func TestCreateBranchIdempotentWhenRunning(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	first, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)

	second, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateBranchAutoParentsFromMostRecent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	main, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)

	feature, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "feature"})
	require.NoError(t, err)
	require.NotNil(t, feature.ParentBranchID)
	require.Equal(t, main.ID, *feature.ParentBranchID)
}

func TestCreateBranchExplicitParentNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "b1"})
	require.NoError(t, err)

	_, err = e.CreateBranch(ctx, CreateBranchOptions{Name: "b2", FromBranch: "nope"})
	require.Error(t, err)
}

func TestStopThenStartRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)

	stopped, err := e.StopBranch(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, state.BranchStopped, stopped.State)

	started, err := e.StartBranch(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, state.BranchRunning, started.State)
}

func TestDeleteBranchRemovesRowAndData(t *testing.T) {
	e, _, fs := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)

	require.NoError(t, e.DeleteBranch(ctx, "main"))
	require.Len(t, fs.deletedBranches, 1)

	_, err = e.GetConnectionInfo(ctx, "main")
	require.Error(t, err)
}

func TestDestroyProjectRemovesEverything(t *testing.T) {
	e, _, fs := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)
	_, err = e.CreateBranch(ctx, CreateBranchOptions{Name: "feature"})
	require.NoError(t, err)

	names, err := e.DestroyProject(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"main", "feature"}, names)
	require.Len(t, fs.deletedProjects, 1)
}

func TestGetConnectionInfoForRunningBranch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateBranch(ctx, CreateBranchOptions{Name: "main"})
	require.NoError(t, err)

	info, err := e.GetConnectionInfo(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, "localhost", info.Host)
	require.Equal(t, "postgres", info.User)
}
