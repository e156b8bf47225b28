// Package engine implements the branching engine: the orchestration layer
// that turns project/branch intent into container and storage operations,
// backed by the durable state store.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/keylty/pgbranch/internal/reconcile"
	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
)

// Storage is the subset of internal/storage.Coordinator the engine needs,
// narrowed to an interface so tests can fake storage without shelling out
// to cp/zfs.
type Storage interface {
	SelectForNewProject() (state.StorageBackend, string, error)
	CreateEmptyBranch(project state.Project, branch state.Branch) (string, error)
	CloneBranchFromParent(project state.Project, parent, branch state.Branch) (string, error)
	DeleteBranchData(project state.Project, branch state.Branch) error
	DeleteProjectData(project state.Project) error
}

const (
	// DefaultImage is used when a project does not pin one.
	DefaultImage = "postgres:17"
	// DefaultPortRangeStart is the first port the engine tries to hand
	// out to a brand-new branch.
	DefaultPortRangeStart = 55432
	// StartupTimeout bounds how long StartBranch/CreateBranch wait for a
	// freshly started container to answer pg_isready.
	StartupTimeout = 120 * time.Second
	// StopTimeout bounds how long StopBranch waits for a graceful
	// shutdown before Docker is allowed to force-kill the container.
	StopTimeout = 20 * time.Second
)

// Engine is the branching engine for one pgbranch-managed data root. It
// owns the state store and dispatches to the container runtime and
// storage coordinator, never holding the store's mutex across either.
type Engine struct {
	ProjectName     string
	Image           string
	PortRangeStart  int
	PostgresUser    string
	PostgresPass    string
	PostgresDB      string
	DataRoot        string

	Store    *state.Store
	Runtime  runtime.Runtime
	Storage  Storage
	Log      zerolog.Logger
}

// ConnectionInfo is what a caller needs to connect to a running branch.
type ConnectionInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// EnsureProject reads the engine's project row, creating it (and
// selecting its storage backend) on first use, then reconciles every
// branch's recorded state against what the container runtime actually
// reports before returning — so a caller never acts on a stale state
// left behind by a crash or an out-of-band `docker stop`/`docker rm`.
func (e *Engine) EnsureProject(ctx context.Context) (state.Project, error) {
	project, err := e.ensureProjectRow(ctx)
	if err != nil {
		return state.Project{}, err
	}
	if err := e.reconcileProject(ctx, project); err != nil {
		return state.Project{}, err
	}
	return project, nil
}

func (e *Engine) ensureProjectRow(ctx context.Context) (state.Project, error) {
	if p, ok, err := e.Store.GetProjectByName(e.ProjectName); err != nil {
		return state.Project{}, Wrap(KindInternal, "ensure_project", "", err)
	} else if ok {
		return p, nil
	}

	backend, cfg, err := e.Storage.SelectForNewProject()
	if err != nil {
		return state.Project{}, Wrap(KindStorageUnavailable, "ensure_project", "", err)
	}
	p, err := e.Store.CreateProject(e.ProjectName, backend, e.image(), cfg)
	if err != nil {
		return state.Project{}, Wrap(KindInternal, "ensure_project", "", err)
	}
	e.Log.Info().Str("project", p.Name).Str("storage_backend", string(backend)).Msg("created project")
	return p, nil
}

// reconcileProject computes and applies the state changes needed to bring
// the store back in sync with the runtime's own view of each branch's
// container, e.g. after a crash left a provisioning branch half-started
// or an operator stopped a container outside pgbranch.
func (e *Engine) reconcileProject(ctx context.Context, project state.Project) error {
	branches, err := e.Store.ListBranches(project.ID)
	if err != nil {
		return Wrap(KindInternal, "reconcile_project", "", err)
	}
	changes := reconcile.Compute(ctx, e.Runtime, branches, e.Log)
	for _, c := range changes {
		if err := e.Store.UpdateBranchState(c.BranchID, c.NextState); err != nil {
			return Wrap(KindInternal, "reconcile_project", "", err)
		}
	}
	return nil
}

func (e *Engine) image() string {
	if e.Image != "" {
		return e.Image
	}
	return DefaultImage
}

func (e *Engine) portRangeStart() int {
	if e.PortRangeStart != 0 {
		return e.PortRangeStart
	}
	return DefaultPortRangeStart
}

// ListBranches reconciles and then returns every branch of the engine's
// project, most recently created first. ParentBranchID is left as the
// parent's id; it is not resolved to the parent's name.
func (e *Engine) ListBranches(ctx context.Context) ([]state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := e.Store.ListBranches(project.ID)
	if err != nil {
		return nil, Wrap(KindInternal, "list_branches", "", err)
	}
	return branches, nil
}

func nameIndex(branches []state.Branch) map[string]state.Branch {
	idx := make(map[string]state.Branch, len(branches))
	for _, b := range branches {
		idx[b.ID] = b
	}
	return idx
}

// mostRecentRunningOrStopped returns the most recently created branch
// that is Running or Stopped, used as the implicit parent when a create
// call does not name one explicitly.
func mostRecentRunningOrStopped(branches []state.Branch) (state.Branch, bool) {
	sorted := append([]state.Branch(nil), branches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })
	for _, b := range sorted {
		if b.State == state.BranchRunning || b.State == state.BranchStopped {
			return b, true
		}
	}
	return state.Branch{}, false
}

// CreateBranchOptions customizes CreateBranch.
type CreateBranchOptions struct {
	Name       string
	FromBranch string // explicit parent branch name; empty selects automatically
}

// CreateBranch provisions a new branch, cloning from an explicit or
// automatically selected parent (or starting empty if this is the
// project's first branch), and returns once the new container answers
// pg_isready.
//
// Idempotent: calling it again with the name of an already-running branch
// returns that branch unchanged rather than erroring.
func (e *Engine) CreateBranch(ctx context.Context, opts CreateBranchOptions) (state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return state.Branch{}, err
	}

	if existing, ok, err := e.Store.GetBranchByName(project.ID, opts.Name); err != nil {
		return state.Branch{}, Wrap(KindInternal, "create_branch", opts.Name, err)
	} else if ok && existing.State == state.BranchRunning {
		return existing, nil
	} else if ok {
		return state.Branch{}, Wrap(KindAlreadyExists, "create_branch", opts.Name, ErrBranchExists)
	}

	siblings, err := e.Store.ListBranches(project.ID)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "create_branch", opts.Name, err)
	}

	var parent *state.Branch
	if opts.FromBranch != "" {
		idx := make(map[string]state.Branch, len(siblings))
		for _, b := range siblings {
			idx[b.Name] = b
		}
		p, ok := idx[opts.FromBranch]
		if !ok {
			return state.Branch{}, Wrap(KindNotFound, "create_branch", opts.Name, ErrParentNotFound)
		}
		parent = &p
	} else if p, ok := mostRecentRunningOrStopped(siblings); ok {
		parent = &p
	}

	containerName := e.Runtime.ReserveBranch(project.Name, opts.Name)
	port, err := e.allocatePort(ctx)
	if err != nil {
		return state.Branch{}, Wrap(KindPreconditionFailed, "create_branch", opts.Name, err)
	}

	dataDir := e.dataDirFor(project, opts.Name)
	branch := state.Branch{
		ProjectID:     project.ID,
		Name:          opts.Name,
		State:         state.BranchProvisioning,
		ContainerName: containerName,
		DataDir:       dataDir,
		Port:          port,
	}
	if parent != nil {
		id := parent.ID
		branch.ParentBranchID = &id
	}

	metadata, err := e.cloneOrCreateData(ctx, project, parent, branch)
	if err != nil {
		return state.Branch{}, err
	}
	branch.StorageMetadata = metadata

	created, err := e.Store.CreateBranch(branch)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "create_branch", opts.Name, err)
	}

	if err := e.startAndWait(ctx, project, created); err != nil {
		_ = e.Store.UpdateBranchState(created.ID, state.BranchFailed)
		return state.Branch{}, err
	}

	if err := e.Store.UpdateBranchState(created.ID, state.BranchRunning); err != nil {
		return state.Branch{}, Wrap(KindInternal, "create_branch", opts.Name, err)
	}
	created.State = state.BranchRunning
	return created, nil
}

// cloneOrCreateData runs the parent-quiesce protocol: pause the parent
// (if running) before cloning its data, and ALWAYS unpause it afterward,
// including when the clone itself fails.
func (e *Engine) cloneOrCreateData(ctx context.Context, project state.Project, parent *state.Branch, branch state.Branch) (metadata string, err error) {
	if parent == nil {
		return e.Storage.CreateEmptyBranch(project, branch)
	}

	wasRunning := parent.State == state.BranchRunning
	if wasRunning {
		if perr := e.Runtime.PauseBranch(ctx, parent.ContainerName); perr != nil {
			return "", Wrap(KindRuntimeUnavailable, "create_branch", branch.Name, perr)
		}
		defer func() {
			if uerr := e.Runtime.UnpauseBranch(ctx, parent.ContainerName); uerr != nil {
				e.Log.Warn().Err(uerr).Str("container", parent.ContainerName).Msg("failed to unpause parent after clone")
			}
		}()
	}

	metadata, cloneErr := e.Storage.CloneBranchFromParent(project, *parent, branch)
	if cloneErr != nil {
		return "", Wrap(KindStorageUnavailable, "create_branch", branch.Name, cloneErr)
	}
	return metadata, nil
}

func (e *Engine) allocatePort(ctx context.Context) (int, error) {
	floor, err := e.Store.NextPort(e.portRangeStart())
	if err != nil {
		return 0, err
	}
	if floor < e.portRangeStart() {
		floor = e.portRangeStart()
	}
	port, err := e.Runtime.PickAvailablePort(ctx, floor)
	if err != nil {
		return 0, ErrPortRangeExhausted
	}
	return port, nil
}

func (e *Engine) dataDirFor(project state.Project, branchName string) string {
	return e.DataRoot + "/projects/" + project.ID + "/branches/" + branchName + "/pgdata"
}

func (e *Engine) startAndWait(ctx context.Context, project state.Project, branch state.Branch) error {
	image := project.Image
	if image == "" {
		image = e.image()
	}
	if err := e.Runtime.EnsureImage(ctx, image); err != nil {
		return Wrap(KindRuntimeUnavailable, "create_branch", branch.Name, err)
	}

	uid, gid := hostIDs()
	spec := runtime.StartSpec{
		ContainerName: branch.ContainerName,
		Image:         image,
		DataDir:       branch.DataDir,
		Port:          branch.Port,
		User:          e.postgresUser(),
		Password:      e.postgresPass(),
		Database:      e.postgresDB(),
		HostUID:       uid,
		HostGID:       gid,
	}
	if err := e.Runtime.StartBranch(ctx, spec); err != nil {
		return Wrap(KindRuntimeUnavailable, "create_branch", branch.Name, err)
	}
	if err := e.Runtime.WaitReady(ctx, branch.ContainerName, e.postgresUser(), e.postgresDB(), StartupTimeout); err != nil {
		return Wrap(KindTimeout, "create_branch", branch.Name, err)
	}
	return nil
}

func (e *Engine) postgresUser() string {
	if e.PostgresUser != "" {
		return e.PostgresUser
	}
	return "postgres"
}

func (e *Engine) postgresPass() string {
	if e.PostgresPass != "" {
		return e.PostgresPass
	}
	return "postgres"
}

func (e *Engine) postgresDB() string {
	if e.PostgresDB != "" {
		return e.PostgresDB
	}
	return "postgres"
}

// StartBranch starts a stopped (or already running) branch's container
// and waits for it to become ready.
func (e *Engine) StartBranch(ctx context.Context, name string) (state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return state.Branch{}, err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "start_branch", name, err)
	}
	if !ok {
		return state.Branch{}, Wrap(KindNotFound, "start_branch", name, ErrBranchNotFound)
	}

	if err := e.startAndWait(ctx, project, branch); err != nil {
		_ = e.Store.UpdateBranchState(branch.ID, state.BranchFailed)
		return state.Branch{}, err
	}
	if err := e.Store.UpdateBranchState(branch.ID, state.BranchRunning); err != nil {
		return state.Branch{}, Wrap(KindInternal, "start_branch", name, err)
	}
	branch.State = state.BranchRunning
	return branch, nil
}

// StopBranch stops a running branch's container, leaving its data intact.
func (e *Engine) StopBranch(ctx context.Context, name string) (state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return state.Branch{}, err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "stop_branch", name, err)
	}
	if !ok {
		return state.Branch{}, Wrap(KindNotFound, "stop_branch", name, ErrBranchNotFound)
	}

	if err := e.Runtime.StopBranch(ctx, branch.ContainerName, StopTimeout); err != nil {
		return state.Branch{}, Wrap(KindRuntimeUnavailable, "stop_branch", name, err)
	}
	if err := e.Store.UpdateBranchState(branch.ID, state.BranchStopped); err != nil {
		return state.Branch{}, Wrap(KindInternal, "stop_branch", name, err)
	}
	branch.State = state.BranchStopped
	return branch, nil
}

// SwitchToBranch starts name if it is stopped, leaving it untouched if
// already running, and returns the branch ready to connect to.
func (e *Engine) SwitchToBranch(ctx context.Context, name string) (state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return state.Branch{}, err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "switch_to_branch", name, err)
	}
	if !ok {
		return state.Branch{}, Wrap(KindNotFound, "switch_to_branch", name, ErrBranchNotFound)
	}
	if branch.State == state.BranchRunning {
		return branch, nil
	}
	return e.StartBranch(ctx, name)
}

// ResetBranch re-clones branch's data directory from its parent (if any)
// or recreates it empty, using the same pause/clone/unpause protocol as
// CreateBranch but reusing the SAME data directory and container. If the
// branch was running before the reset, it is restarted; otherwise it is
// left stopped.
func (e *Engine) ResetBranch(ctx context.Context, name string) (state.Branch, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return state.Branch{}, err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return state.Branch{}, Wrap(KindInternal, "reset_branch", name, err)
	}
	if !ok {
		return state.Branch{}, Wrap(KindNotFound, "reset_branch", name, ErrBranchNotFound)
	}

	wasRunning := branch.State == state.BranchRunning
	if err := e.Runtime.StopBranch(ctx, branch.ContainerName, StopTimeout); err != nil {
		return state.Branch{}, Wrap(KindRuntimeUnavailable, "reset_branch", name, err)
	}

	var parent *state.Branch
	if branch.ParentBranchID != nil {
		siblings, err := e.Store.ListBranches(project.ID)
		if err != nil {
			return state.Branch{}, Wrap(KindInternal, "reset_branch", name, err)
		}
		idx := nameIndex(siblings)
		if p, ok := idx[*branch.ParentBranchID]; ok {
			parent = &p
		}
	}

	metadata, err := e.cloneOrCreateData(ctx, project, parent, branch)
	if err != nil {
		return state.Branch{}, err
	}
	if err := e.Store.UpdateBranchStorageMetadata(branch.ID, metadata); err != nil {
		return state.Branch{}, Wrap(KindInternal, "reset_branch", name, err)
	}
	branch.StorageMetadata = metadata

	if !wasRunning {
		if err := e.Store.UpdateBranchState(branch.ID, state.BranchStopped); err != nil {
			return state.Branch{}, Wrap(KindInternal, "reset_branch", name, err)
		}
		branch.State = state.BranchStopped
		return branch, nil
	}

	if err := e.startAndWait(ctx, project, branch); err != nil {
		_ = e.Store.UpdateBranchState(branch.ID, state.BranchFailed)
		return state.Branch{}, err
	}
	if err := e.Store.UpdateBranchState(branch.ID, state.BranchRunning); err != nil {
		return state.Branch{}, Wrap(KindInternal, "reset_branch", name, err)
	}
	branch.State = state.BranchRunning
	return branch, nil
}

// DeleteBranch stops and removes branch's container and data, then
// removes its row from the store.
func (e *Engine) DeleteBranch(ctx context.Context, name string) error {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return Wrap(KindInternal, "delete_branch", name, err)
	}
	if !ok {
		return Wrap(KindNotFound, "delete_branch", name, ErrBranchNotFound)
	}

	if err := e.Runtime.RemoveBranch(ctx, branch.ContainerName); err != nil {
		return Wrap(KindRuntimeUnavailable, "delete_branch", name, err)
	}
	if err := e.Storage.DeleteBranchData(project, branch); err != nil {
		return Wrap(KindStorageUnavailable, "delete_branch", name, err)
	}
	if err := e.Store.DeleteBranch(branch.ID); err != nil {
		return Wrap(KindInternal, "delete_branch", name, err)
	}
	return nil
}

// GetConnectionInfo returns how to connect to a running branch.
func (e *Engine) GetConnectionInfo(ctx context.Context, name string) (ConnectionInfo, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}
	branch, ok, err := e.Store.GetBranchByName(project.ID, name)
	if err != nil {
		return ConnectionInfo{}, Wrap(KindInternal, "get_connection_info", name, err)
	}
	if !ok {
		return ConnectionInfo{}, Wrap(KindNotFound, "get_connection_info", name, ErrBranchNotFound)
	}
	return ConnectionInfo{
		Host:     "localhost",
		Port:     branch.Port,
		User:     e.postgresUser(),
		Password: e.postgresPass(),
		Database: e.postgresDB(),
	}, nil
}

// DestroyProject removes every branch's container (best effort, logging
// failures rather than aborting) and then strictly deletes storage and
// the project row itself, returning the names of the branches that
// existed.
func (e *Engine) DestroyProject(ctx context.Context) ([]string, error) {
	project, err := e.EnsureProject(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := e.Store.ListBranches(project.ID)
	if err != nil {
		return nil, Wrap(KindInternal, "destroy_project", "", err)
	}

	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, b.Name)
		if err := e.Runtime.RemoveBranch(ctx, b.ContainerName); err != nil {
			e.Log.Warn().Err(err).Str("branch", b.Name).Msg("failed to remove container during project destroy")
		}
	}

	if err := e.Storage.DeleteProjectData(project); err != nil {
		return nil, Wrap(KindStorageUnavailable, "destroy_project", "", err)
	}
	if err := e.Store.DeleteProject(project.ID); err != nil {
		return nil, Wrap(KindInternal, "destroy_project", "", err)
	}
	return names, nil
}

func hostIDs() (*int, *int) {
	return runtime.HostUIDGID()
}
