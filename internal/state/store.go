package state

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-errors/errors"
	"github.com/google/uuid"
)

// Store is the single-process, mutex-guarded handle to the SQLite-backed
// state database. Every exported query or update acquires mu for its own
// duration only and releases it before returning, so the lock is never
// held across a caller's call into internal/runtime or internal/storage,
// which block on Docker/filesystem I/O; callers work on the copied-out
// results instead.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and brings
// its schema up to date via additive migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, errors.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			parent_branch_id TEXT REFERENCES branches(id) ON DELETE SET NULL,
			state TEXT NOT NULL,
			container_name TEXT NOT NULL,
			data_dir TEXT NOT NULL,
			port INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(project_id, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Errorf("init schema: %w", err)
		}
	}
	// Additive-only migrations: columns added after the tables above
	// shipped are ensured here rather than folded into the CREATE TABLE,
	// so existing on-disk databases upgrade in place without a destructive
	// migration step.
	if err := s.ensureColumn("projects", "storage_backend", "TEXT NOT NULL DEFAULT 'copy'"); err != nil {
		return err
	}
	if err := s.ensureColumn("projects", "storage_config", "TEXT NOT NULL DEFAULT '{}'"); err != nil {
		return err
	}
	if err := s.ensureColumn("projects", "image", "TEXT NOT NULL DEFAULT 'postgres:17'"); err != nil {
		return err
	}
	if err := s.ensureColumn("branches", "storage_metadata", "TEXT NOT NULL DEFAULT '{}'"); err != nil {
		return err
	}
	return nil
}

func (s *Store) ensureColumn(table, column, ddlType string) error {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return errors.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return errors.Errorf("scan table_info(%s): %w", table, err)
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Errorf("iterate table_info(%s): %w", table, err)
	}

	alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddlType)
	if _, err := s.db.Exec(alter); err != nil {
		return errors.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// ListProjects returns every known project, in no particular order.
func (s *Store) ListProjects() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, name, storage_backend, storage_config, image, created_at FROM projects`)
	if err != nil {
		return nil, errors.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProjectByName looks up a project by its unique name, returning
// (Project{}, false, nil) when absent.
func (s *Store) GetProjectByName(name string) (Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT id, name, storage_backend, storage_config, image, created_at FROM projects WHERE name = ?`, name)
	p, err := scanProjectRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Project{}, false, nil
	}
	if err != nil {
		return Project{}, false, errors.Errorf("get project %q: %w", name, err)
	}
	return p, true, nil
}

// CreateProject inserts a new project row, generating its id. image is
// persisted and becomes the fixed image every branch of this project
// starts from, regardless of later changes to the engine's configured
// image.
func (s *Store) CreateProject(name string, backend StorageBackend, image, storageConfig string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Project{
		ID:             uuid.NewString(),
		Name:           name,
		StorageBackend: backend,
		StorageConfig:  storageConfig,
		Image:          image,
		CreatedAt:      NowEpochMillis(),
	}
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, storage_backend, storage_config, image, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.StorageBackend.String(), p.StorageConfig, p.Image, p.CreatedAt,
	)
	if err != nil {
		return Project{}, errors.Errorf("create project %q: %w", name, err)
	}
	return p, nil
}

// DeleteProject removes a project and, via ON DELETE CASCADE, every
// branch row beneath it.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
		return errors.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

// NextPort returns one past the highest port currently recorded across
// all branches, floored at floor so a fresh database starts allocating
// from the configured port range rather than port 1.
func (s *Store) NextPort(floor int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxPort sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(port) FROM branches`).Scan(&maxPort); err != nil {
		return 0, errors.Errorf("next port: %w", err)
	}
	if !maxPort.Valid {
		return floor, nil
	}
	next := int(maxPort.Int64) + 1
	if next < floor {
		return floor, nil
	}
	return next, nil
}

// ListBranches returns every branch belonging to projectID, most recently
// created first.
func (s *Store) ListBranches(projectID string) ([]Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBranches(`WHERE project_id = ? ORDER BY created_at DESC`, projectID)
}

// ListAllBranches returns every branch across every project, most
// recently created first.
func (s *Store) ListAllBranches() ([]Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBranches(`ORDER BY created_at DESC`)
}

func (s *Store) listBranches(whereOrder string, args ...any) ([]Branch, error) {
	query := `SELECT id, project_id, name, parent_branch_id, state, container_name, data_dir, port, storage_metadata, created_at FROM branches ` + whereOrder
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBranchByName looks up a branch by (project, name), returning
// (Branch{}, false, nil) when absent.
func (s *Store) GetBranchByName(projectID, name string) (Branch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, project_id, name, parent_branch_id, state, container_name, data_dir, port, storage_metadata, created_at
		 FROM branches WHERE project_id = ? AND name = ?`, projectID, name,
	)
	b, err := scanBranchRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Branch{}, false, nil
	}
	if err != nil {
		return Branch{}, false, errors.Errorf("get branch %q: %w", name, err)
	}
	return b, true, nil
}

// CreateBranch inserts a new branch row, generating its id.
func (s *Store) CreateBranch(b Branch) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = uuid.NewString()
	b.CreatedAt = NowEpochMillis()
	_, err := s.db.Exec(
		`INSERT INTO branches (id, project_id, name, parent_branch_id, state, container_name, data_dir, port, storage_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Name, b.ParentBranchID, b.State.String(), b.ContainerName, b.DataDir, b.Port, b.StorageMetadata, b.CreatedAt,
	)
	if err != nil {
		return Branch{}, errors.Errorf("create branch %q: %w", b.Name, err)
	}
	return b, nil
}

// UpdateBranchState transitions a branch to a new state.
func (s *Store) UpdateBranchState(id string, next BranchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE branches SET state = ? WHERE id = ?`, next.String(), id); err != nil {
		return errors.Errorf("update branch %s state: %w", id, err)
	}
	return nil
}

// UpdateBranchStorageMetadata replaces a branch's opaque storage metadata
// blob, e.g. after a clone records its ZFS snapshot name.
func (s *Store) UpdateBranchStorageMetadata(id, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE branches SET storage_metadata = ? WHERE id = ?`, metadata, id); err != nil {
		return errors.Errorf("update branch %s storage metadata: %w", id, err)
	}
	return nil
}

// DeleteBranch removes a single branch row.
func (s *Store) DeleteBranch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM branches WHERE id = ?`, id); err != nil {
		return errors.Errorf("delete branch %s: %w", id, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProject(rows *sql.Rows) (Project, error)    { return scanProjectRow(rows) }
func scanBranch(rows *sql.Rows) (Branch, error)       { return scanBranchRow(rows) }

func scanProjectRow(row scannable) (Project, error) {
	var p Project
	var backend string
	if err := row.Scan(&p.ID, &p.Name, &backend, &p.StorageConfig, &p.Image, &p.CreatedAt); err != nil {
		return Project{}, err
	}
	b, ok := ParseStorageBackend(backend)
	if !ok {
		b = StorageCopy
	}
	p.StorageBackend = b
	return p, nil
}

func scanBranchRow(row scannable) (Branch, error) {
	var b Branch
	var parent sql.NullString
	var stateText string
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Name, &parent, &stateText, &b.ContainerName, &b.DataDir, &b.Port, &b.StorageMetadata, &b.CreatedAt); err != nil {
		return Branch{}, err
	}
	if parent.Valid {
		v := parent.String
		b.ParentBranchID = &v
	}
	b.State = ParseBranchState(stateText)
	return b, nil
}
