package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage/badgerstore"
)

// Backends for per-project history stores.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

const badgerSuffix = ".badger"

// MetaStore manages the central _meta.db database that tracks all projects.
type MetaStore struct {
	db      *sql.DB
	dataDir string
	backend string
	logger  *slog.Logger
}

// MetaOption customizes OpenMeta.
type MetaOption func(*MetaStore)

// WithBackend selects the store backend used for newly created projects.
// Existing projects keep the backend they were created with.
func WithBackend(backend string) MetaOption {
	return func(m *MetaStore) { m.backend = backend }
}

// WithLogger sets the logger handed to project stores.
func WithLogger(logger *slog.Logger) MetaOption {
	return func(m *MetaStore) { m.logger = logger }
}

// OpenMeta opens (or creates) the _meta.db database and runs migrations.
func OpenMeta(dataDir string, opts ...MetaOption) (*MetaStore, error) {
	m := &MetaStore{dataDir: dataDir, backend: BackendSQLite, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.backend != BackendSQLite && m.backend != BackendBadger {
		return nil, fmt.Errorf("unknown backend %q", m.backend)
	}

	for _, sub := range []string{"", "projects", "archive"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dbPath := filepath.Join(dataDir, "_meta.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open meta db: %w", err)
	}

	if _, err := db.Exec(MetaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate meta db: %w", err)
	}

	m.db = db
	return m, nil
}

// Close closes the database connection.
func (m *MetaStore) Close() error {
	return m.db.Close()
}

// DataDir returns the base data directory.
func (m *MetaStore) DataDir() string {
	return m.dataDir
}

// CreateProject creates a new project entry and its isolated history store.
func (m *MetaStore) CreateProject(name, description string) (*models.Project, error) {
	id := uuid.New().String()
	dbPath := filepath.Join("projects", id+".db")
	if m.backend == BackendBadger {
		dbPath = filepath.Join("projects", id+badgerSuffix)
	}

	_, err := m.db.Exec(
		`INSERT INTO projects (id, name, description, db_path, status) VALUES (?, ?, ?, ?, 'active')`,
		id, name, description, dbPath,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	absDBPath := filepath.Join(m.dataDir, dbPath)
	if err := m.initProjectStore(absDBPath); err != nil {
		// Rollback: remove meta entry if project store creation fails
		m.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
		return nil, fmt.Errorf("init project store: %w", err)
	}

	return m.GetProjectByName(name)
}

// GetProjectByName looks up a project by its unique name.
func (m *MetaStore) GetProjectByName(name string) (*models.Project, error) {
	row := m.db.QueryRow(
		`SELECT id, name, description, db_path, status, created_at, updated_at FROM projects WHERE name = ?`,
		name,
	)
	return scanProject(row)
}

// GetProjectByID looks up a project by its UUID.
func (m *MetaStore) GetProjectByID(id string) (*models.Project, error) {
	row := m.db.QueryRow(
		`SELECT id, name, description, db_path, status, created_at, updated_at FROM projects WHERE id = ?`,
		id,
	)
	return scanProject(row)
}

// ListProjects returns projects filtered by status. Use "all" for no filter.
func (m *MetaStore) ListProjects(status string) ([]models.Project, error) {
	var rows *sql.Rows
	var err error

	if status == "all" {
		rows, err = m.db.Query(
			`SELECT id, name, description, db_path, status, created_at, updated_at FROM projects ORDER BY name`,
		)
	} else {
		rows, err = m.db.Query(
			`SELECT id, name, description, db_path, status, created_at, updated_at FROM projects WHERE status = ? ORDER BY name`,
			status,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.DBPath, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ArchiveProject archives a project: sets status to 'archived' and moves
// its store from projects/ to archive/.
func (m *MetaStore) ArchiveProject(name string) (*models.Project, error) {
	proj, err := m.GetProjectByName(name)
	if err != nil {
		return nil, err
	}
	if proj.Status == "archived" {
		return nil, fmt.Errorf("project %q is already archived", name)
	}
	return m.moveProject(proj, "archive", "archived")
}

// RestoreProject restores an archived project back to active status.
func (m *MetaStore) RestoreProject(name string) (*models.Project, error) {
	proj, err := m.GetProjectByName(name)
	if err != nil {
		return nil, err
	}
	if proj.Status != "archived" {
		return nil, fmt.Errorf("project %q is not archived", name)
	}
	return m.moveProject(proj, "projects", "active")
}

func (m *MetaStore) moveProject(proj *models.Project, dir, status string) (*models.Project, error) {
	oldPath := filepath.Join(m.dataDir, proj.DBPath)
	newRelPath := filepath.Join(dir, filepath.Base(proj.DBPath))
	newPath := filepath.Join(m.dataDir, newRelPath)

	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, fmt.Errorf("move project store to %s: %w", dir, err)
	}

	_, err := m.db.Exec(
		`UPDATE projects SET status = ?, db_path = ?, updated_at = datetime('now') WHERE id = ?`,
		status, newRelPath, proj.ID,
	)
	if err != nil {
		// Try to undo the move
		os.Rename(newPath, oldPath)
		return nil, fmt.Errorf("update project status: %w", err)
	}

	return m.GetProjectByID(proj.ID)
}

// DeleteProject permanently removes a project record and its history store.
func (m *MetaStore) DeleteProject(name string) error {
	proj, err := m.GetProjectByName(name)
	if err != nil {
		return err
	}

	absDBPath := m.ProjectDBPath(proj)

	// Remove the store (ignore error if already gone), including SQLite WAL/SHM files
	os.RemoveAll(absDBPath)
	os.Remove(absDBPath + "-wal")
	os.Remove(absDBPath + "-shm")

	_, err = m.db.Exec(`DELETE FROM projects WHERE id = ?`, proj.ID)
	if err != nil {
		return fmt.Errorf("delete project record: %w", err)
	}
	return nil
}

// ProjectDBPath returns the absolute path to a project's history store.
func (m *MetaStore) ProjectDBPath(proj *models.Project) string {
	return filepath.Join(m.dataDir, proj.DBPath)
}

// OpenProjectStore opens the history store of a project with the backend it was created with.
func (m *MetaStore) OpenProjectStore(proj *models.Project) (snapshot.Store, error) {
	path := m.ProjectDBPath(proj)
	if strings.HasSuffix(proj.DBPath, badgerSuffix) {
		cfg := badgerstore.DefaultConfig()
		cfg.Path = path
		cfg.Logger = m.logger
		return badgerstore.Open(cfg, proj.ID)
	}
	return OpenProject(path, proj.ID)
}

// scanProject scans a single project row.
func scanProject(row *sql.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.DBPath, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return &p, nil
}

func (m *MetaStore) initProjectStore(path string) error {
	if m.backend == BackendBadger {
		return os.MkdirAll(path, 0o750)
	}
	return initProjectDB(path)
}

// initProjectDB creates a new project database with the full schema.
func initProjectDB(dbPath string) error {
	db, err := sql.Open("sqlite3", "file:"+dbPath+pragmas)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(ProjectSchema); err != nil {
		return fmt.Errorf("create project schema: %w", err)
	}
	if _, err := db.Exec(ProjectTriggers); err != nil {
		return fmt.Errorf("create project triggers: %w", err)
	}
	return nil
}
