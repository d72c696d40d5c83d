package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

// ProjectStore manages a single project's history database.
// It implements snapshot.Store.
type ProjectStore struct {
	db        *sql.DB
	projectID string
}

var _ snapshot.Store = (*ProjectStore)(nil)

// OpenProject opens an existing project database and configures it.
func OpenProject(dbPath, projectID string) (*ProjectStore, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+pragmas+"&_pragma=cache_size(-64000)")
	if err != nil {
		return nil, fmt.Errorf("open project db: %w", err)
	}
	// Verify the connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping project db: %w", err)
	}
	return &ProjectStore{db: db, projectID: projectID}, nil
}

// ProjectID returns the id of the project this store holds.
func (p *ProjectStore) ProjectID() string {
	return p.projectID
}

// Close closes the project database connection.
func (p *ProjectStore) Close() error {
	return p.db.Close()
}

// View runs fn in a transaction that is always rolled back.
func (p *ProjectStore) View(ctx context.Context, fn func(snapshot.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx, projectID: p.projectID})
}

// Update runs fn in a transaction that commits when fn returns nil.
func (p *ProjectStore) Update(ctx context.Context, fn func(snapshot.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, projectID: p.projectID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqlTx implements snapshot.Tx over a database/sql transaction.
type sqlTx struct {
	ctx       context.Context
	tx        *sql.Tx
	projectID string
}

// --- Versions ---

const versionColumns = `id, major, minor, revision, created_at`

func (t *sqlTx) CreateVersion(major, minor, revision int) (*models.ProjectVersion, error) {
	id := uuid.New().String()
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO project_versions (id, major, minor, revision) VALUES (?, ?, ?, ?)`,
		id, major, minor, revision,
	)
	if err != nil {
		return nil, fmt.Errorf("insert version %d.%d.%d: %w", major, minor, revision, err)
	}
	return t.Version(id)
}

func (t *sqlTx) Version(id string) (*models.ProjectVersion, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+versionColumns+` FROM project_versions WHERE id = ?`, id,
	)
	v, err := t.scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %q: %w", id, snapshot.ErrNotFound)
	}
	return v, err
}

func (t *sqlTx) Versions() ([]models.ProjectVersion, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+versionColumns+` FROM project_versions ORDER BY major, minor, revision`,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []models.ProjectVersion
	for rows.Next() {
		v, err := t.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) scanVersion(row scanner) (*models.ProjectVersion, error) {
	v := models.ProjectVersion{ProjectID: t.projectID}
	if err := row.Scan(&v.ID, &v.Major, &v.Minor, &v.Revision, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

// --- Base entities ---

const entityColumns = `id, class, name, source_name, target_name, created_at`

func (t *sqlTx) CreateEntity(class models.EntityClass, ident models.Identity) (*models.BaseEntity, error) {
	id := uuid.New().String()
	name, source, target := identityColumns(class, ident)
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO base_entities (id, class, name, source_name, target_name) VALUES (?, ?, ?, ?, ?)`,
		id, string(class), name, source, target,
	)
	if err != nil {
		return nil, fmt.Errorf("insert %s entity %s: %w", class, ident, err)
	}
	return t.Entity(class, id)
}

func (t *sqlTx) Entity(class models.EntityClass, id string) (*models.BaseEntity, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+entityColumns+` FROM base_entities WHERE id = ? AND class = ?`,
		id, string(class),
	)
	e, err := t.scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s entity %q: %w", class, id, snapshot.ErrNotFound)
	}
	return e, err
}

func (t *sqlTx) FindEntity(class models.EntityClass, ident models.Identity) (*models.BaseEntity, error) {
	var row *sql.Row
	if class == models.ClassTraces {
		row = t.tx.QueryRowContext(t.ctx,
			`SELECT `+entityColumns+` FROM base_entities WHERE class = ? AND source_name = ? AND target_name = ?`,
			string(class), ident.Source, ident.Target,
		)
	} else {
		row = t.tx.QueryRowContext(t.ctx,
			`SELECT `+entityColumns+` FROM base_entities WHERE class = ? AND name = ?`,
			string(class), ident.Name,
		)
	}
	e, err := t.scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s entity %s: %w", class, ident, snapshot.ErrNotFound)
	}
	return e, err
}

func (t *sqlTx) Entities(class models.EntityClass) ([]models.BaseEntity, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+entityColumns+` FROM base_entities WHERE class = ? ORDER BY created_at, id`,
		string(class),
	)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []models.BaseEntity
	for rows.Next() {
		e, err := t.scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func (t *sqlTx) scanEntity(row scanner) (*models.BaseEntity, error) {
	var (
		e                    models.BaseEntity
		class                string
		name, source, target sql.NullString
	)
	if err := row.Scan(&e.ID, &class, &name, &source, &target, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	e.ProjectID = t.projectID
	e.Class = models.EntityClass(class)
	e.Identity = models.Identity{Name: name.String, Source: source.String, Target: target.String}
	return &e, nil
}

// identityColumns maps an identity onto the nullable identity columns of base_entities.
func identityColumns(class models.EntityClass, ident models.Identity) (name, source, target any) {
	if class == models.ClassTraces {
		return nil, ident.Source, ident.Target
	}
	return ident.Name, nil, nil
}

// --- Snapshots ---

const snapshotSelect = `
SELECT s.id, s.base_entity_id, e.class, v.id, v.major, v.minor, v.revision, v.created_at,
       s.modification_type, s.content, s.created_at
FROM entity_snapshots s
JOIN project_versions v ON v.id = s.version_id
JOIN base_entities e ON e.id = s.base_entity_id`

func (t *sqlTx) SnapshotAt(entityID, versionID string) (*models.VersionSnapshot, error) {
	return t.querySnapshot(
		snapshotSelect+` WHERE s.base_entity_id = ? AND s.version_id = ?`,
		entityID, versionID,
	)
}

func (t *sqlTx) LatestBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.querySnapshot(
		snapshotSelect+`
		 WHERE s.base_entity_id = ? AND (v.major, v.minor, v.revision) < (?, ?, ?)
		 ORDER BY v.major DESC, v.minor DESC, v.revision DESC
		 LIMIT 1`,
		entityID, v.Major, v.Minor, v.Revision,
	)
}

func (t *sqlTx) LatestAtOrBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.querySnapshot(
		snapshotSelect+`
		 WHERE s.base_entity_id = ? AND (v.major, v.minor, v.revision) <= (?, ?, ?)
		 ORDER BY v.major DESC, v.minor DESC, v.revision DESC
		 LIMIT 1`,
		entityID, v.Major, v.Minor, v.Revision,
	)
}

func (t *sqlTx) NextAfter(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.querySnapshot(
		snapshotSelect+`
		 WHERE s.base_entity_id = ? AND (v.major, v.minor, v.revision) > (?, ?, ?)
		 ORDER BY v.major ASC, v.minor ASC, v.revision ASC
		 LIMIT 1`,
		entityID, v.Major, v.Minor, v.Revision,
	)
}

func (t *sqlTx) Heads(class models.EntityClass, v models.ProjectVersion) (map[string]models.VersionSnapshot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		WITH ranked AS (
			SELECT s.id, s.base_entity_id, e.class, v.id AS version_id, v.major, v.minor, v.revision,
			       v.created_at AS version_created_at, s.modification_type, s.content, s.created_at,
			       ROW_NUMBER() OVER (
			           PARTITION BY s.base_entity_id
			           ORDER BY v.major DESC, v.minor DESC, v.revision DESC
			       ) AS rn
			FROM entity_snapshots s
			JOIN project_versions v ON v.id = s.version_id
			JOIN base_entities e ON e.id = s.base_entity_id
			WHERE e.class = ? AND (v.major, v.minor, v.revision) <= (?, ?, ?)
		)
		SELECT id, base_entity_id, class, version_id, major, minor, revision, version_created_at,
		       modification_type, content, created_at
		FROM ranked WHERE rn = 1`,
		string(class), v.Major, v.Minor, v.Revision,
	)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]models.VersionSnapshot)
	for rows.Next() {
		s, err := t.scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		heads[s.BaseEntityID] = *s
	}
	return heads, rows.Err()
}

func (t *sqlTx) History(entityID string) ([]models.VersionSnapshot, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		snapshotSelect+` WHERE s.base_entity_id = ? ORDER BY v.major, v.minor, v.revision`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []models.VersionSnapshot
	for rows.Next() {
		s, err := t.scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *s)
	}
	return history, rows.Err()
}

func (t *sqlTx) PutSnapshot(s *models.VersionSnapshot) error {
	if s.Type == models.NoModification {
		return fmt.Errorf("refusing to persist %s snapshot", s.Type)
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO entity_snapshots (id, base_entity_id, version_id, modification_type, content)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(base_entity_id, version_id) DO UPDATE SET
		     modification_type = excluded.modification_type,
		     content = excluded.content,
		     created_at = datetime('now')`,
		uuid.New().String(), s.BaseEntityID, s.Version.ID, string(s.Type), string(s.Content),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	// Re-read to pick up the surviving row id and timestamp
	return t.tx.QueryRowContext(t.ctx,
		`SELECT id, created_at FROM entity_snapshots WHERE base_entity_id = ? AND version_id = ?`,
		s.BaseEntityID, s.Version.ID,
	).Scan(&s.ID, &s.CreatedAt)
}

func (t *sqlTx) DeleteSnapshot(entityID, versionID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM entity_snapshots WHERE base_entity_id = ? AND version_id = ?`,
		entityID, versionID,
	)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (t *sqlTx) querySnapshot(query string, args ...any) (*models.VersionSnapshot, error) {
	row := t.tx.QueryRowContext(t.ctx, query, args...)
	s, err := t.scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	return s, err
}

func (t *sqlTx) scanSnapshot(row scanner) (*models.VersionSnapshot, error) {
	var (
		s            models.VersionSnapshot
		class, mtype string
		content      string
	)
	err := row.Scan(
		&s.ID, &s.BaseEntityID, &class,
		&s.Version.ID, &s.Version.Major, &s.Version.Minor, &s.Version.Revision, &s.Version.CreatedAt,
		&mtype, &content, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Class = models.EntityClass(class)
	s.Type = models.ModificationType(mtype)
	s.Content = []byte(content)
	s.Version.ProjectID = t.projectID
	return &s, nil
}

// --- Commit errors ---

func (t *sqlTx) AddCommitError(e *models.CommitError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO commit_errors (id, version_id, class, kind, description, identity) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.VersionID, string(e.Class), string(e.Kind), e.Description, e.Identity,
	)
	if err != nil {
		return fmt.Errorf("insert commit error: %w", err)
	}
	return t.tx.QueryRowContext(t.ctx,
		`SELECT created_at FROM commit_errors WHERE id = ?`, e.ID,
	).Scan(&e.CreatedAt)
}

func (t *sqlTx) CommitErrors(versionID string, class models.EntityClass) ([]models.CommitError, error) {
	query := `SELECT id, version_id, class, kind, description, identity, created_at
	          FROM commit_errors WHERE version_id = ?`
	args := []any{versionID}
	if class != "" {
		query += ` AND class = ?`
		args = append(args, string(class))
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commit errors: %w", err)
	}
	defer rows.Close()

	var out []models.CommitError
	for rows.Next() {
		var (
			e           models.CommitError
			class, kind string
		)
		if err := rows.Scan(&e.ID, &e.VersionID, &class, &kind, &e.Description, &e.Identity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commit error: %w", err)
		}
		e.Class = models.EntityClass(class)
		e.Kind = models.ErrorKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Artifact types ---

func (t *sqlTx) CreateArtifactType(name string) (*models.ArtifactType, error) {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO artifact_types (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("insert artifact type %q: %w", name, err)
	}
	at := models.ArtifactType{Name: name}
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT created_at FROM artifact_types WHERE name = ?`, name,
	).Scan(&at.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("read artifact type: %w", err)
	}
	return &at, nil
}

func (t *sqlTx) ArtifactTypes() ([]models.ArtifactType, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT name, created_at FROM artifact_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query artifact types: %w", err)
	}
	defer rows.Close()

	var types []models.ArtifactType
	for rows.Next() {
		var at models.ArtifactType
		if err := rows.Scan(&at.Name, &at.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact type: %w", err)
		}
		types = append(types, at)
	}
	return types, rows.Err()
}
