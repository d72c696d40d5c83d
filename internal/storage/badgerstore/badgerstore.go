// Package badgerstore implements snapshot.Store on BadgerDB.
//
// Key layout (one database per project):
//
//	ver/<id>                          → ProjectVersion
//	vtriple/<major>.<minor>.<rev>     → version id (uniqueness, ordering)
//	ent/<id>                          → BaseEntity
//	ident/artifacts/name/<name>       → entity id (uniqueness)
//	ident/traces/link/<len>:<src><dst> → entity id (uniqueness)
//	snap/<entity id>/<major>.<minor>.<rev> → VersionSnapshot
//	err/<version id>/<unix nanos>/<id> → CommitError
//	atype/<name>                      → ArtifactType
//
// Version components are zero-padded to the width of max int64 so
// lexicographic key order equals version order, which makes "latest
// snapshot at or before V" a single reverse seek.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

// Config holds configuration for a project's BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns defaults for persistent project stores.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// ConflictError reports a violated uniqueness constraint. The message embeds
// the same constraint identifiers the SQLite store reports.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return "badger: UNIQUE constraint failed: " + e.Constraint
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed project history store.
type Store struct {
	db        *badger.DB
	projectID string
}

var _ snapshot.Store = (*Store)(nil)

// Open opens (or creates) the project store described by cfg.
func Open(cfg Config, projectID string) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db, projectID: projectID}, nil
}

// ProjectID returns the id of the project this store holds.
func (s *Store) ProjectID() string {
	return s.projectID
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(snapshot.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, projectID: s.projectID})
	})
}

// Update runs fn in a read-write transaction that commits when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(snapshot.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, projectID: s.projectID})
	})
}

// now matches SQLite's datetime('now') rendering.
func now() string {
	return time.Now().UTC().Format(time.DateTime)
}

// versionKey pads every component to 19 digits, enough for any non-negative int.
func versionKey(v models.ProjectVersion) string {
	return fmt.Sprintf("%019d.%019d.%019d", v.Major, v.Minor, v.Revision)
}

func identityKey(class models.EntityClass, ident models.Identity) []byte {
	if class == models.ClassTraces {
		return []byte("ident/traces/link/" + strconv.Itoa(len(ident.Source)) + ":" + ident.Source + ident.Target)
	}
	return []byte("ident/" + string(class) + "/name/" + ident.Name)
}

func identityConstraint(class models.EntityClass) string {
	if class == models.ClassTraces {
		return snapshot.ConstraintTraceLink
	}
	return snapshot.ConstraintArtifactName
}

// badgerTx implements snapshot.Tx over a badger transaction.
type badgerTx struct {
	txn       *badger.Txn
	projectID string
}

func (t *badgerTx) get(key []byte, into any) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return snapshot.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, into)
	})
}

func (t *badgerTx) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := t.txn.Set(key, data); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (t *badgerTx) exists(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	return true, nil
}

// scan visits every value under prefix in key order.
func (t *badgerTx) scan(prefix []byte, visit func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(visit); err != nil {
			return err
		}
	}
	return nil
}

// --- Versions ---

func (t *badgerTx) CreateVersion(major, minor, revision int) (*models.ProjectVersion, error) {
	if major < 0 || minor < 0 || revision < 0 {
		return nil, fmt.Errorf("version %d.%d.%d: components must be non-negative", major, minor, revision)
	}
	v := models.ProjectVersion{
		ID:        uuid.New().String(),
		ProjectID: t.projectID,
		Major:     major,
		Minor:     minor,
		Revision:  revision,
		CreatedAt: now(),
	}
	tripleKey := []byte("vtriple/" + versionKey(v))
	taken, err := t.exists(tripleKey)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("insert version %s: %w", v, &ConflictError{Constraint: snapshot.ConstraintVersion})
	}
	if err := t.txn.Set(tripleKey, []byte(v.ID)); err != nil {
		return nil, fmt.Errorf("set version triple: %w", err)
	}
	if err := t.put([]byte("ver/"+v.ID), v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *badgerTx) Version(id string) (*models.ProjectVersion, error) {
	var v models.ProjectVersion
	if err := t.get([]byte("ver/"+id), &v); err != nil {
		return nil, fmt.Errorf("version %q: %w", id, err)
	}
	return &v, nil
}

func (t *badgerTx) Versions() ([]models.ProjectVersion, error) {
	var versions []models.ProjectVersion
	err := t.scan([]byte("vtriple/"), func(val []byte) error {
		v, err := t.Version(string(val))
		if err != nil {
			return err
		}
		versions = append(versions, *v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan versions: %w", err)
	}
	return versions, nil
}

// --- Base entities ---

func (t *badgerTx) CreateEntity(class models.EntityClass, ident models.Identity) (*models.BaseEntity, error) {
	key := identityKey(class, ident)
	taken, err := t.exists(key)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("insert %s entity %s: %w", class, ident, &ConflictError{Constraint: identityConstraint(class)})
	}

	e := models.BaseEntity{
		ID:        uuid.New().String(),
		ProjectID: t.projectID,
		Class:     class,
		Identity:  ident,
		CreatedAt: now(),
	}
	if err := t.txn.Set(key, []byte(e.ID)); err != nil {
		return nil, fmt.Errorf("set identity: %w", err)
	}
	if err := t.put([]byte("ent/"+e.ID), e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *badgerTx) Entity(class models.EntityClass, id string) (*models.BaseEntity, error) {
	var e models.BaseEntity
	if err := t.get([]byte("ent/"+id), &e); err != nil {
		return nil, fmt.Errorf("%s entity %q: %w", class, id, err)
	}
	if e.Class != class {
		return nil, fmt.Errorf("%s entity %q: %w", class, id, snapshot.ErrNotFound)
	}
	return &e, nil
}

func (t *badgerTx) FindEntity(class models.EntityClass, ident models.Identity) (*models.BaseEntity, error) {
	item, err := t.txn.Get(identityKey(class, ident))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s entity %s: %w", class, ident, snapshot.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s entity %s: %w", class, ident, err)
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return t.Entity(class, string(id))
}

func (t *badgerTx) Entities(class models.EntityClass) ([]models.BaseEntity, error) {
	var entities []models.BaseEntity
	err := t.scan([]byte("ent/"), func(val []byte) error {
		var e models.BaseEntity
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Class == class {
			entities = append(entities, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	return entities, nil
}

// --- Snapshots ---

func snapPrefix(entityID string) []byte {
	return []byte("snap/" + entityID + "/")
}

func snapKey(entityID string, v models.ProjectVersion) []byte {
	return append(snapPrefix(entityID), versionKey(v)...)
}

func (t *badgerTx) SnapshotAt(entityID, versionID string) (*models.VersionSnapshot, error) {
	v, err := t.Version(versionID)
	if err != nil {
		return nil, err
	}
	var s models.VersionSnapshot
	if err := t.get(snapKey(entityID, *v), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// seek walks the entity's snapshots from v in the given direction and returns
// the first one, skipping the row at v itself unless inclusive.
func (t *badgerTx) seek(entityID string, v models.ProjectVersion, reverse, inclusive bool) (*models.VersionSnapshot, error) {
	prefix := snapPrefix(entityID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := t.txn.NewIterator(opts)
	defer it.Close()

	pivot := snapKey(entityID, v)
	for it.Seek(pivot); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if !inclusive && string(item.Key()) == string(pivot) {
			continue
		}
		var s models.VersionSnapshot
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return &s, nil
	}
	return nil, snapshot.ErrNotFound
}

func (t *badgerTx) LatestBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.seek(entityID, v, true, false)
}

func (t *badgerTx) LatestAtOrBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.seek(entityID, v, true, true)
}

func (t *badgerTx) NextAfter(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error) {
	return t.seek(entityID, v, false, false)
}

func (t *badgerTx) Heads(class models.EntityClass, v models.ProjectVersion) (map[string]models.VersionSnapshot, error) {
	entities, err := t.Entities(class)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]models.VersionSnapshot, len(entities))
	for _, e := range entities {
		s, err := t.LatestAtOrBefore(e.ID, v)
		if errors.Is(err, snapshot.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		heads[e.ID] = *s
	}
	return heads, nil
}

func (t *badgerTx) History(entityID string) ([]models.VersionSnapshot, error) {
	var history []models.VersionSnapshot
	err := t.scan(snapPrefix(entityID), func(val []byte) error {
		var s models.VersionSnapshot
		if err := json.Unmarshal(val, &s); err != nil {
			return err
		}
		history = append(history, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return history, nil
}

func (t *badgerTx) PutSnapshot(s *models.VersionSnapshot) error {
	if s.Type == models.NoModification {
		return fmt.Errorf("refusing to persist %s snapshot", s.Type)
	}
	v, err := t.Version(s.Version.ID)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	s.Version = *v

	key := snapKey(s.BaseEntityID, *v)
	var existing models.VersionSnapshot
	switch err := t.get(key, &existing); {
	case err == nil:
		s.ID = existing.ID
	case errors.Is(err, snapshot.ErrNotFound):
		s.ID = uuid.New().String()
	default:
		return err
	}
	s.CreatedAt = now()
	return t.put(key, s)
}

func (t *badgerTx) DeleteSnapshot(entityID, versionID string) error {
	v, err := t.Version(versionID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if err := t.txn.Delete(snapKey(entityID, *v)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// --- Commit errors ---

func (t *badgerTx) AddCommitError(e *models.CommitError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = now()
	key := fmt.Sprintf("err/%s/%020d/%s", e.VersionID, time.Now().UnixNano(), e.ID)
	return t.put([]byte(key), e)
}

func (t *badgerTx) CommitErrors(versionID string, class models.EntityClass) ([]models.CommitError, error) {
	var out []models.CommitError
	err := t.scan([]byte("err/"+versionID+"/"), func(val []byte) error {
		var e models.CommitError
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if class == "" || e.Class == class {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan commit errors: %w", err)
	}
	return out, nil
}

// --- Artifact types ---

func (t *badgerTx) CreateArtifactType(name string) (*models.ArtifactType, error) {
	key := []byte("atype/" + name)
	taken, err := t.exists(key)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("insert artifact type %q: %w", name, &ConflictError{Constraint: snapshot.ConstraintArtifactType})
	}
	at := models.ArtifactType{Name: name, CreatedAt: now()}
	if err := t.put(key, at); err != nil {
		return nil, err
	}
	return &at, nil
}

func (t *badgerTx) ArtifactTypes() ([]models.ArtifactType, error) {
	var types []models.ArtifactType
	err := t.scan([]byte("atype/"), func(val []byte) error {
		var at models.ArtifactType
		if err := json.Unmarshal(val, &at); err != nil {
			return err
		}
		types = append(types, at)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan artifact types: %w", err)
	}
	return types, nil
}
