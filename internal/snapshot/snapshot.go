// Package snapshot defines the storage contract for the append-only
// per-entity snapshot log that the versioning engines read and write.
//
// A Store holds exactly one project. All reads and writes go through a Tx
// obtained from View (read-only) or Update (read-write); Update commits when
// the callback returns nil and rolls back otherwise.
package snapshot

import (
	"context"
	"errors"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Constraint identifiers. The SQLite store surfaces them through the driver's
// "UNIQUE constraint failed: <columns>" message; the Badger store embeds the
// same strings in its conflict errors.
const (
	ConstraintArtifactName    = "base_entities.name"
	ConstraintTraceLink       = "base_entities.source_name, base_entities.target_name"
	ConstraintArtifactType    = "artifact_types.name"
	ConstraintSnapshotVersion = "entity_snapshots.base_entity_id, entity_snapshots.version_id"
	ConstraintVersion         = "project_versions.major, project_versions.minor, project_versions.revision"
)

// Store is a per-project snapshot store.
type Store interface {
	ProjectID() string
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a store transaction.
type Tx interface {
	// Versions

	CreateVersion(major, minor, revision int) (*models.ProjectVersion, error)
	Version(id string) (*models.ProjectVersion, error)
	// Versions returns all project versions in ascending order.
	Versions() ([]models.ProjectVersion, error)

	// Base entities

	CreateEntity(class models.EntityClass, id models.Identity) (*models.BaseEntity, error)
	Entity(class models.EntityClass, id string) (*models.BaseEntity, error)
	FindEntity(class models.EntityClass, id models.Identity) (*models.BaseEntity, error)
	Entities(class models.EntityClass) ([]models.BaseEntity, error)

	// Snapshots

	// SnapshotAt returns the snapshot recorded exactly at the version, or ErrNotFound.
	SnapshotAt(entityID, versionID string) (*models.VersionSnapshot, error)
	// LatestBefore returns the entity's latest snapshot strictly before v, or ErrNotFound.
	LatestBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error)
	// LatestAtOrBefore returns the entity's latest snapshot at or before v, or ErrNotFound.
	LatestAtOrBefore(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error)
	// NextAfter returns the entity's earliest snapshot strictly after v, or ErrNotFound.
	NextAfter(entityID string, v models.ProjectVersion) (*models.VersionSnapshot, error)
	// Heads returns, per base entity of the class, the latest snapshot at or before v.
	Heads(class models.EntityClass, v models.ProjectVersion) (map[string]models.VersionSnapshot, error)
	// History returns every snapshot of the entity in ascending version order.
	History(entityID string) ([]models.VersionSnapshot, error)
	// PutSnapshot inserts the snapshot, overwriting any row for the same (entity, version).
	PutSnapshot(s *models.VersionSnapshot) error
	// DeleteSnapshot removes the row for (entity, version) if present.
	DeleteSnapshot(entityID, versionID string) error

	// Commit errors

	AddCommitError(e *models.CommitError) error
	// CommitErrors lists errors for a version; an empty class matches all classes.
	CommitErrors(versionID string, class models.EntityClass) ([]models.CommitError, error)

	// Artifact types

	CreateArtifactType(name string) (*models.ArtifactType, error)
	ArtifactTypes() ([]models.ArtifactType, error)
}

// LatestVersion returns the greatest version of the store, or nil when none exist.
func LatestVersion(tx Tx) (*models.ProjectVersion, error) {
	vs, err := tx.Versions()
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, nil
	}
	v := vs[len(vs)-1]
	return &v, nil
}

// FindVersion looks up a version by its triple.
func FindVersion(tx Tx, major, minor, revision int) (*models.ProjectVersion, error) {
	vs, err := tx.Versions()
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		if v.Major == major && v.Minor == minor && v.Revision == revision {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}
