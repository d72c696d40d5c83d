package versioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

// Service bundles the engines of both entity kinds over one project store.
type Service struct {
	Artifacts      *CommitEngine[models.Artifact]
	Traces         *CommitEngine[models.TraceLink]
	ArtifactDeltas *DeltaEngine[models.Artifact]
	TraceDeltas    *DeltaEngine[models.TraceLink]

	store snapshot.Store
	errs  ErrorCollector
}

// NewService wires the artifact and trace engines to store.
func NewService(store snapshot.Store, opts ...Option) *Service {
	return &Service{
		Artifacts:      NewCommitEngine[models.Artifact](store, ArtifactKind{}, opts...),
		Traces:         NewCommitEngine[models.TraceLink](store, TraceKind{}, opts...),
		ArtifactDeltas: NewDeltaEngine[models.Artifact](store, ArtifactKind{}, opts...),
		TraceDeltas:    NewDeltaEngine[models.TraceLink](store, TraceKind{}, opts...),
		store:          store,
	}
}

// Store returns the underlying project store.
func (s *Service) Store() snapshot.Store {
	return s.store
}

// CreateVersion adds an explicit version. A duplicate triple is reported as a
// *models.CommitError.
func (s *Service) CreateVersion(ctx context.Context, major, minor, revision int) (*models.ProjectVersion, error) {
	var v *models.ProjectVersion
	err := s.store.Update(ctx, func(tx snapshot.Tx) error {
		var err error
		v, err = tx.CreateVersion(major, minor, revision)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return v, nil
}

// CutVersion creates the version following the project's latest one.
func (s *Service) CutVersion(ctx context.Context, bump models.Bump) (*models.ProjectVersion, error) {
	var v *models.ProjectVersion
	err := s.store.Update(ctx, func(tx snapshot.Tx) error {
		latest, err := snapshot.LatestVersion(tx)
		if err != nil {
			return err
		}
		major, minor, revision, err := models.NextVersion(latest, bump)
		if err != nil {
			return err
		}
		v, err = tx.CreateVersion(major, minor, revision)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return v, nil
}

// Versions lists the project's versions in ascending order.
func (s *Service) Versions(ctx context.Context) ([]models.ProjectVersion, error) {
	var vs []models.ProjectVersion
	err := s.store.View(ctx, func(tx snapshot.Tx) error {
		var err error
		vs, err = tx.Versions()
		return err
	})
	return vs, err
}

// ResolveVersion looks up a version by its dotted form; "latest" or an empty
// string selects the newest version.
func (s *Service) ResolveVersion(ctx context.Context, ref string) (*models.ProjectVersion, error) {
	var v *models.ProjectVersion
	err := s.store.View(ctx, func(tx snapshot.Tx) error {
		ref = strings.TrimSpace(ref)
		if ref == "" || ref == "latest" {
			latest, err := snapshot.LatestVersion(tx)
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("%w: project has no versions", ErrInvalidVersion)
			}
			v = latest
			return nil
		}
		major, minor, revision, err := models.ParseVersion(ref)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVersion, err)
		}
		v, err = snapshot.FindVersion(tx, major, minor, revision)
		if errors.Is(err, snapshot.ErrNotFound) {
			return fmt.Errorf("%w: %s not in project", ErrInvalidVersion, ref)
		}
		return err
	})
	return v, err
}

// CommitErrors lists the errors recorded at version; an empty class lists all.
func (s *Service) CommitErrors(ctx context.Context, version *models.ProjectVersion, class models.EntityClass) ([]models.CommitError, error) {
	if version == nil {
		return nil, ErrInvalidVersion
	}
	var out []models.CommitError
	err := s.store.View(ctx, func(tx snapshot.Tx) error {
		var err error
		out, err = tx.CommitErrors(version.ID, class)
		return err
	})
	return out, err
}

// CreateArtifactType registers an artifact type name. A duplicate is
// reported as a *models.CommitError.
func (s *Service) CreateArtifactType(ctx context.Context, name string) (*models.ArtifactType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("artifact type name is required")
	}
	var at *models.ArtifactType
	err := s.store.Update(ctx, func(tx snapshot.Tx) error {
		var err error
		at, err = tx.CreateArtifactType(name)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return at, nil
}

// ArtifactTypes lists the registered artifact types.
func (s *Service) ArtifactTypes(ctx context.Context) ([]models.ArtifactType, error) {
	var types []models.ArtifactType
	err := s.store.View(ctx, func(tx snapshot.Tx) error {
		var err error
		types, err = tx.ArtifactTypes()
		return err
	})
	return types, err
}

// translate keeps context errors as they are and turns the rest into CommitErrors.
func (s *Service) translate(err error) error {
	if isFatal(err) {
		return err
	}
	ce := s.errs.Translate(err)
	return &ce
}
