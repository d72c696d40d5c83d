package versioning

import "github.com/wagnerlima/memory-cloud/tracevault/internal/models"

// Kind describes one versioned entity kind to the generic engines.
type Kind[P any] interface {
	// Class tags the rows of this kind in the store.
	Class() models.EntityClass
	// Identity extracts the stable identity of a payload.
	Identity(p P) models.Identity
	// Equal reports structural content equality.
	Equal(a, b P) bool
	// SetBaseEntityID writes the resolved entity id back onto the payload.
	SetBaseEntityID(p *P, id string)
}

// ArtifactKind versions models.Artifact, identified by name.
type ArtifactKind struct{}

func (ArtifactKind) Class() models.EntityClass { return models.ClassArtifacts }

func (ArtifactKind) Identity(a models.Artifact) models.Identity {
	return models.Identity{Name: a.Name}
}

func (ArtifactKind) Equal(a, b models.Artifact) bool { return a.SameContent(b) }

func (ArtifactKind) SetBaseEntityID(a *models.Artifact, id string) { a.BaseEntityID = id }

// TraceKind versions models.TraceLink, identified by the ordered (source, target) pair.
type TraceKind struct{}

func (TraceKind) Class() models.EntityClass { return models.ClassTraces }

func (TraceKind) Identity(t models.TraceLink) models.Identity {
	return models.Identity{Source: t.Source, Target: t.Target}
}

func (TraceKind) Equal(a, b models.TraceLink) bool { return a.SameContent(b) }

func (TraceKind) SetBaseEntityID(t *models.TraceLink, id string) { t.BaseEntityID = id }
