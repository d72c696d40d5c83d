package models

import (
	"encoding/json"
	"maps"
	"strconv"
)

// Project represents a project entry in the meta database.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DBPath      string `json:"db_path"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// EntityClass tags which kind of versioned entity a row belongs to.
type EntityClass string

const (
	ClassArtifacts EntityClass = "artifacts"
	ClassTraces    EntityClass = "traces"
)

// ModificationType classifies a write relative to the entity's prior history.
type ModificationType string

const (
	Added          ModificationType = "ADDED"
	Modified       ModificationType = "MODIFIED"
	Removed        ModificationType = "REMOVED"
	NoModification ModificationType = "NO_MODIFICATION"
)

// Identity is the stable identity of a BaseEntity within its project.
// Artifacts are identified by Name, trace links by the ordered (Source, Target) pair.
type Identity struct {
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// String renders the identity for logs and error messages.
func (i Identity) String() string {
	if i.Name != "" {
		return i.Name
	}
	return strconv.Quote(i.Source) + " -> " + strconv.Quote(i.Target)
}

// Key is an unambiguous map key for the identity.
func (i Identity) Key() string {
	return i.Name + "\x00" + i.Source + "\x00" + i.Target
}

// BaseEntity is the durable identity of a versioned object, independent of its content history.
type BaseEntity struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Class     EntityClass `json:"class"`
	Identity  Identity    `json:"identity"`
	CreatedAt string      `json:"created_at"`
}

// VersionSnapshot is one recorded content state of a BaseEntity at a ProjectVersion.
// REMOVED snapshots keep the last known content as a tombstone.
type VersionSnapshot struct {
	ID           string           `json:"id"`
	BaseEntityID string           `json:"base_entity_id"`
	Class        EntityClass      `json:"class"`
	Version      ProjectVersion   `json:"version"`
	Type         ModificationType `json:"modification_type"`
	Content      json.RawMessage  `json:"content"`
	CreatedAt    string           `json:"created_at"`
}

// ErrorKind groups commit errors by cause.
type ErrorKind string

const (
	ErrorContentConflict ErrorKind = "content_conflict"
	ErrorNotFound        ErrorKind = "not_found"
	ErrorInvalid         ErrorKind = "invalid"
	ErrorUnclassified    ErrorKind = "unclassified"
)

// CommitError is a diagnostic recorded when a single-entity commit fails.
type CommitError struct {
	ID          string      `json:"id"`
	VersionID   string      `json:"version_id"`
	Class       EntityClass `json:"class"`
	Kind        ErrorKind   `json:"kind"`
	Description string      `json:"description"`
	Identity    string      `json:"identity,omitempty"`
	CreatedAt   string      `json:"created_at,omitempty"`
}

// Error lets a CommitError be reported where an error is expected.
func (e *CommitError) Error() string {
	return e.Description
}

// ArtifactType is a named artifact category registered in a project.
type ArtifactType struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Artifact is the payload of an artifact commit.
type Artifact struct {
	BaseEntityID string            `json:"base_entity_id,omitempty" yaml:"base_entity_id,omitempty"`
	Name         string            `json:"name" yaml:"name" validate:"required,max=255"`
	Type         string            `json:"type" yaml:"type" validate:"required,max=128"`
	Summary      string            `json:"summary,omitempty" yaml:"summary,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"body,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// SameContent reports whether two artifacts carry the same content, ignoring identity bookkeeping.
func (a Artifact) SameContent(b Artifact) bool {
	return a.Name == b.Name &&
		a.Type == b.Type &&
		a.Summary == b.Summary &&
		a.Body == b.Body &&
		maps.Equal(normalizeAttrs(a.Attributes), normalizeAttrs(b.Attributes))
}

// TraceLink is the payload of a trace link commit.
type TraceLink struct {
	BaseEntityID   string  `json:"base_entity_id,omitempty" yaml:"base_entity_id,omitempty"`
	Source         string  `json:"source" yaml:"source" validate:"required,max=255"`
	Target         string  `json:"target" yaml:"target" validate:"required,max=255,nefield=Source"`
	TraceType      string  `json:"trace_type,omitempty" yaml:"trace_type,omitempty" validate:"omitempty,oneof=MANUAL GENERATED"`
	ApprovalStatus string  `json:"approval_status,omitempty" yaml:"approval_status,omitempty" validate:"omitempty,oneof=APPROVED UNREVIEWED DECLINED"`
	Score          float64 `json:"score,omitempty" yaml:"score,omitempty" validate:"gte=0,lte=1"`
	Explanation    string  `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

// SameContent reports whether two trace links carry the same content.
func (t TraceLink) SameContent(o TraceLink) bool {
	return t.Source == o.Source &&
		t.Target == o.Target &&
		t.TraceType == o.TraceType &&
		t.ApprovalStatus == o.ApprovalStatus &&
		t.Score == o.Score &&
		t.Explanation == o.Explanation
}

// normalizeAttrs treats nil and empty attribute maps as equal.
func normalizeAttrs(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
