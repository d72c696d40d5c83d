package versioning

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

// Resolution is the state of one entity as of a version.
type Resolution[P any] struct {
	// Snapshot is the snapshot in effect, nil when the entity is absent.
	Snapshot *models.VersionSnapshot `json:"snapshot,omitempty"`
	Payload  *P                      `json:"payload,omitempty"`
	// Existed reports that the entity has history at or before the version,
	// which separates "removed" from "never recorded".
	Existed bool `json:"existed"`
}

// Present reports whether the entity exists at the version.
func (r Resolution[P]) Present() bool {
	return r.Snapshot != nil
}

// Change is the before/after pair of a modified entity.
type Change[P any] struct {
	Before P `json:"before"`
	After  P `json:"after"`
}

// Delta is the difference between two versions, keyed by base entity id.
type Delta[P any] struct {
	Baseline models.ProjectVersion `json:"baseline"`
	Target   models.ProjectVersion `json:"target"`
	Added    map[string]P          `json:"added"`
	Modified map[string]Change[P]  `json:"modified"`
	Removed  map[string]P          `json:"removed"`
}

// Empty reports whether nothing changed.
func (d Delta[P]) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Invert returns the delta in the opposite direction.
func (d Delta[P]) Invert() Delta[P] {
	inv := Delta[P]{
		Baseline: d.Target,
		Target:   d.Baseline,
		Added:    d.Removed,
		Removed:  d.Added,
		Modified: make(map[string]Change[P], len(d.Modified)),
	}
	for id, c := range d.Modified {
		inv.Modified[id] = Change[P]{Before: c.After, After: c.Before}
	}
	return inv
}

// DeltaEngine answers read-only questions about an entity kind's history.
// Each call reads through a single store transaction.
type DeltaEngine[P any] struct {
	store  snapshot.Store
	kind   Kind[P]
	logger *slog.Logger
}

// NewDeltaEngine creates a delta engine for kind over store.
func NewDeltaEngine[P any](store snapshot.Store, kind Kind[P], opts ...Option) *DeltaEngine[P] {
	o := newOptions(opts)
	return &DeltaEngine[P]{
		store:  store,
		kind:   kind,
		logger: o.logger.With("class", string(kind.Class())),
	}
}

// ResolveAt returns the state of entityID as of version.
func (d *DeltaEngine[P]) ResolveAt(ctx context.Context, entityID string, version *models.ProjectVersion) (Resolution[P], error) {
	if version == nil {
		return Resolution[P]{}, ErrInvalidVersion
	}
	var res Resolution[P]
	err := d.store.View(ctx, func(tx snapshot.Tx) error {
		v, err := checkVersion(tx, version)
		if err != nil {
			return err
		}
		s, err := tx.LatestAtOrBefore(entityID, *v)
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Existed = true
		if s.Type == models.Removed {
			return nil
		}
		p, err := decodePayload[P](s.Content)
		if err != nil {
			return err
		}
		res.Snapshot, res.Payload = s, p
		return nil
	})
	return res, err
}

// CheckoutAll returns every entity present at version, ordered by identity.
func (d *DeltaEngine[P]) CheckoutAll(ctx context.Context, version *models.ProjectVersion) ([]P, error) {
	if version == nil {
		return nil, ErrInvalidVersion
	}
	ctx, span := startSpan(ctx, "DeltaEngine.CheckoutAll", d.kind.Class(),
		attribute.String("version", version.String()),
	)
	defer span.End()

	var out []P
	err := d.store.View(ctx, func(tx snapshot.Tx) error {
		v, err := checkVersion(tx, version)
		if err != nil {
			return err
		}
		heads, err := tx.Heads(d.kind.Class(), *v)
		if err != nil {
			return err
		}
		out = make([]P, 0, len(heads))
		for _, s := range heads {
			if s.Type == models.Removed {
				continue
			}
			p, err := decodePayload[P](s.Content)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b P) int {
		return strings.Compare(d.kind.Identity(a).Key(), d.kind.Identity(b).Key())
	})
	span.SetAttributes(attribute.Int("entities", len(out)))
	return out, nil
}

// Delta computes what changed from baseline to target. Entities absent at
// both versions, or present with equal content, do not appear.
func (d *DeltaEngine[P]) Delta(ctx context.Context, baseline, target *models.ProjectVersion) (Delta[P], error) {
	if baseline == nil || target == nil {
		return Delta[P]{}, ErrInvalidVersion
	}
	class := d.kind.Class()
	ctx, span := startSpan(ctx, "DeltaEngine.Delta", class,
		attribute.String("baseline", baseline.String()),
		attribute.String("target", target.String()),
	)
	defer span.End()

	delta := Delta[P]{
		Added:    make(map[string]P),
		Modified: make(map[string]Change[P]),
		Removed:  make(map[string]P),
	}
	err := d.store.View(ctx, func(tx snapshot.Tx) error {
		bv, err := checkVersion(tx, baseline)
		if err != nil {
			return err
		}
		tv, err := checkVersion(tx, target)
		if err != nil {
			return err
		}
		delta.Baseline, delta.Target = *bv, *tv

		before, err := tx.Heads(class, *bv)
		if err != nil {
			return err
		}
		after, err := tx.Heads(class, *tv)
		if err != nil {
			return err
		}

		ids := make(map[string]struct{}, len(before)+len(after))
		for id := range before {
			ids[id] = struct{}{}
		}
		for id := range after {
			ids[id] = struct{}{}
		}

		for id := range ids {
			b, err := present[P](before, id)
			if err != nil {
				return err
			}
			a, err := present[P](after, id)
			if err != nil {
				return err
			}
			switch {
			case b == nil && a == nil:
			case b == nil:
				delta.Added[id] = *a
			case a == nil:
				delta.Removed[id] = *b
			case !d.kind.Equal(*b, *a):
				delta.Modified[id] = Change[P]{Before: *b, After: *a}
			}
		}
		return nil
	})
	if err != nil {
		return Delta[P]{}, err
	}

	deltaTotal.WithLabelValues(string(class)).Inc()
	span.SetAttributes(
		attribute.Int("added", len(delta.Added)),
		attribute.Int("modified", len(delta.Modified)),
		attribute.Int("removed", len(delta.Removed)),
	)
	d.logger.Debug("delta computed",
		"baseline", baseline.String(),
		"target", target.String(),
		"added", len(delta.Added),
		"modified", len(delta.Modified),
		"removed", len(delta.Removed),
	)
	return delta, nil
}

// History returns the entity's snapshot log in version order.
func (d *DeltaEngine[P]) History(ctx context.Context, entityID string) ([]models.VersionSnapshot, error) {
	var history []models.VersionSnapshot
	err := d.store.View(ctx, func(tx snapshot.Tx) error {
		if _, err := tx.Entity(d.kind.Class(), entityID); err != nil {
			return err
		}
		var err error
		history, err = tx.History(entityID)
		return err
	})
	return history, err
}

// Lookup finds the base entity carrying ident.
func (d *DeltaEngine[P]) Lookup(ctx context.Context, ident models.Identity) (*models.BaseEntity, error) {
	var ent *models.BaseEntity
	err := d.store.View(ctx, func(tx snapshot.Tx) error {
		var err error
		ent, err = tx.FindEntity(d.kind.Class(), ident)
		return err
	})
	return ent, err
}

// present decodes the head of id, or returns nil when it is missing or removed.
func present[P any](heads map[string]models.VersionSnapshot, id string) (*P, error) {
	s, ok := heads[id]
	if !ok || s.Type == models.Removed {
		return nil, nil
	}
	return decodePayload[P](s.Content)
}
