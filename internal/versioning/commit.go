package versioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Outcome is the result of one single-entity commit. Snapshot and Err are
// never both set; both nil means the write changed nothing.
type Outcome[P any] struct {
	Snapshot *models.VersionSnapshot `json:"snapshot,omitempty"`
	Payload  *P                      `json:"payload,omitempty"`
	Err      *models.CommitError     `json:"error,omitempty"`
	// Synthesized marks the implicit removals of a full-replace batch.
	Synthesized bool `json:"synthesized,omitempty"`
}

// NoOp reports whether the commit classified as NO_MODIFICATION.
func (o Outcome[P]) NoOp() bool {
	return o.Snapshot == nil && o.Err == nil
}

// Summary counts batch outcomes.
type Summary struct {
	Added     int `json:"added"`
	Modified  int `json:"modified"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Summarize tallies outcomes by result.
func Summarize[P any](outcomes []Outcome[P]) Summary {
	var s Summary
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			s.Errors++
		case o.Snapshot == nil:
			s.Unchanged++
		case o.Snapshot.Type == models.Added:
			s.Added++
		case o.Snapshot.Type == models.Modified:
			s.Modified++
		case o.Snapshot.Type == models.Removed:
			s.Removed++
		}
	}
	return s
}

// Option configures the engines.
type Option func(*engineOptions)

type engineOptions struct {
	logger *slog.Logger
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

func newOptions(opts []Option) engineOptions {
	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CommitEngine classifies and records writes of one entity kind.
type CommitEngine[P any] struct {
	store  snapshot.Store
	kind   Kind[P]
	errs   ErrorCollector
	logger *slog.Logger
}

// NewCommitEngine creates a commit engine for kind over store.
func NewCommitEngine[P any](store snapshot.Store, kind Kind[P], opts ...Option) *CommitEngine[P] {
	o := newOptions(opts)
	return &CommitEngine[P]{
		store:  store,
		kind:   kind,
		logger: o.logger.With("class", string(kind.Class())),
	}
}

// Commit records payload at version.
//
// Content problems (validation, uniqueness conflicts, storage failures) are
// returned in Outcome.Err and persisted as CommitErrors. The error return is
// reserved for a nil or unknown version, a nil payload and cancellation.
// The resolved base entity id is written back onto payload.
func (e *CommitEngine[P]) Commit(ctx context.Context, version *models.ProjectVersion, payload *P) (Outcome[P], error) {
	if version == nil {
		return Outcome[P]{}, ErrInvalidVersion
	}
	if payload == nil {
		return Outcome[P]{}, errors.New("commit: nil payload")
	}

	ident := e.kind.Identity(*payload)
	if err := validate.StructCtx(ctx, payload); err != nil {
		var inv *validator.InvalidValidationError
		if errors.As(err, &inv) {
			return Outcome[P]{}, fmt.Errorf("commit: %w", err)
		}
		return e.fail(ctx, version, ident.String(), payload, err), nil
	}

	return e.write(ctx, version, ident.String(), payload, func(tx snapshot.Tx) (*models.BaseEntity, error) {
		ent, err := tx.FindEntity(e.kind.Class(), ident)
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, nil
		}
		return ent, err
	})
}

// DeleteByBaseEntityID records the removal of an entity at version.
// An id unknown to the project yields a not_found CommitError.
func (e *CommitEngine[P]) DeleteByBaseEntityID(ctx context.Context, version *models.ProjectVersion, id string) (Outcome[P], error) {
	if version == nil {
		return Outcome[P]{}, ErrInvalidVersion
	}
	return e.write(ctx, version, id, nil, func(tx snapshot.Tx) (*models.BaseEntity, error) {
		return tx.Entity(e.kind.Class(), id)
	})
}

// CommitAll commits payloads as the complete state of the project at version:
// every existing entity not named by a payload is removed. Outcomes of the
// explicit payloads come first, followed by the synthesized removals. The
// batch is not atomic; each entity succeeds or fails on its own.
func (e *CommitEngine[P]) CommitAll(ctx context.Context, version *models.ProjectVersion, payloads []P) ([]Outcome[P], error) {
	if version == nil {
		return nil, ErrInvalidVersion
	}
	class := e.kind.Class()
	ctx, span := startSpan(ctx, "CommitEngine.CommitAll", class,
		attribute.String("version", version.String()),
		attribute.Int("payloads", len(payloads)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		batchDuration.WithLabelValues(string(class), "full").Observe(time.Since(start).Seconds())
	}()

	// The entity set is fixed before any write of this batch.
	var existing []models.BaseEntity
	err := e.store.View(ctx, func(tx snapshot.Tx) error {
		if _, err := checkVersion(tx, version); err != nil {
			return err
		}
		var err error
		existing, err = tx.Entities(class)
		return err
	})
	if err != nil {
		return nil, err
	}

	outcomes, touched, err := e.commitEach(ctx, version, payloads)
	if err != nil {
		return outcomes, err
	}

	for _, ent := range existing {
		if touched[ent.Identity.Key()] {
			continue
		}
		out, err := e.DeleteByBaseEntityID(ctx, version, ent.ID)
		if err != nil {
			return outcomes, err
		}
		out.Synthesized = true
		outcomes = append(outcomes, out)
	}

	sum := Summarize(outcomes)
	span.SetAttributes(attribute.Int("errors", sum.Errors))
	e.logger.Info("full commit",
		"version", version.String(),
		"added", sum.Added,
		"modified", sum.Modified,
		"removed", sum.Removed,
		"unchanged", sum.Unchanged,
		"errors", sum.Errors,
	)
	return outcomes, nil
}

// CommitIncremental commits each payload without removing anything implicitly.
func (e *CommitEngine[P]) CommitIncremental(ctx context.Context, version *models.ProjectVersion, payloads []P) ([]Outcome[P], error) {
	if version == nil {
		return nil, ErrInvalidVersion
	}
	class := e.kind.Class()
	ctx, span := startSpan(ctx, "CommitEngine.CommitIncremental", class,
		attribute.String("version", version.String()),
		attribute.Int("payloads", len(payloads)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		batchDuration.WithLabelValues(string(class), "incremental").Observe(time.Since(start).Seconds())
	}()

	outcomes, _, err := e.commitEach(ctx, version, payloads)
	return outcomes, err
}

func (e *CommitEngine[P]) commitEach(ctx context.Context, version *models.ProjectVersion, payloads []P) ([]Outcome[P], map[string]bool, error) {
	outcomes := make([]Outcome[P], 0, len(payloads))
	touched := make(map[string]bool, len(payloads))
	for i := range payloads {
		p := &payloads[i]
		touched[e.kind.Identity(*p).Key()] = true
		out, err := e.Commit(ctx, version, p)
		if err != nil {
			return outcomes, touched, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, touched, nil
}

// write runs one classify-and-persist cycle in a single store transaction.
// lookup resolves the target entity; it returns nil for an identity the
// project has never seen. A nil payload is a deletion.
func (e *CommitEngine[P]) write(ctx context.Context, version *models.ProjectVersion, label string, payload *P, lookup func(snapshot.Tx) (*models.BaseEntity, error)) (Outcome[P], error) {
	if err := ctx.Err(); err != nil {
		return Outcome[P]{}, err
	}
	class := e.kind.Class()
	out := Outcome[P]{Payload: payload}

	err := e.store.Update(ctx, func(tx snapshot.Tx) error {
		stored, err := checkVersion(tx, version)
		if err != nil {
			return err
		}
		v := *stored

		ent, err := lookup(tx)
		if err != nil {
			return err
		}

		var (
			prev        *models.VersionSnapshot
			prevPayload *P
		)
		if ent != nil {
			if prev, prevPayload, err = e.latest(tx.LatestBefore(ent.ID, v)); err != nil {
				return err
			}
		}

		mt := Classify(prev, prevPayload, payload, e.kind.Equal)
		if mt == models.NoModification {
			if ent == nil {
				return nil
			}
			if payload != nil {
				e.kind.SetBaseEntityID(payload, ent.ID)
			}
			// A row already recorded at v is superseded by this no-op.
			_, err := tx.SnapshotAt(ent.ID, v.ID)
			if errors.Is(err, snapshot.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tx.DeleteSnapshot(ent.ID, v.ID); err != nil {
				return err
			}
			return e.reconcile(tx, ent.ID, v)
		}

		if ent == nil {
			if ent, err = tx.CreateEntity(class, e.kind.Identity(*payload)); err != nil {
				return err
			}
		}

		snap := &models.VersionSnapshot{
			BaseEntityID: ent.ID,
			Class:        class,
			Version:      v,
			Type:         mt,
		}
		if payload != nil {
			e.kind.SetBaseEntityID(payload, ent.ID)
			if snap.Content, err = json.Marshal(payload); err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
		} else {
			// Tombstones keep the last known content.
			snap.Content = prev.Content
			out.Payload = prevPayload
		}
		if err := tx.PutSnapshot(snap); err != nil {
			return err
		}
		out.Snapshot = snap
		return e.reconcile(tx, ent.ID, v)
	})
	if err != nil {
		if isFatal(err) {
			return Outcome[P]{}, err
		}
		return e.fail(ctx, version, label, payload, err), nil
	}

	result := "no_modification"
	if out.Snapshot != nil {
		result = strings.ToLower(string(out.Snapshot.Type))
		e.logger.Debug("committed",
			"version", version.String(),
			"entity", out.Snapshot.BaseEntityID,
			"type", out.Snapshot.Type,
		)
	}
	recordOutcome(class, result)
	return out, nil
}

// reconcile re-classifies the snapshots following v after the state at v
// changed, so that the history never holds a transition that did not happen.
func (e *CommitEngine[P]) reconcile(tx snapshot.Tx, entityID string, v models.ProjectVersion) error {
	for {
		next, err := tx.NextAfter(entityID, v)
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		cur, curPayload, err := e.latest(tx.LatestAtOrBefore(entityID, v))
		if err != nil {
			return err
		}

		var incoming *P
		if next.Type != models.Removed {
			if incoming, err = decodePayload[P](next.Content); err != nil {
				return err
			}
		}

		mt := Classify(cur, curPayload, incoming, e.kind.Equal)
		if mt == models.NoModification {
			if err := tx.DeleteSnapshot(entityID, next.Version.ID); err != nil {
				return err
			}
			e.logger.Debug("dropped redundant snapshot", "entity", entityID, "version", next.Version.String())
			// The state at next.Version is now the state at v; keep walking.
			v = next.Version
			continue
		}

		content := next.Content
		if mt == models.Removed {
			content = cur.Content
		}
		if mt == next.Type && bytes.Equal(content, next.Content) {
			return nil
		}
		next.Type = mt
		next.Content = content
		if err := tx.PutSnapshot(next); err != nil {
			return err
		}
		e.logger.Debug("reclassified snapshot", "entity", entityID, "version", next.Version.String(), "type", mt)
		return nil
	}
}

// latest decodes the result of a LatestBefore/LatestAtOrBefore lookup;
// ErrNotFound becomes a nil snapshot.
func (e *CommitEngine[P]) latest(s *models.VersionSnapshot, err error) (*models.VersionSnapshot, *P, error) {
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := decodePayload[P](s.Content)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

// fail turns err into a recorded CommitError.
func (e *CommitEngine[P]) fail(ctx context.Context, version *models.ProjectVersion, label string, payload *P, err error) Outcome[P] {
	ce := e.errs.Translate(err)
	ce.VersionID = version.ID
	ce.Class = e.kind.Class()
	ce.Identity = label

	e.logger.Warn("commit failed",
		"version", version.String(),
		"identity", label,
		"kind", ce.Kind,
		"error", err,
	)
	rerr := e.store.Update(context.WithoutCancel(ctx), func(tx snapshot.Tx) error {
		return tx.AddCommitError(&ce)
	})
	if rerr != nil {
		e.logger.Error("record commit error", "version", version.String(), "error", rerr)
	}
	recordOutcome(ce.Class, string(ce.Kind))
	return Outcome[P]{Payload: payload, Err: &ce}
}

// checkVersion returns the stored row for version.
func checkVersion(tx snapshot.Tx, version *models.ProjectVersion) (*models.ProjectVersion, error) {
	v, err := tx.Version(version.ID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s not in project", ErrInvalidVersion, version)
	}
	return v, err
}

func isFatal(err error) bool {
	return errors.Is(err, ErrInvalidVersion) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func decodePayload[P any](content json.RawMessage) (*P, error) {
	var p P
	if err := json.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("decode snapshot content: %w", err)
	}
	return &p, nil
}
