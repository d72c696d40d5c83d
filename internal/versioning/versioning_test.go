package versioning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage/badgerstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// backends returns a fresh empty project store per storage backend.
func backends(t *testing.T) map[string]func(t *testing.T) snapshot.Store {
	t.Helper()
	return map[string]func(t *testing.T) snapshot.Store{
		"sqlite": func(t *testing.T) snapshot.Store {
			meta, err := storage.OpenMeta(t.TempDir(), storage.WithLogger(quiet))
			require.NoError(t, err)
			t.Cleanup(func() { meta.Close() })

			proj, err := meta.CreateProject("p", "")
			require.NoError(t, err)
			store, err := meta.OpenProjectStore(proj)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"badger": func(t *testing.T) snapshot.Store {
			store, err := badgerstore.Open(badgerstore.InMemoryConfig(), "p")
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

// forEachBackend runs fn once per storage backend with a fresh service.
func forEachBackend(t *testing.T, fn func(t *testing.T, svc *Service)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, NewService(open(t), WithLogger(quiet)))
		})
	}
}

func cut(t *testing.T, svc *Service, major, minor, revision int) *models.ProjectVersion {
	t.Helper()
	v, err := svc.CreateVersion(context.Background(), major, minor, revision)
	require.NoError(t, err)
	return v
}

func artifact(name, body string) models.Artifact {
	return models.Artifact{Name: name, Type: "requirement", Body: body}
}

func commitArtifact(t *testing.T, svc *Service, v *models.ProjectVersion, a models.Artifact) Outcome[models.Artifact] {
	t.Helper()
	out, err := svc.Artifacts.Commit(context.Background(), v, &a)
	require.NoError(t, err)
	require.Nil(t, out.Err, "unexpected commit error: %v", out.Err)
	return out
}

func history(t *testing.T, svc *Service, entityID string) []models.VersionSnapshot {
	t.Helper()
	h, err := svc.ArtifactDeltas.History(context.Background(), entityID)
	require.NoError(t, err)
	return h
}

// requireWellFormed checks that a history never holds REMOVED→REMOVED or REMOVED→MODIFIED.
func requireWellFormed(t *testing.T, h []models.VersionSnapshot) {
	t.Helper()
	for i := 1; i < len(h); i++ {
		if h[i-1].Type == models.Removed {
			require.NotEqual(t, models.Removed, h[i].Type, "REMOVED follows REMOVED at %s", h[i].Version)
			require.NotEqual(t, models.Modified, h[i].Type, "MODIFIED follows REMOVED at %s", h[i].Version)
		}
		require.True(t, h[i-1].Version.LessThan(h[i].Version), "history out of order")
	}
}

func types(h []models.VersionSnapshot) []models.ModificationType {
	out := make([]models.ModificationType, len(h))
	for i, s := range h {
		out[i] = s.Type
	}
	return out
}

func TestClassify(t *testing.T) {
	a := artifact("RE-1", "a")
	b := artifact("RE-1", "b")
	eq := ArtifactKind{}.Equal

	added := &models.VersionSnapshot{Type: models.Added}
	modified := &models.VersionSnapshot{Type: models.Modified}
	removed := &models.VersionSnapshot{Type: models.Removed}

	tests := []struct {
		name        string
		prev        *models.VersionSnapshot
		prevPayload *models.Artifact
		incoming    *models.Artifact
		want        models.ModificationType
	}{
		{"new entity", nil, nil, &a, models.Added},
		{"delete never recorded", nil, nil, nil, models.NoModification},
		{"delete live", added, &a, nil, models.Removed},
		{"delete modified", modified, &a, nil, models.Removed},
		{"delete removed", removed, &a, nil, models.NoModification},
		{"resurrect with same content", removed, &a, &a, models.Added},
		{"resurrect with new content", removed, &a, &b, models.Added},
		{"unchanged", added, &a, &a, models.NoModification},
		{"changed", modified, &a, &b, models.Modified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.prev, tt.prevPayload, tt.incoming, eq))
		})
	}
}

func TestCommit_IdempotentAtSameVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)

		first := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		require.NotNil(t, first.Snapshot)
		assert.Equal(t, models.Added, first.Snapshot.Type)
		assert.Equal(t, first.Snapshot.BaseEntityID, first.Payload.BaseEntityID)

		second := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		assert.Equal(t, first.Payload.BaseEntityID, second.Payload.BaseEntityID)

		h := history(t, svc, first.Snapshot.BaseEntityID)
		require.Len(t, h, 1)
		assert.Equal(t, models.Added, h[0].Type)
	})
}

func TestCommit_UnchangedInLaterVersionIsNoOp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		first := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		out := commitArtifact(t, svc, v2, artifact("RE-1", "a"))
		assert.True(t, out.NoOp())
		assert.Equal(t, first.Snapshot.BaseEntityID, out.Payload.BaseEntityID)
		assert.Len(t, history(t, svc, first.Snapshot.BaseEntityID), 1)
	})
}

func TestCommit_OverwriteInPlace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		first := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		commitArtifact(t, svc, v2, artifact("RE-1", "b"))
		again := commitArtifact(t, svc, v2, artifact("RE-1", "c"))
		require.NotNil(t, again.Snapshot)
		assert.Equal(t, models.Modified, again.Snapshot.Type)

		h := history(t, svc, first.Snapshot.BaseEntityID)
		require.Len(t, h, 2)
		res, err := svc.ArtifactDeltas.ResolveAt(context.Background(), first.Snapshot.BaseEntityID, v2)
		require.NoError(t, err)
		require.True(t, res.Present())
		assert.Equal(t, "c", res.Payload.Body)
	})
}

func TestCommit_RevertAtSameVersionDropsRow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		first := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		commitArtifact(t, svc, v2, artifact("RE-1", "b"))

		out := commitArtifact(t, svc, v2, artifact("RE-1", "a"))
		assert.True(t, out.NoOp())

		h := history(t, svc, first.Snapshot.BaseEntityID)
		require.Len(t, h, 1)
		assert.Equal(t, v1.ID, h[0].Version.ID)
	})
}

func TestCommit_Resurrection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)
		v3 := cut(t, svc, 1, 0, 2)

		first := commitArtifact(t, svc, v1, artifact("RE-1", "a"))
		id := first.Snapshot.BaseEntityID

		del, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v2, id)
		require.NoError(t, err)
		require.Nil(t, del.Err)
		require.NotNil(t, del.Snapshot)
		assert.Equal(t, models.Removed, del.Snapshot.Type)
		assert.Equal(t, "a", del.Payload.Body, "tombstone keeps last content")

		again := commitArtifact(t, svc, v3, artifact("RE-1", "a"))
		require.NotNil(t, again.Snapshot)
		assert.Equal(t, models.Added, again.Snapshot.Type)
		assert.Equal(t, id, again.Snapshot.BaseEntityID)

		h := history(t, svc, id)
		assert.Equal(t, []models.ModificationType{models.Added, models.Removed, models.Added}, types(h))
		requireWellFormed(t, h)
	})
}

func TestDelete_Idempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)
		v3 := cut(t, svc, 1, 0, 2)

		id := commitArtifact(t, svc, v1, artifact("RE-1", "a")).Snapshot.BaseEntityID
		_, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v2, id)
		require.NoError(t, err)

		out, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v3, id)
		require.NoError(t, err)
		assert.True(t, out.NoOp())
		requireWellFormed(t, history(t, svc, id))
	})
}

func TestDelete_UnknownEntity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)

		out, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v1, "RE-11")
		require.NoError(t, err)
		assert.Nil(t, out.Snapshot)
		require.NotNil(t, out.Err)
		assert.Equal(t, models.ErrorNotFound, out.Err.Kind)
		assert.Equal(t, "RE-11", out.Err.Identity)

		recorded, err := svc.CommitErrors(ctx, v1, models.ClassArtifacts)
		require.NoError(t, err)
		require.Len(t, recorded, 1)
		assert.Equal(t, models.ErrorNotFound, recorded[0].Kind)
		assert.Equal(t, v1.ID, recorded[0].VersionID)
	})
}

func TestCommit_InvalidVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		a := artifact("RE-1", "a")

		_, err := svc.Artifacts.Commit(ctx, nil, &a)
		assert.ErrorIs(t, err, ErrInvalidVersion)

		_, err = svc.Artifacts.Commit(ctx, &models.ProjectVersion{ID: "missing", Major: 9}, &a)
		assert.ErrorIs(t, err, ErrInvalidVersion)

		_, err = svc.Artifacts.CommitAll(ctx, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})
}

func TestCommit_CancelledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		a := artifact("RE-1", "a")
		_, err := svc.Artifacts.Commit(ctx, v1, &a)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCommit_InvalidPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)

		a := models.Artifact{Name: "RE-1"}
		out, err := svc.Artifacts.Commit(ctx, v1, &a)
		require.NoError(t, err)
		require.NotNil(t, out.Err)
		assert.Equal(t, models.ErrorInvalid, out.Err.Kind)
		assert.Contains(t, out.Err.Description, "Type")

		self := models.TraceLink{Source: "RE-1", Target: "RE-1"}
		tout, err := svc.Traces.Commit(ctx, v1, &self)
		require.NoError(t, err)
		require.NotNil(t, tout.Err)
		assert.Equal(t, models.ErrorInvalid, tout.Err.Kind)
	})
}

func TestScenario_ModifyThenDelta(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		first := commitArtifact(t, svc, v1, artifact("RE-10", "a"))
		assert.Equal(t, models.Added, first.Snapshot.Type)
		second := commitArtifact(t, svc, v2, artifact("RE-10", "b"))
		assert.Equal(t, models.Modified, second.Snapshot.Type)

		d, err := svc.ArtifactDeltas.Delta(ctx, v1, v2)
		require.NoError(t, err)
		id := first.Snapshot.BaseEntityID
		require.Contains(t, d.Modified, id)
		assert.Equal(t, "a", d.Modified[id].Before.Body)
		assert.Equal(t, "b", d.Modified[id].After.Body)
		assert.Empty(t, d.Added)
		assert.Empty(t, d.Removed)
	})
}

func TestScenario_DeleteThenDelta(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		id := commitArtifact(t, svc, v1, artifact("RE-10", "a")).Snapshot.BaseEntityID
		_, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v2, id)
		require.NoError(t, err)

		d, err := svc.ArtifactDeltas.Delta(ctx, v1, v2)
		require.NoError(t, err)
		require.Contains(t, d.Removed, id)
		assert.Equal(t, "a", d.Removed[id].Body)
		assert.Empty(t, d.Modified)
		assert.Empty(t, d.Added)
	})
}

func TestDelta_SymmetryAndNoNoise(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 1, 0)
		v3 := cut(t, svc, 2, 0, 0)

		stable := commitArtifact(t, svc, v1, artifact("STABLE", "s")).Snapshot.BaseEntityID
		changed := commitArtifact(t, svc, v1, artifact("CHANGED", "a")).Snapshot.BaseEntityID
		gone := commitArtifact(t, svc, v1, artifact("GONE", "g")).Snapshot.BaseEntityID
		commitArtifact(t, svc, v2, artifact("CHANGED", "b"))
		_, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v2, gone)
		require.NoError(t, err)
		added := commitArtifact(t, svc, v3, artifact("NEW", "n")).Snapshot.BaseEntityID

		versions := []*models.ProjectVersion{v1, v2, v3}
		for _, a := range versions {
			for _, b := range versions {
				ab, err := svc.ArtifactDeltas.Delta(ctx, a, b)
				require.NoError(t, err)
				ba, err := svc.ArtifactDeltas.Delta(ctx, b, a)
				require.NoError(t, err)

				assert.Equal(t, ab.Added, ba.Removed, "%s→%s", a, b)
				assert.Equal(t, ab.Removed, ba.Added, "%s→%s", a, b)
				assert.Equal(t, ab.Invert().Modified, ba.Modified, "%s→%s", a, b)

				for _, m := range []map[string]models.Artifact{ab.Added, ab.Removed} {
					assert.NotContains(t, m, stable)
				}
				assert.NotContains(t, ab.Modified, stable)
			}
		}

		d, err := svc.ArtifactDeltas.Delta(ctx, v1, v3)
		require.NoError(t, err)
		assert.Contains(t, d.Modified, changed)
		assert.Contains(t, d.Removed, gone)
		assert.Contains(t, d.Added, added)

		same, err := svc.ArtifactDeltas.Delta(ctx, v2, v2)
		require.NoError(t, err)
		assert.True(t, same.Empty())
	})
}

func TestResolveAt_CheckoutExclusion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)
		v3 := cut(t, svc, 1, 0, 2)

		id := commitArtifact(t, svc, v1, artifact("RE-1", "a")).Snapshot.BaseEntityID
		commitArtifact(t, svc, v1, artifact("RE-2", "x"))
		_, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v2, id)
		require.NoError(t, err)

		before, err := svc.ArtifactDeltas.ResolveAt(ctx, id, v1)
		require.NoError(t, err)
		require.True(t, before.Present())
		assert.Equal(t, "a", before.Payload.Body)

		for _, v := range []*models.ProjectVersion{v2, v3} {
			res, err := svc.ArtifactDeltas.ResolveAt(ctx, id, v)
			require.NoError(t, err)
			assert.False(t, res.Present(), "present at %s", v)
			assert.True(t, res.Existed)
		}

		never, err := svc.ArtifactDeltas.ResolveAt(ctx, "no-such-entity", v3)
		require.NoError(t, err)
		assert.False(t, never.Present())
		assert.False(t, never.Existed)

		at1, err := svc.ArtifactDeltas.CheckoutAll(ctx, v1)
		require.NoError(t, err)
		require.Len(t, at1, 2)
		assert.Equal(t, "RE-1", at1[0].Name)
		assert.Equal(t, "RE-2", at1[1].Name)

		at3, err := svc.ArtifactDeltas.CheckoutAll(ctx, v3)
		require.NoError(t, err)
		require.Len(t, at3, 1)
		assert.Equal(t, "RE-2", at3[0].Name)
	})
}

func TestResolveAt_WideVersionComponents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 9999999999, 0, 0)
		v2 := cut(t, svc, 10000000000, 0, 0)

		id := commitArtifact(t, svc, v2, artifact("RE-1", "a")).Snapshot.BaseEntityID

		res, err := svc.ArtifactDeltas.ResolveAt(ctx, id, v1)
		require.NoError(t, err)
		assert.False(t, res.Present(), "added at %s must be absent at %s", v2, v1)

		res, err = svc.ArtifactDeltas.ResolveAt(ctx, id, v2)
		require.NoError(t, err)
		assert.True(t, res.Present())

		latest, err := svc.ResolveVersion(ctx, "latest")
		require.NoError(t, err)
		assert.Equal(t, "10000000000.0.0", latest.String())

		d, err := svc.ArtifactDeltas.Delta(ctx, v1, v2)
		require.NoError(t, err)
		assert.Contains(t, d.Added, id)
		assert.Empty(t, d.Removed)
	})
}

func TestCommitAll_BatchCompleteness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		initial := []models.Artifact{
			artifact("RE-1", "a"),
			artifact("RE-2", "b"),
			artifact("RE-3", "c"),
			artifact("RE-4", "d"),
		}
		outs, err := svc.Artifacts.CommitAll(ctx, v1, initial)
		require.NoError(t, err)
		require.Len(t, outs, 4)
		assert.Equal(t, Summary{Added: 4}, Summarize(outs))
		assert.NotEmpty(t, initial[0].BaseEntityID, "ids written back to the caller's payloads")

		next := []models.Artifact{artifact("RE-1", "a"), artifact("RE-5", "e")}
		outs, err = svc.Artifacts.CommitAll(ctx, v2, next)
		require.NoError(t, err)
		require.Len(t, outs, 2+3)

		for _, o := range outs[:2] {
			assert.False(t, o.Synthesized)
		}
		for _, o := range outs[2:] {
			assert.True(t, o.Synthesized)
			require.NotNil(t, o.Snapshot)
			assert.Equal(t, models.Removed, o.Snapshot.Type)
		}
		assert.Equal(t, Summary{Added: 1, Removed: 3, Unchanged: 1}, Summarize(outs))

		at2, err := svc.ArtifactDeltas.CheckoutAll(ctx, v2)
		require.NoError(t, err)
		require.Len(t, at2, 2)
		assert.Equal(t, "RE-1", at2[0].Name)
		assert.Equal(t, "RE-5", at2[1].Name)
	})
}

func TestCommitAll_FailedPayloadIsNotRemoved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		_, err := svc.Artifacts.CommitAll(ctx, v1, []models.Artifact{artifact("RE-1", "a"), artifact("RE-2", "b")})
		require.NoError(t, err)

		// RE-2 fails validation; it must neither abort the batch nor be removed.
		outs, err := svc.Artifacts.CommitAll(ctx, v2, []models.Artifact{
			artifact("RE-1", "a2"),
			{Name: "RE-2"},
		})
		require.NoError(t, err)
		require.Len(t, outs, 2)
		assert.Equal(t, models.Modified, outs[0].Snapshot.Type)
		require.NotNil(t, outs[1].Err)

		at2, err := svc.ArtifactDeltas.CheckoutAll(ctx, v2)
		require.NoError(t, err)
		assert.Len(t, at2, 2)
	})
}

func TestCommitIncremental_KeepsOthers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		_, err := svc.Artifacts.CommitAll(ctx, v1, []models.Artifact{artifact("RE-1", "a"), artifact("RE-2", "b")})
		require.NoError(t, err)

		outs, err := svc.Artifacts.CommitIncremental(ctx, v2, []models.Artifact{artifact("RE-3", "c")})
		require.NoError(t, err)
		assert.Equal(t, Summary{Added: 1}, Summarize(outs))

		at2, err := svc.ArtifactDeltas.CheckoutAll(ctx, v2)
		require.NoError(t, err)
		assert.Len(t, at2, 3)
	})
}

func TestTraces_CommitAndDelta(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		links := []models.TraceLink{
			{Source: "RE-1", Target: "DD-1", TraceType: "MANUAL", ApprovalStatus: "APPROVED", Score: 1},
			{Source: "RE-2", Target: "DD-1", TraceType: "GENERATED", ApprovalStatus: "UNREVIEWED", Score: 0.4},
		}
		outs, err := svc.Traces.CommitAll(ctx, v1, links)
		require.NoError(t, err)
		assert.Equal(t, Summary{Added: 2}, Summarize(outs))

		// The reverse direction is a different link.
		reverse := models.TraceLink{Source: "DD-1", Target: "RE-1", TraceType: "MANUAL", Score: 1}
		links2 := []models.TraceLink{
			{Source: "RE-1", Target: "DD-1", TraceType: "MANUAL", ApprovalStatus: "APPROVED", Score: 1},
			{Source: "RE-2", Target: "DD-1", TraceType: "GENERATED", ApprovalStatus: "APPROVED", Score: 0.4},
			reverse,
		}
		outs, err = svc.Traces.CommitAll(ctx, v2, links2)
		require.NoError(t, err)
		assert.Equal(t, Summary{Added: 1, Modified: 1, Unchanged: 1}, Summarize(outs))

		d, err := svc.TraceDeltas.Delta(ctx, v1, v2)
		require.NoError(t, err)
		assert.Len(t, d.Added, 1)
		assert.Len(t, d.Modified, 1)
		assert.Empty(t, d.Removed)
		for _, c := range d.Modified {
			assert.Equal(t, "UNREVIEWED", c.Before.ApprovalStatus)
			assert.Equal(t, "APPROVED", c.After.ApprovalStatus)
		}

		ent, err := svc.TraceDeltas.Lookup(ctx, models.Identity{Source: "DD-1", Target: "RE-1"})
		require.NoError(t, err)
		assert.Equal(t, links2[2].BaseEntityID, ent.ID)
	})
}

func TestReconcile_BackfillModification(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)
		v3 := cut(t, svc, 1, 0, 2)

		id := commitArtifact(t, svc, v1, artifact("RE-1", "a")).Snapshot.BaseEntityID
		commitArtifact(t, svc, v3, artifact("RE-1", "b"))

		// Back-filling b at v2 makes the v3 row redundant.
		out := commitArtifact(t, svc, v2, artifact("RE-1", "b"))
		assert.Equal(t, models.Modified, out.Snapshot.Type)

		h := history(t, svc, id)
		require.Len(t, h, 2)
		assert.Equal(t, []models.ModificationType{models.Added, models.Modified}, types(h))
		assert.Equal(t, v2.ID, h[1].Version.ID)
		requireWellFormed(t, h)
	})
}

func TestReconcile_BackfillAddition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		id := commitArtifact(t, svc, v2, artifact("RE-1", "b")).Snapshot.BaseEntityID
		commitArtifact(t, svc, v1, artifact("RE-1", "a"))

		h := history(t, svc, id)
		assert.Equal(t, []models.ModificationType{models.Added, models.Modified}, types(h))
		requireWellFormed(t, h)
	})
}

func TestReconcile_BackfillRemoval(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)
		v3 := cut(t, svc, 1, 0, 2)

		id := commitArtifact(t, svc, v1, artifact("RE-1", "a")).Snapshot.BaseEntityID
		_, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v3, id)
		require.NoError(t, err)
		_, err = svc.Artifacts.DeleteByBaseEntityID(ctx, v2, id)
		require.NoError(t, err)

		h := history(t, svc, id)
		assert.Equal(t, []models.ModificationType{models.Added, models.Removed}, types(h))
		assert.Equal(t, v2.ID, h[1].Version.ID)
		requireWellFormed(t, h)
	})
}

func TestReconcile_RevertedAdditionPromotesSuccessor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		v1 := cut(t, svc, 1, 0, 0)
		v2 := cut(t, svc, 1, 0, 1)

		id := commitArtifact(t, svc, v1, artifact("RE-1", "a")).Snapshot.BaseEntityID
		commitArtifact(t, svc, v2, artifact("RE-1", "b"))

		// Deleting at v1 where the entity was first added leaves no row at v1;
		// the v2 row can no longer be a modification.
		out, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v1, id)
		require.NoError(t, err)
		assert.True(t, out.NoOp())

		h := history(t, svc, id)
		assert.Equal(t, []models.ModificationType{models.Added}, types(h))
		assert.Equal(t, v2.ID, h[0].Version.ID)
	})
}

func TestService_Versions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()

		v, err := svc.CutVersion(ctx, models.BumpRevision)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", v.String())
		v, err = svc.CutVersion(ctx, models.BumpMinor)
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", v.String())
		cut(t, svc, 1, 0, 5)

		vs, err := svc.Versions(ctx)
		require.NoError(t, err)
		require.Len(t, vs, 3)
		assert.Equal(t, "1.0.0", vs[0].String())
		assert.Equal(t, "1.0.5", vs[1].String())
		assert.Equal(t, "1.1.0", vs[2].String())

		latest, err := svc.ResolveVersion(ctx, "latest")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", latest.String())
		byName, err := svc.ResolveVersion(ctx, "v1.0.5")
		require.NoError(t, err)
		assert.Equal(t, "1.0.5", byName.String())
		_, err = svc.ResolveVersion(ctx, "3.0.0")
		assert.ErrorIs(t, err, ErrInvalidVersion)

		_, err = svc.CreateVersion(ctx, 1, 1, 0)
		var ce *models.CommitError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, models.ErrorContentConflict, ce.Kind)
		assert.Equal(t, "This version already exists in the project.", ce.Description)
	})
}

func TestService_ArtifactTypes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()

		_, err := svc.CreateArtifactType(ctx, "requirement")
		require.NoError(t, err)
		_, err = svc.CreateArtifactType(ctx, "design")
		require.NoError(t, err)

		_, err = svc.CreateArtifactType(ctx, "requirement")
		var ce *models.CommitError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "An artifact type with this name already exists in the project.", ce.Description)

		types, err := svc.ArtifactTypes(ctx)
		require.NoError(t, err)
		require.Len(t, types, 2)
		assert.Equal(t, "design", types[0].Name)
	})
}

func TestErrorCollector_Translate(t *testing.T) {
	var ec ErrorCollector
	tests := []struct {
		name string
		err  error
		kind models.ErrorKind
		msg  string
	}{
		{"artifact name", errors.New("sqlite3: constraint failed: UNIQUE constraint failed: base_entities.name"),
			models.ErrorContentConflict, "An artifact with this name already exists in the project."},
		{"artifact type", errors.New("UNIQUE constraint failed: artifact_types.name"),
			models.ErrorContentConflict, "An artifact type with this name already exists in the project."},
		{"trace link", &badgerstore.ConflictError{Constraint: "base_entities.source_name, base_entities.target_name"},
			models.ErrorContentConflict, "A trace link between these artifacts already exists."},
		{"snapshot at version", errors.New("UNIQUE constraint failed: entity_snapshots.base_entity_id, entity_snapshots.version_id"),
			models.ErrorContentConflict, "This entity already has a recorded change at this version."},
		{"version", errors.New("UNIQUE constraint failed: project_versions.major, project_versions.minor, project_versions.revision"),
			models.ErrorContentConflict, "This version already exists in the project."},
		{"unknown constraint", errors.New("UNIQUE constraint failed: other.column"),
			models.ErrorUnclassified, "Unexpected error during commit: UNIQUE constraint failed: other.column"},
		{"not found", snapshot.ErrNotFound, models.ErrorNotFound, "Entity not found in this project."},
		{"nil", nil, models.ErrorUnclassified, "Unexpected error during commit: unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := ec.Translate(tt.err)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.msg, ce.Description)
		})
	}
}

// faultStore fails every PutSnapshot with err.
type faultStore struct {
	snapshot.Store
	err error
}

func (f *faultStore) Update(ctx context.Context, fn func(snapshot.Tx) error) error {
	return f.Store.Update(ctx, func(tx snapshot.Tx) error {
		return fn(&faultTx{Tx: tx, err: f.err})
	})
}

type faultTx struct {
	snapshot.Tx
	err error
}

func (t *faultTx) PutSnapshot(*models.VersionSnapshot) error { return t.err }

func TestCommit_StorageFailureBecomesCommitError(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := open(t)
			plain := NewService(base, WithLogger(quiet))
			v1 := cut(t, plain, 1, 0, 0)
			v2 := cut(t, plain, 1, 0, 1)
			commitArtifact(t, plain, v1, artifact("RE-1", "a"))

			faulty := NewService(&faultStore{
				Store: base,
				err:   errors.New("UNIQUE constraint failed: entity_snapshots.base_entity_id, entity_snapshots.version_id"),
			}, WithLogger(quiet))

			outs, err := faulty.Artifacts.CommitAll(ctx, v2, []models.Artifact{
				artifact("RE-2", "b"),
				artifact("RE-3", "c"),
			})
			require.NoError(t, err, "content failures never abort the batch")
			// Two explicit failures plus the synthesized removal of RE-1, which fails too.
			require.Len(t, outs, 3)
			for _, o := range outs {
				require.NotNil(t, o.Err)
				assert.Equal(t, models.ErrorContentConflict, o.Err.Kind)
				assert.Equal(t, "This entity already has a recorded change at this version.", o.Err.Description)
			}

			recorded, err := plain.CommitErrors(ctx, v2, "")
			require.NoError(t, err)
			assert.Len(t, recorded, 3)

			// Failed writes roll back: RE-2 was never created.
			_, err = plain.ArtifactDeltas.Lookup(ctx, models.Identity{Name: "RE-2"})
			assert.ErrorIs(t, err, snapshot.ErrNotFound)

			faulty.Artifacts = NewCommitEngine[models.Artifact](&faultStore{Store: base, err: errors.New("disk on fire")}, ArtifactKind{}, WithLogger(quiet))
			a := artifact("RE-4", "d")
			out, err := faulty.Artifacts.Commit(ctx, v2, &a)
			require.NoError(t, err)
			require.NotNil(t, out.Err)
			assert.Equal(t, models.ErrorUnclassified, out.Err.Kind)
			assert.Equal(t, "Unexpected error during commit: disk on fire", out.Err.Description)
		})
	}
}
