package store

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugcanvas/annotsync/internal/domain"
)

func stamp(clock uint64, actor string) domain.Stamp {
	return domain.Stamp{Clock: clock, Actor: domain.MemberID(actor)}
}

func raw(v string) json.RawMessage {
	return json.RawMessage(v)
}

func insertRect(id string, clock uint64, actor string) domain.StorageOp {
	return domain.StorageOp{
		Kind:  domain.OpInsert,
		ID:    domain.AnnotationID(id),
		Shape: domain.ShapeRectangle,
		Fields: map[string]json.RawMessage{
			"x": raw("10"), "y": raw("20"), "w": raw("100"), "h": raw("50"),
		},
		Stamp: stamp(clock, actor),
	}
}

func updateField(id, field, value string, clock uint64, actor string) domain.StorageOp {
	return domain.StorageOp{
		Kind:   domain.OpUpdate,
		ID:     domain.AnnotationID(id),
		Fields: map[string]json.RawMessage{field: raw(value)},
		Stamp:  stamp(clock, actor),
	}
}

func deleteOp(id string, clock uint64, actor string) domain.StorageOp {
	return domain.StorageOp{
		Kind:  domain.OpDelete,
		ID:    domain.AnnotationID(id),
		Stamp: stamp(clock, actor),
	}
}

func TestEngineInsertAndSnapshot(t *testing.T) {
	e := New(Options{})

	acc, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Version)
	assert.Equal(t, domain.UserID("u1"), acc.User)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.AnnotationID("a1"), snap[0].ID)
	assert.Equal(t, domain.ShapeRectangle, snap[0].Shape)
	assert.JSONEq(t, "10", string(snap[0].Fields["x"]))
	assert.Equal(t, domain.UserID("u1"), snap[0].CreatedBy)
}

func TestEngineDuplicateInsertRejected(t *testing.T) {
	e := New(Options{})

	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	_, err = e.Apply(insertRect("a1", 2, "m2"), "u2")
	assert.ErrorIs(t, err, ErrDuplicateID)

	// A rejected op must not advance the version.
	assert.Equal(t, uint64(1), e.Version())
}

func TestEngineValidation(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	tests := []struct {
		name string
		op   domain.StorageOp
		want error
	}{
		{"missing id", domain.StorageOp{Kind: domain.OpInsert, Shape: domain.ShapeCircle, Stamp: stamp(2, "m1")}, ErrBadOp},
		{"missing actor", domain.StorageOp{Kind: domain.OpDelete, ID: "a1", Stamp: domain.Stamp{Clock: 2}}, ErrBadOp},
		{"bad kind", domain.StorageOp{Kind: "upsert", ID: "a1", Stamp: stamp(2, "m1")}, ErrBadOp},
		{"bad shape", domain.StorageOp{Kind: domain.OpInsert, ID: "a2", Shape: "triangle", Stamp: stamp(2, "m1")}, ErrUnknownShape},
		{"field not in shape", updateField("a1", "cx", "5", 2, "m1"), ErrUnknownField},
		{"update unknown id", updateField("nope", "x", "5", 2, "m1"), ErrUnknownAnnotation},
		{"update without fields", domain.StorageOp{Kind: domain.OpUpdate, ID: "a1", Stamp: stamp(2, "m1")}, ErrBadOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Apply(tt.op, "u1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEngineInsertFieldWhitelist(t *testing.T) {
	e := New(Options{})
	op := insertRect("a1", 1, "m1")
	op.Fields["cx"] = raw("5")

	_, err := e.Apply(op, "u1")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestEngineStyleFieldsAllowedOnEveryShape(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(domain.StorageOp{
		Kind: domain.OpInsert, ID: "f1", Shape: domain.ShapeFreehand,
		Fields: map[string]json.RawMessage{
			"points": raw("[[0,0],[1,1]]"),
			"stroke": raw(`"#ff0000"`),
		},
		Stamp: stamp(1, "m1"),
	}, "u1")
	require.NoError(t, err)

	_, err = e.Apply(updateField("f1", "opacity", "0.5", 2, "m1"), "u1")
	assert.NoError(t, err)
}

func TestEngineFieldLWW(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	_, err = e.Apply(updateField("a1", "x", "30", 5, "m2"), "u2")
	require.NoError(t, err)

	// Lower clock arriving later loses and surfaces as stale.
	_, err = e.Apply(updateField("a1", "x", "25", 3, "m1"), "u1")
	assert.ErrorIs(t, err, ErrStale)

	// Equal clock, higher actor wins.
	_, err = e.Apply(updateField("a1", "x", "40", 5, "m9"), "u3")
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, "40", string(snap[0].Fields["x"]))
}

func TestEngineDisjointFieldsBothSurvive(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	// Same clock, different members, different fields. Neither overwrites
	// the other.
	_, err = e.Apply(updateField("a1", "x", "99", 2, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(updateField("a1", "y", "77", 2, "m2"), "u2")
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, "99", string(snap[0].Fields["x"]))
	assert.JSONEq(t, "77", string(snap[0].Fields["y"]))
}

func TestEngineDeleteWinsTies(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	_, err = e.Apply(deleteOp("a1", 5, "m2"), "u2")
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot())

	// Update at the same logical clock as the delete does not resurrect.
	_, err = e.Apply(updateField("a1", "x", "1", 5, "m3"), "u3")
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot())
}

func TestEngineUpdateAfterDeleteResurrects(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(deleteOp("a1", 5, "m2"), "u2")
	require.NoError(t, err)

	// Strictly later edit brings the annotation back with merged fields.
	_, err = e.Apply(updateField("a1", "x", "123", 6, "m3"), "u3")
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, "123", string(snap[0].Fields["x"]))
	assert.JSONEq(t, "50", string(snap[0].Fields["h"]))

	// A yet later delete hides it again.
	_, err = e.Apply(deleteOp("a1", 7, "m2"), "u2")
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot())
}

func TestEngineUpdateBeatsTombstoneTiesOption(t *testing.T) {
	e := New(Options{UpdateBeatsTombstoneTies: true})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(updateField("a1", "x", "1", 5, "m3"), "u3")
	require.NoError(t, err)
	_, err = e.Apply(deleteOp("a1", 5, "m2"), "u2")
	require.NoError(t, err)

	assert.Len(t, e.Snapshot(), 1)
}

func TestEngineStaleDelete(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(deleteOp("a1", 5, "m2"), "u2")
	require.NoError(t, err)

	_, err = e.Apply(deleteOp("a1", 4, "m1"), "u1")
	assert.ErrorIs(t, err, ErrStale)
	_, err = e.Apply(deleteOp("a1", 5, "m2"), "u2")
	assert.ErrorIs(t, err, ErrStale)
}

func TestEngineDeleteUnknownIDAccepted(t *testing.T) {
	e := New(Options{})

	acc, err := e.Apply(deleteOp("ghost", 3, "m1"), "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Version)
	assert.Empty(t, e.Snapshot())

	// The tombstone occupies the id.
	_, err = e.Apply(insertRect("ghost", 4, "m2"), "u2")
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestEngineClockAdvances(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 7, "m1"), "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.Clock())

	_, err = e.Apply(updateField("a1", "x", "1", 3, "m1"), "u1")
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, uint64(7), e.Clock())

	_, err = e.Apply(updateField("a1", "x", "2", 12, "m2"), "u2")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), e.Clock())
}

func TestEngineSinceVersion(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(updateField("a1", "x", "1", 2, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(updateField("a1", "x", "2", 3, "m1"), "u1")
	require.NoError(t, err)

	ops, ok := e.SinceVersion(1)
	require.True(t, ok)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].Version)
	assert.Equal(t, uint64(3), ops[1].Version)

	ops, ok = e.SinceVersion(3)
	require.True(t, ok)
	assert.Empty(t, ops)

	// Beyond the head is not coverable.
	_, ok = e.SinceVersion(4)
	assert.False(t, ok)
}

func TestEngineCompaction(t *testing.T) {
	e := New(Options{LogSoftLimit: 2})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	for i := uint64(2); i <= 5; i++ {
		_, err = e.Apply(updateField("a1", "x", fmt.Sprint(i), i, "m1"), "u1")
		require.NoError(t, err)
	}
	require.True(t, e.NeedsCompaction())

	dropped := e.Compact(3)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 2, e.LogLen())

	// Versions at or below the new floor fall back to snapshot.
	_, ok := e.SinceVersion(2)
	assert.False(t, ok)
	ops, ok := e.SinceVersion(3)
	require.True(t, ok)
	assert.Len(t, ops, 2)

	// Compacting below the floor is a no-op.
	assert.Zero(t, e.Compact(1))
}

func TestEngineDumpRoundtrip(t *testing.T) {
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(updateField("a1", "x", "42", 2, "m2"), "u2")
	require.NoError(t, err)
	_, err = e.Apply(insertRect("a2", 3, "m1"), "u1")
	require.NoError(t, err)
	_, err = e.Apply(deleteOp("a2", 4, "m1"), "u1")
	require.NoError(t, err)

	d := e.Dump("room-1")
	blob, err := json.Marshal(d)
	require.NoError(t, err)
	var back Dump
	require.NoError(t, json.Unmarshal(blob, &back))

	restored := FromDump(back, Options{})
	assert.Equal(t, e.Version(), restored.Version())
	assert.Equal(t, e.Clock(), restored.Clock())
	assert.Equal(t, e.Snapshot(), restored.Snapshot())

	// The restored log is empty, so old versions need a full snapshot.
	_, ok := restored.SinceVersion(2)
	assert.False(t, ok)
	ops, ok := restored.SinceVersion(restored.Version())
	require.True(t, ok)
	assert.Empty(t, ops)

	// The tombstone survived the roundtrip.
	_, err = restored.Apply(updateField("a2", "x", "1", 4, "m0"), "u1")
	require.NoError(t, err)
	assert.Len(t, restored.Snapshot(), 1)
}

// Applying the same concurrent edits in different orders must converge on
// identical visible state.
func TestEngineConvergenceUnderReordering(t *testing.T) {
	ops := []domain.StorageOp{
		updateField("a1", "x", "1", 2, "m1"),
		updateField("a1", "x", "2", 3, "m2"),
		updateField("a1", "y", "3", 2, "m3"),
		updateField("a1", "w", "4", 4, "m1"),
		deleteOp("a1", 3, "m4"),
		updateField("a1", "h", "5", 5, "m2"),
		deleteOp("a2", 2, "m1"),
		updateField("a1", "x", "6", 5, "m1"),
	}

	baseline := applyShuffled(t, ops, nil)
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		perm := rng.Perm(len(ops))
		got := applyShuffled(t, ops, perm)
		assert.Equal(t, stripTimes(baseline), stripTimes(got), "permutation %v diverged", perm)
	}
}

func applyShuffled(t *testing.T, ops []domain.StorageOp, perm []int) []domain.Annotation {
	t.Helper()
	e := New(Options{})
	_, err := e.Apply(insertRect("a1", 1, "m1"), "u1")
	require.NoError(t, err)

	order := perm
	if order == nil {
		order = make([]int, len(ops))
		for i := range order {
			order[i] = i
		}
	}
	for _, i := range order {
		if _, err := e.Apply(ops[i], "u1"); err != nil {
			require.ErrorIs(t, err, ErrStale)
		}
	}
	return e.Snapshot()
}

// stripTimes blanks wall-clock fields so converged states compare equal.
func stripTimes(in []domain.Annotation) []domain.Annotation {
	out := make([]domain.Annotation, len(in))
	for i, a := range in {
		a.CreatedAt = time.Time{}
		a.UpdatedAt = time.Time{}
		out[i] = a
	}
	return out
}
