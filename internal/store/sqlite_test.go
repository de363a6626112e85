package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsman/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "jobs.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func boolPtr(v bool) *bool { return &v }

func TestUpsertGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	def := JobDefinition{
		ID:           "backup",
		Command:      "tar czf /tmp/b.tgz /etc",
		Second:       "0",
		Minute:       "30",
		Hour:         "2",
		Timeout:      120,
		Coalesce:     boolPtr(true),
		MaxInstances: 2,
		MisfireGrace: 60,
	}
	require.NoError(t, st.Upsert(ctx, def))

	got, ok, err := st.Get(ctx, "backup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tar czf /tmp/b.tgz /etc", got.Command)
	assert.Equal(t, "0", got.Second)
	assert.Equal(t, "30", got.Minute)
	assert.Equal(t, "2", got.Hour)
	// Empty fields persist as "*".
	assert.Equal(t, "*", got.Day)
	assert.Equal(t, "*", got.Month)
	assert.Equal(t, "*", got.DayOfWeek)
	assert.Equal(t, 120, got.Timeout)
	require.NotNil(t, got.Coalesce)
	assert.True(t, *got.Coalesce)
	assert.Equal(t, 2, got.MaxInstances)
	assert.Equal(t, 60, got.MisfireGrace)
}

func TestUpsertOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "j", Command: "echo one", Minute: "1"}))
	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "j", Command: "echo two", Minute: "2"}))

	got, ok, err := st.Get(ctx, "j")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "echo two", got.Command)
	assert.Equal(t, "2", got.Minute)

	defs, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestCoalesceNullRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "j", Command: "true"}))
	got, _, err := st.Get(ctx, "j")
	require.NoError(t, err)
	assert.Nil(t, got.Coalesce, "unset coalesce must come back as nil, not false")

	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "j", Command: "true", Coalesce: boolPtr(false)}))
	got, _, err = st.Get(ctx, "j")
	require.NoError(t, err)
	require.NotNil(t, got.Coalesce)
	assert.False(t, *got.Coalesce)
}

func TestGetMissing(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "j", Command: "true"}))
	require.NoError(t, st.Delete(ctx, "j"))

	_, ok, err := st.Get(ctx, "j")
	require.NoError(t, err)
	assert.False(t, ok)

	err = st.Delete(ctx, "j")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, st.Upsert(ctx, JobDefinition{ID: id, Command: "true"}))
	}

	defs, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].ID)
	assert.Equal(t, "bravo", defs[1].ID)
	assert.Equal(t, "charlie", defs[2].ID)
}

func TestUpdateMarkerLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pending, err := st.PendingUpdateExists(ctx)
	require.NoError(t, err)
	assert.False(t, pending, "fresh store has no pending markers")

	require.NoError(t, st.NoteUpdate(ctx))
	require.NoError(t, st.NoteUpdate(ctx))
	require.NoError(t, st.NoteUpdate(ctx))

	pending, err = st.PendingUpdateExists(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	n, err := st.MarkUpdatesProcessed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "all markers flipped in one batch")

	pending, err = st.PendingUpdateExists(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	// Markers noted after the batch are a fresh generation.
	require.NoError(t, st.NoteUpdate(ctx))
	pending, err = st.PendingUpdateExists(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	n, err = st.MarkUpdatesProcessed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMarkUpdatesProcessedEmpty(t *testing.T) {
	st := newTestStore(t)

	n, err := st.MarkUpdatesProcessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, JobDefinition{ID: "persist", Command: "true", Hour: "4"}))
	require.NoError(t, st.NoteUpdate(ctx))
	require.NoError(t, st.Close())

	st, err = Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.Get(ctx, "persist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", got.Hour)

	pending, err := st.PendingUpdateExists(ctx)
	require.NoError(t, err)
	assert.True(t, pending, "pending markers survive reopen")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     JobDefinition
		wantErr bool
	}{
		{name: "ok", def: JobDefinition{ID: "j", Command: "true", Minute: "*/5"}},
		{name: "missing id", def: JobDefinition{Command: "true"}, wantErr: true},
		{name: "missing command", def: JobDefinition{ID: "j"}, wantErr: true},
		{name: "bad cron field", def: JobDefinition{ID: "j", Command: "true", Minute: "61"}, wantErr: true},
		{name: "negative timeout", def: JobDefinition{ID: "j", Command: "true", Timeout: -1}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate(nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
