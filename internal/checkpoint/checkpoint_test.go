package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainctl/internal/store"
)

func TestLatestWins(t *testing.T) {
	db, err := store.NewStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer db.Close()
	m := New(db, zerolog.Nop())
	ctx := context.Background()

	none, err := m.LoadLatest(ctx, "e")
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := m.Create(ctx, "e", []byte(`{"stages":[]}`))
	require.NoError(t, err)
	second, err := m.Create(ctx, "e", []byte(`{"stages":[{"stage":"prep","job_id":"j1"}]}`))
	require.NoError(t, err)
	_, err = m.Create(ctx, "other", nil)
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	latest, err := m.LoadLatest(ctx, "e")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	all, err := m.List(ctx, "e")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestResumePointRoundTrip(t *testing.T) {
	rp := ResumePoint{Stages: []StageResult{
		NewStageResult("prep", "j1", []byte(`{"rows":10}`)),
		NewStageResult("train", "j2", []byte("loss=0.1\n")),
	}}
	b, err := rp.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.JSONEq(t, `{"rows":10}`, string(got.Stages[0].Result))
	assert.JSONEq(t, `"loss=0.1\n"`, string(got.Stages[1].Result))
	assert.Contains(t, got.CompletedStages(), "train")

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)

	empty, err := ResumePoint{}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"stages":[]}`, string(empty))
}
