package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "recordings"), zaptest.NewLogger(t))
	require.NoError(t, err)

	want := sampleRecording()
	require.NoError(t, s.Save(ctx, want))
	assert.FileExists(t, filepath.Join(s.Dir(), "rec-1.json"))

	got, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("file round trip mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := sampleRecording()
	require.NoError(t, s.Save(ctx, rec))
	rec.Events = rec.Events[:1]
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Events, 1)
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	s, err := NewFileStore(t.TempDir(), zap.New(core))
	require.NoError(t, err)

	older := sampleRecording()
	older.ID = "older"
	older.StartTime -= 60_000
	newer := sampleRecording()
	newer.ID = "newer"
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
	assert.Equal(t, "older", list[1].ID)
	assert.Equal(t, 3, list[0].TotalEvents)
	assert.Equal(t, 1, logs.FilterMessage("Skipping unreadable recording file.").Len())
}

func TestFileStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrRecordingNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrRecordingNotFound)
	_, err = s.Get(ctx, "../nope")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleRecording()))
	require.NoError(t, s.Delete(ctx, "rec-1"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStore_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	s, err := NewFileStore("~/recordings", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "recordings"), s.Dir())
	assert.DirExists(t, s.Dir())
}
