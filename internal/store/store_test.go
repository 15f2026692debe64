package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestContentHashIgnoresCase(t *testing.T) {
	a := state.Default()
	b := state.Default()
	b.NotePreset.Gradient.ColorA = "#FF4B5A"
	a.NotePreset.Gradient.ColorA = "#ff4b5a"

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, len("sha256:")+64)
	assert.Len(t, ShortHash(ha), 12)

	b.NotePreset.Mode = state.ModeRain
	hc, err := ContentHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestImportAndGet(t *testing.T) {
	s := openTemp(t)
	st := state.Default()
	st.NotePreset.Mode = state.ModeGradient
	st.NotePreset.Gradient.ColorB = "#ABCDEF"

	src := Source{Device: "thx-c", FirmwareVersion: "0.9.4", Method: MethodDeviceRead, Timestamp: time.Now()}
	hash, isNew, err := s.Import(st, "sunset", src)
	require.NoError(t, err)
	assert.True(t, isNew)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, state.Normalize(st), got)

	hash2, isNew, err := s.Import(state.Normalize(st), "", Source{Method: MethodFile, Filename: "x.json"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, hash, hash2)

	meta, err := s.GetMetadata(hash)
	require.NoError(t, err)
	assert.Equal(t, "sunset", meta.Name)
	assert.Equal(t, state.ModeGradient, meta.Mode)
	assert.Contains(t, meta.Summary, "gradient")
	require.Len(t, meta.Sources, 2)
	assert.Equal(t, MethodFile, meta.Sources[1].Method)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImportRejectsInvalidState(t *testing.T) {
	s := openTemp(t)
	st := state.Default()
	st.NotePreset.Rain.Speed = 0
	_, _, err := s.Import(st, "", Source{Method: MethodFile})
	var verr *state.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestListResolveRemove(t *testing.T) {
	s := openTemp(t)
	a := state.Default()
	b := state.Default()
	b.NotePreset.Mode = state.ModeRain

	ha, _, err := s.Import(a, "a", Source{Method: MethodFile})
	require.NoError(t, err)
	hb, _, err := s.Import(b, "b", Source{Method: MethodFile})
	require.NoError(t, err)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	hashes := []string{entries[0].Hash, entries[1].Hash}
	assert.ElementsMatch(t, []string{ha, hb}, hashes)

	full, err := s.Resolve(ShortHash(hb))
	require.NoError(t, err)
	assert.Equal(t, hb, full)
	full, err = s.Resolve(ha)
	require.NoError(t, err)
	assert.Equal(t, ha, full)
	_, err = s.Resolve("zzzz")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Remove(ha))
	_, err = s.Get(ha)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove(ha), ErrNotFound)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExport(t *testing.T) {
	s := openTemp(t)
	hash, _, err := s.Import(state.Default(), "", Source{Method: MethodFile})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "preset.json")
	require.NoError(t, s.Export(hash, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var st state.DeviceState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, state.Default(), st)
}

func TestGetCorruptPreset(t *testing.T) {
	s := openTemp(t)
	hash, _, err := s.Import(state.Default(), "", Source{Method: MethodFile})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.presetsDir, hashToFilename(hash)+".json"), []byte(`{"notePreset":1}`), 0o644))

	_, err = s.Get(hash)
	assert.ErrorContains(t, err, "corrupt")
}
