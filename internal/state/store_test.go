package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.False(t, s.Has("anything"))
}

func TestOpen_MalformedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestSetGetDelete_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, s.Set("agent_uuid", "abc-123"))

	var got string
	found, err := s.Get("agent_uuid", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc-123", got)

	require.NoError(t, s.Delete("agent_uuid"))
	found, err = s.Get("agent_uuid", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersist_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("count", 42))

	s2, err := Open(path, nil)
	require.NoError(t, err)

	var count int
	found, err := s2.Get("count", &count)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, count)
}

func TestPersist_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestTupleKeyedMap_JSONRoundTrip(t *testing.T) {
	m := NewTupleKeyedMap[[2]string, int]()
	m.Set([2]string{"cpu_used", "cpu0"}, 10)
	m.Set([2]string{"disk_used", ""}, 55)

	data, err := m.MarshalJSON()
	require.NoError(t, err)

	m2 := NewTupleKeyedMap[[2]string, int]()
	require.NoError(t, m2.UnmarshalJSON(data))

	v, ok := m2.Get([2]string{"cpu_used", "cpu0"})
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, m2.Len())
}

func TestApplyMigrations_RenamesLegacyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("elasticsearch_search_time", 123.0))

	require.NoError(t, ApplyMigrations(s, nil))

	assert.False(t, s.Has("elasticsearch_search_time"))
	var v float64
	found, err := s.Get("elasticsearch_search_time_ms", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 123.0, v)
}

func TestApplyMigrations_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, ApplyMigrations(s, nil))
	require.NoError(t, ApplyMigrations(s, nil))
}
