package memory_store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store_interface "example.com/meter-logger/src/store"
)

type snapshot struct {
	Timestamp int64              `json:"timestamp"`
	Members   map[string]float64 `json:"members"`
}

func checkRoundTrip(t *testing.T, store store_interface.Store) {
	var got snapshot
	found, err := store.Load("group/home", &got)
	require.NoError(t, err)
	assert.False(t, found)

	want := snapshot{Timestamp: 1700000000000, Members: map[string]float64{"a": 1.5, "b": -2}}
	require.NoError(t, store.Save("group/home", want))

	found, err = store.Load("group/home", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	checkRoundTrip(t, store)
	require.NoError(t, store.Close())
}

func TestMemoryStoreSaveRejectsUnencodable(t *testing.T) {
	store := NewMemoryStore()
	assert.Error(t, store.Save("bad", func() {}))
}

func TestCachedPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewCachedPebbleStore(dir)
	require.NoError(t, err)
	checkRoundTrip(t, store)
	require.NoError(t, store.Save("calc/meter/power", map[string]float64{"value": 42}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	reopened, err := NewCachedPebbleStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	var got map[string]float64
	found, err := reopened.Load("calc/meter/power", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42.0, got["value"])

	var group snapshot
	found, err = reopened.Load("group/home", &group)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1.5, group.Members["a"])
}
