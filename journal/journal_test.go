package journal

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhradil/pifleet/controller"
)

func record(t *testing.T, j Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := NewEntry("rb", "set_state", controller.State{"seq": float64(i)})
		require.NoError(t, j.Record(context.Background(), e))
	}
}

func TestMemoryJournalNewestFirst(t *testing.T) {
	j := NewMemory(10)
	record(t, j, 3)

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 2.0, entries[0].State["seq"])
	assert.Equal(t, 0.0, entries[2].State["seq"])
}

func TestMemoryJournalCapacity(t *testing.T) {
	j := NewMemory(5)
	record(t, j, 8)

	entries, err := j.Recent(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, 7.0, entries[0].State["seq"], "oldest entries are evicted")
	assert.Equal(t, 3.0, entries[4].State["seq"])
}

func TestMemoryJournalLimit(t *testing.T) {
	j := NewMemory(10)
	record(t, j, 6)

	entries, err := j.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 5.0, entries[0].State["seq"])
}

func TestRedisJournal(t *testing.T) {
	srv := miniredis.RunT(t)

	j, err := NewRedis(context.Background(), srv.Addr(), 0, 5)
	require.NoError(t, err)
	defer j.Close()

	record(t, j, 8)

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 5, "the list is trimmed to capacity")
	assert.Equal(t, 7.0, entries[0].State["seq"])
	assert.Equal(t, "rb", entries[0].Controller)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Time.IsZero())
}

func TestRedisJournalConnectFailure(t *testing.T) {
	_, err := NewRedis(context.Background(), "127.0.0.1:1", 0, 5)
	assert.Error(t, err)
}

func TestOpenBackends(t *testing.T) {
	j, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, j)

	srv := miniredis.RunT(t)
	j, err = Open(context.Background(), Options{Backend: "redis", RedisAddr: srv.Addr(), Capacity: 4})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, j)
	require.NoError(t, j.Close())

	_, err = Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}
