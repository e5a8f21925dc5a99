package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	ldb, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return map[string]Database{
		"memdb":   NewMemDB(),
		"leveldb": ldb,
	}
}

func TestDatabaseCRUD(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put([]byte("k"), []byte("v1")))
			got, err := db.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), got)

			require.NoError(t, db.Put([]byte("k"), []byte("v2")))
			got, err = db.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)

			has, err := db.Has([]byte("k"))
			require.NoError(t, err)
			require.True(t, has)

			require.NoError(t, db.Delete([]byte("k")))
			has, err = db.Has([]byte("k"))
			require.NoError(t, err)
			require.False(t, has)
		})
	}
}

func TestAscendOrdersAndFilters(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("queue/0003"), []byte("c")))
			require.NoError(t, db.Put([]byte("queue/0001"), []byte("a")))
			require.NoError(t, db.Put([]byte("queue/0002"), []byte("b")))
			require.NoError(t, db.Put([]byte("account/xyz"), []byte("other")))

			var keys []string
			require.NoError(t, db.Ascend([]byte("queue/"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			}))
			require.Equal(t, []string{"queue/0001", "queue/0002", "queue/0003"}, keys)
		})
	}
}

func TestAscendEarlyStop(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("p/1"), []byte("1")))
			require.NoError(t, db.Put([]byte("p/2"), []byte("2")))
			require.NoError(t, db.Put([]byte("p/3"), []byte("3")))

			var n int
			require.NoError(t, db.Ascend([]byte("p/"), func(key, value []byte) bool {
				n++
				return n < 2
			}))
			require.Equal(t, 2, n)
		})
	}
}

func TestMemDBAscendAllowsMutationDuringIteration(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("p/1"), []byte("1")))
	require.NoError(t, db.Put([]byte("p/2"), []byte("2")))

	require.NoError(t, db.Ascend([]byte("p/"), func(key, value []byte) bool {
		require.NoError(t, db.Delete([]byte("p/2")))
		return true
	}))

	has, err := db.Has([]byte("p/2"))
	require.NoError(t, err)
	require.False(t, has)
}
