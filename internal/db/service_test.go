package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openRaw bypasses the service for test fixture tweaks.
func openRaw(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path)
}

func openTestService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestVarsSetThenGet(t *testing.T) {
	s := openTestService(t)

	require.NoError(t, s.VarSet(0, "nick", "tester"))
	require.NoError(t, s.VarSet(42, "nick", "hubnick"))
	require.NoError(t, s.VarSet(0, "nick", "tester2"))

	v, found, err := s.VarGet(0, "nick")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "tester2", v, "get must return the last value written")

	v, found, err = s.VarGet(42, "nick")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hubnick", v, "hub scope must not leak into global")

	require.NoError(t, s.VarDel(42, "nick"))
	_, found, err = s.VarGet(42, "nick")
	require.NoError(t, err)
	require.False(t, found)
}

func TestQueuePersistenceRoundTrip(t *testing.T) {
	s := openTestService(t)

	s.DLInsert("TTH1", 4096, "/dest/a", 0, 7)
	s.DLAddUser("TTH1", 8)
	s.DLInsert("TTH2", 8192, "/dest/b", 2, 7)
	s.DLSetUserError("TTH1", 8, 2, "not available")
	s.DLSetTTHL("TTH2", []byte("leafdata"))

	rows, err := s.DLList()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byTTH := map[string]DLRow{}
	for _, r := range rows {
		byTTH[r.TTH] = r
	}
	require.Equal(t, int64(4096), byTTH["TTH1"].Size)
	require.Equal(t, "/dest/a", byTTH["TTH1"].Dest)
	require.Equal(t, 2, byTTH["TTH2"].Priority)
	require.Equal(t, []byte("leafdata"), byTTH["TTH2"].TTHL)

	users, err := s.DLUserList()
	require.NoError(t, err)
	require.Len(t, users, 3)

	var found bool
	for _, u := range users {
		if u.TTH == "TTH1" && u.UID == 8 {
			found = true
			require.Equal(t, 2, u.Error)
			require.Equal(t, "not available", u.ErrorMsg)
		}
	}
	require.True(t, found, "per-user error association lost")

	s.DLDel("TTH1")
	rows, err = s.DLList()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	users, err = s.DLUserList()
	require.NoError(t, err)
	for _, u := range users {
		require.NotEqual(t, "TTH1", u.TTH, "dl_users rows must go with their record")
	}
}

func TestChainedFailureIsAtomic(t *testing.T) {
	s := openTestService(t)

	good := &Query{SQL: "INSERT INTO share (name, path) VALUES (?, ?)"}
	bad := &Query{SQL: "INSERT INTO no_such_table (x) VALUES (?)"}

	r1 := make(chan Result, 1)
	r2 := make(chan Result, 1)
	r3 := make(chan Result, 1)

	s.Submit(&Request{Flags: FlagChainNext, Query: good, Params: []any{"one", "/1"}, Reply: r1})
	s.Submit(&Request{Flags: FlagChainNext | FlagNoCache, Query: bad, Params: []any{"x"}, Reply: r2})
	s.Submit(&Request{Flags: FlagLastInBatch, Query: good, Params: []any{"three", "/3"}, Reply: r3})

	require.Error(t, (<-r1).Err, "first chained insert must observe the rollback")
	require.Error(t, (<-r2).Err, "failing insert must observe its own error")
	require.Error(t, (<-r3).Err, "chained follow-up must be refused without execution")

	shares, err := s.ShareList()
	require.NoError(t, err)
	require.Empty(t, shares, "no partial state may survive the rollback")
}

func TestLastInsertID(t *testing.T) {
	s := openTestService(t)

	id1, err := s.HashFileSet("/share/a", "ROOTA", 111)
	require.NoError(t, err)
	id2, err := s.HashFileSet("/share/b", "ROOTB", 222)
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	gotID, tth, lastmod, ok, err := s.HashFileGet("/share/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id1, gotID)
	require.Equal(t, "ROOTA", tth)
	require.Equal(t, int64(111), lastmod)
}

func TestHashDataRoundTrip(t *testing.T) {
	s := openTestService(t)

	blob := []byte{1, 2, 3, 4}
	s.HashDataSet("ROOT", 4096, blob)

	size, got, err := s.HashDataGet("ROOT")
	require.NoError(t, err)
	require.Equal(t, int64(4096), size)
	require.Equal(t, blob, got)

	_, missing, err := s.HashDataGet("NOPE")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestShutdownAnswersLateRequests(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"), nil)
	require.NoError(t, err)
	s.Close()

	reply := make(chan Result, 1)
	s.Submit(&Request{Query: qVarGet, Params: []any{"x", int64(0)}, Columns: 1, Reply: reply})
	res := <-reply
	require.ErrorIs(t, res.Err, ErrShuttingDown)
}

func TestSchemaVersionGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sqlite3")

	s, err := Open(path, nil)
	require.NoError(t, err)
	s.Close()

	// A database stamped by a newer client must refuse to open.
	raw, err := openRaw(path)
	require.NoError(t, err)
	_, err = raw.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = Open(path, nil)
	require.ErrorIs(t, err, ErrSchemaTooNew)
}
