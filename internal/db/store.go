package db

import (
	"fmt"
)

// Query templates. These are package-level so the statement cache can key on
// their identity; never construct ad-hoc duplicates of them.
var (
	qVarGet = &Query{SQL: "SELECT value FROM vars WHERE name = ? AND hub = ?"}
	qVarSet = &Query{SQL: "INSERT OR REPLACE INTO vars (name, hub, value) VALUES (?, ?, ?)"}
	qVarDel = &Query{SQL: "DELETE FROM vars WHERE name = ? AND hub = ?"}

	qDLList     = &Query{SQL: "SELECT tth, size, dest, priority, error, COALESCE(error_msg, ''), tthl FROM dl"}
	qDLUserList = &Query{SQL: "SELECT tth, uid, error, COALESCE(error_msg, '') FROM dl_users"}
	qDLInsert   = &Query{SQL: "INSERT OR REPLACE INTO dl (tth, size, dest, priority) VALUES (?, ?, ?, ?)"}
	qDLSetState = &Query{SQL: "UPDATE dl SET priority = ?, error = ?, error_msg = ? WHERE tth = ?"}
	qDLSetTTHL  = &Query{SQL: "UPDATE dl SET tthl = ? WHERE tth = ?"}
	qDLDel      = &Query{SQL: "DELETE FROM dl WHERE tth = ?"}

	qDLUserInsert   = &Query{SQL: "INSERT OR REPLACE INTO dl_users (tth, uid) VALUES (?, ?)"}
	qDLUserSetError = &Query{SQL: "UPDATE dl_users SET error = ?, error_msg = ? WHERE tth = ? AND uid = ?"}
	qDLUserDel      = &Query{SQL: "DELETE FROM dl_users WHERE tth = ? AND uid = ?"}
	qDLUserDelAll   = &Query{SQL: "DELETE FROM dl_users WHERE tth = ?"}

	qHashDataGet = &Query{SQL: "SELECT size, tthl FROM hashdata WHERE root = ?"}
	qHashDataSet = &Query{SQL: "INSERT OR REPLACE INTO hashdata (root, size, tthl) VALUES (?, ?, ?)"}

	qHashFileGet = &Query{SQL: "SELECT id, tth, lastmod FROM hashfiles WHERE filename = ?"}
	qHashFileSet = &Query{SQL: "INSERT OR REPLACE INTO hashfiles (filename, tth, lastmod) VALUES (?, ?, ?)"}
	qHashFileDel = &Query{SQL: "DELETE FROM hashfiles WHERE filename = ?"}

	qShareList = &Query{SQL: "SELECT name, path FROM share"}
	qShareAdd  = &Query{SQL: "INSERT OR REPLACE INTO share (name, path) VALUES (?, ?)"}
	qShareDel  = &Query{SQL: "DELETE FROM share WHERE name = ?"}
)

// exec submits an exec-style request and waits for its status.
func (s *Service) exec(flags Flags, q *Query, params ...any) error {
	reply := make(chan Result, 1)
	s.Submit(&Request{Flags: flags, Query: q, Params: params, Reply: reply})
	res := <-reply
	return res.Err
}

// execAsync submits an exec-style request without waiting.
func (s *Service) execAsync(flags Flags, q *Query, params ...any) {
	s.Submit(&Request{Flags: flags, Query: q, Params: params})
}

// rows submits a row-returning request and collects every row.
func (s *Service) rows(q *Query, columns int, params ...any) ([][]any, error) {
	reply := make(chan Result, 1024)
	s.Submit(&Request{Query: q, Params: params, Columns: columns, Reply: reply})

	var out [][]any
	for res := range reply {
		if res.Done {
			return out, res.Err
		}
		out = append(out, res.Row)
	}
	return out, fmt.Errorf("db: reply channel closed")
}

// VarGet reads a configuration variable. Hub 0 is global scope.
func (s *Service) VarGet(hub uint64, name string) (string, bool, error) {
	rows, err := s.rows(qVarGet, 1, name, int64(hub))
	if err != nil || len(rows) == 0 {
		return "", false, err
	}
	return asString(rows[0][0]), true, nil
}

// VarSet writes a configuration variable.
func (s *Service) VarSet(hub uint64, name, value string) error {
	return s.exec(FlagLastInBatch, qVarSet, name, int64(hub), value)
}

// VarDel removes a configuration variable.
func (s *Service) VarDel(hub uint64, name string) error {
	return s.exec(FlagLastInBatch, qVarDel, name, int64(hub))
}

// DLRow mirrors one row of the download queue table.
type DLRow struct {
	TTH      string
	Size     int64
	Dest     string
	Priority int
	Error    int
	ErrorMsg string
	TTHL     []byte
}

// DLUserRow mirrors one row of the per-user download table.
type DLUserRow struct {
	TTH      string
	UID      uint64
	Error    int
	ErrorMsg string
}

// DLList loads the whole download queue.
func (s *Service) DLList() ([]DLRow, error) {
	rows, err := s.rows(qDLList, 7)
	if err != nil {
		return nil, err
	}
	out := make([]DLRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, DLRow{
			TTH:      asString(r[0]),
			Size:     asInt64(r[1]),
			Dest:     asString(r[2]),
			Priority: int(asInt64(r[3])),
			Error:    int(asInt64(r[4])),
			ErrorMsg: asString(r[5]),
			TTHL:     asBlob(r[6]),
		})
	}
	return out, nil
}

// DLUserList loads every (download, user) association.
func (s *Service) DLUserList() ([]DLUserRow, error) {
	rows, err := s.rows(qDLUserList, 4)
	if err != nil {
		return nil, err
	}
	out := make([]DLUserRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, DLUserRow{
			TTH:      asString(r[0]),
			UID:      uint64(asInt64(r[1])),
			Error:    int(asInt64(r[2])),
			ErrorMsg: asString(r[3]),
		})
	}
	return out, nil
}

// DLInsert persists a new download record and its first user atomically.
func (s *Service) DLInsert(tth string, size int64, dest string, priority int, uid uint64) {
	s.execAsync(FlagChainNext, qDLInsert, tth, size, dest, priority)
	s.execAsync(FlagLastInBatch, qDLUserInsert, tth, int64(uid))
}

// DLAddUser associates another source with an existing record.
func (s *Service) DLAddUser(tth string, uid uint64) {
	s.execAsync(0, qDLUserInsert, tth, int64(uid))
}

// DLSetState persists priority and global error disposition.
func (s *Service) DLSetState(tth string, priority, errKind int, errMsg string) {
	s.execAsync(0, qDLSetState, priority, errKind, errMsg, tth)
}

// DLSetUserError persists a per-user error disposition.
func (s *Service) DLSetUserError(tth string, uid uint64, errKind int, errMsg string) {
	s.execAsync(0, qDLUserSetError, errKind, errMsg, tth, int64(uid))
}

// DLSetTTHL persists the (possibly shrunk) leaf blob for a download.
func (s *Service) DLSetTTHL(tth string, tthl []byte) {
	s.execAsync(FlagLastInBatch, qDLSetTTHL, tthl, tth)
}

// DLDelUser drops one source of a record.
func (s *Service) DLDelUser(tth string, uid uint64) {
	s.execAsync(0, qDLUserDel, tth, int64(uid))
}

// DLDel removes a record and all its user associations atomically.
func (s *Service) DLDel(tth string) {
	s.execAsync(FlagChainNext, qDLUserDelAll, tth)
	s.execAsync(FlagLastInBatch, qDLDel, tth)
}

// HashDataGet returns the stored TTHL blob for a root hash.
func (s *Service) HashDataGet(root string) (int64, []byte, error) {
	rows, err := s.rows(qHashDataGet, 2, root)
	if err != nil || len(rows) == 0 {
		return 0, nil, err
	}
	return asInt64(rows[0][0]), asBlob(rows[0][1]), nil
}

// HashDataSet stores the TTHL blob for a root hash.
func (s *Service) HashDataSet(root string, size int64, tthl []byte) {
	s.execAsync(FlagLastInBatch, qHashDataSet, root, size, tthl)
}

// HashFileGet resolves a shared file path to its hash bookkeeping.
func (s *Service) HashFileGet(filename string) (id int64, tth string, lastmod int64, ok bool, err error) {
	rows, err := s.rows(qHashFileGet, 3, filename)
	if err != nil || len(rows) == 0 {
		return 0, "", 0, false, err
	}
	return asInt64(rows[0][0]), asString(rows[0][1]), asInt64(rows[0][2]), true, nil
}

// HashFileSet records the hash bookkeeping of a shared file, returning the
// row id used as the node's storage id.
func (s *Service) HashFileSet(filename, tth string, lastmod int64) (int64, error) {
	reply := make(chan Result, 1)
	s.Submit(&Request{
		Flags:      FlagLastInBatch,
		Query:      qHashFileSet,
		Params:     []any{filename, tth, lastmod},
		WantLastID: true,
		Reply:      reply,
	})
	res := <-reply
	return res.LastID, res.Err
}

// HashFileDel forgets a no-longer-shared file.
func (s *Service) HashFileDel(filename string) {
	s.execAsync(0, qHashFileDel, filename)
}

// ShareList returns the configured share roots as name → path.
func (s *Service) ShareList() (map[string]string, error) {
	rows, err := s.rows(qShareList, 2)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[asString(r[0])] = asString(r[1])
	}
	return out, nil
}

// ShareAdd registers a share root under a friendly name.
func (s *Service) ShareAdd(name, path string) error {
	return s.exec(FlagLastInBatch, qShareAdd, name, path)
}

// ShareDel removes a share root.
func (s *Service) ShareDel(name string) error {
	return s.exec(FlagLastInBatch, qShareDel, name)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

func asBlob(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}
