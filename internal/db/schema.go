package db

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the user_version this client reads and writes. Databases
// below it need the external upgrade tool; databases above it belong to a
// newer client.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS hashdata (
	root TEXT NOT NULL PRIMARY KEY,
	size INTEGER NOT NULL,
	tthl BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS hashfiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL UNIQUE,
	tth TEXT NOT NULL,
	lastmod INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dl (
	tth TEXT NOT NULL PRIMARY KEY,
	size INTEGER NOT NULL,
	dest TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	error INTEGER NOT NULL DEFAULT 0,
	error_msg TEXT,
	tthl BLOB
);

CREATE TABLE IF NOT EXISTS dl_users (
	tth TEXT NOT NULL,
	uid INTEGER NOT NULL,
	error INTEGER NOT NULL DEFAULT 0,
	error_msg TEXT,
	PRIMARY KEY (tth, uid)
);

CREATE TABLE IF NOT EXISTS share (
	name TEXT NOT NULL PRIMARY KEY,
	path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vars (
	name TEXT NOT NULL,
	hub INTEGER NOT NULL DEFAULT 0,
	value TEXT NOT NULL,
	PRIMARY KEY (name, hub)
);
`

// applySchema enforces the version gate and creates the tables on a fresh
// database.
func applySchema(sdb *sql.DB) error {
	var version int
	if err := sdb.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch {
	case version == 0:
		if _, err := sdb.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := sdb.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	case version < schemaVersion:
		return ErrSchemaTooOld
	case version > schemaVersion:
		return ErrSchemaTooNew
	}
	return nil
}
