package logging

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists logs to a SQLite database.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS cycle_logs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        ts INTEGER,
        cycle_id TEXT,
        record TEXT
    );`
	if err := ensureSchema(db, schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore{db: db, placeholder: questionMark}}, nil
}
