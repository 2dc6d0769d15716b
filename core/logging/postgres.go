package logging

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns = 5
	defaultMaxIdleConns = 2
	defaultConnLifetime = time.Hour
	defaultPingTimeout  = 5 * time.Second
)

// PostgresStore persists logs to PostgreSQL through the pgx stdlib driver.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to dsn, validates the connection and ensures
// schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("logging: empty postgres DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS cycle_logs (
        id BIGSERIAL PRIMARY KEY,
        ts BIGINT NOT NULL,
        cycle_id TEXT NOT NULL,
        record TEXT NOT NULL
    );`
	index := `CREATE INDEX IF NOT EXISTS cycle_logs_ts ON cycle_logs (ts);`
	if err := ensureSchema(db, schema, index); err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore{db: db, placeholder: dollar}}, nil
}
