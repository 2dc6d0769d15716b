package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// sqlStore implements LogStore on database/sql. Drivers differ only in
// placeholder syntax and schema.
type sqlStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func (s *sqlStore) Append(ctx context.Context, rec LogRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO cycle_logs (ts, cycle_id, record) VALUES (%s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err = s.db.ExecContext(ctx, query, rec.Timestamp.UnixMilli(), rec.CycleID, string(b))
	return err
}

// buildQuery renders the SELECT for q. The chargepoint filter is applied after
// decoding since allocations are stored inside the record.
func (s *sqlStore) buildQuery(q LogQuery) (string, []any) {
	var args []any
	query := `SELECT record FROM cycle_logs WHERE 1=1`
	if !q.Start.IsZero() {
		args = append(args, q.Start.UnixMilli())
		query += ` AND ts >= ` + s.placeholder(len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End.UnixMilli())
		query += ` AND ts <= ` + s.placeholder(len(args))
	}
	query += ` ORDER BY ts, id`
	return query, args
}

func (s *sqlStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	query, args := s.buildQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []LogRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r LogRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if q.matches(r) {
			res = append(res, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.limit(res), nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// ensureSchema runs the DDL statements and closes db on failure.
func ensureSchema(db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
			}
			return err
		}
	}
	return nil
}
