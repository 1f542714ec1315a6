package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crdtsync/internal/crdt"
)

// Keys of the sync_meta table.
const (
	MetaReplicaID  = "replica_id"
	MetaGroupID    = "group_id"
	MetaFileID     = "file_id"
	MetaSyncMode   = "sync_mode"
	MetaSyncCursor = "last_sync"
)

// Field is one materialized field value.
type Field struct {
	Dataset string
	Row     string
	Column  string
	Value   crdt.Scalar
}

// GetRow returns the current field values of a row.
// Returns an empty Row (not nil) if the row has no fields.
func (s *Store) GetRow(ctx context.Context, dataset, row string) (crdt.Row, error) {
	return getRow(ctx, s.db, dataset, row)
}

func getRow(ctx context.Context, q querier, dataset, row string) (crdt.Row, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT col, value FROM fields
		WHERE dataset = ? AND row_id = ?
		ORDER BY col COLLATE BINARY ASC
	`, dataset, row)
	if err != nil {
		return nil, fmt.Errorf("get row %s/%s: %w", dataset, row, err)
	}
	defer rows.Close()

	out := crdt.Row{}
	for rows.Next() {
		var col, text string
		if err := rows.Scan(&col, &text); err != nil {
			return nil, fmt.Errorf("get row %s/%s: %w", dataset, row, err)
		}
		v, err := crdt.DecodeScalar(text)
		if err != nil {
			return nil, fmt.Errorf("get row %s/%s: column %s: %w", dataset, row, col, err)
		}
		out[col] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get row %s/%s: %w", dataset, row, err)
	}
	return out, nil
}

// Fields returns every materialized field, ordered by dataset, row, column.
// Returns an empty slice (not nil) for an empty database.
func (s *Store) Fields(ctx context.Context) ([]Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset, row_id, col, value FROM fields
		ORDER BY dataset COLLATE BINARY ASC, row_id COLLATE BINARY ASC, col COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	fields := []Field{}
	for rows.Next() {
		var f Field
		var text string
		if err := rows.Scan(&f.Dataset, &f.Row, &f.Column, &text); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if f.Value, err = crdt.DecodeScalar(text); err != nil {
			return nil, fmt.Errorf("scan field %s/%s.%s: %w", f.Dataset, f.Row, f.Column, err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return fields, nil
}

// MessagesSince returns every logged message with a timestamp strictly after
// since, in timestamp order. A limit of zero or less means no limit.
// Returns an empty slice (not nil) if nothing is newer.
func (s *Store) MessagesSince(ctx context.Context, since crdt.Timestamp, limit int) ([]crdt.Message, error) {
	query := `
		SELECT timestamp, dataset, row_id, col, value FROM messages_crdt
		WHERE timestamp > ?
		ORDER BY timestamp ASC
	`
	args := []any{since.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []crdt.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the size of the mutation log.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_crdt`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LatestTimestamp returns the newest logged timestamp, or crdt.Zero for an
// empty log.
func (s *Store) LatestTimestamp(ctx context.Context) (crdt.Timestamp, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM messages_crdt ORDER BY timestamp DESC LIMIT 1`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.Zero, nil
	}
	if err != nil {
		return crdt.Timestamp{}, fmt.Errorf("latest timestamp: %w", err)
	}
	ts, err := crdt.Parse(text)
	if err != nil {
		return crdt.Timestamp{}, fmt.Errorf("latest timestamp: %w", err)
	}
	return ts, nil
}

// ReadClock returns the persisted clock. The boolean is false for a database
// that has never written one.
func (s *Store) ReadClock(ctx context.Context) (ClockState, bool, error) {
	return readClock(ctx, s.db)
}

func readClock(ctx context.Context, q querier) (ClockState, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT clock FROM messages_clock WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ClockState{}, false, nil
	}
	if err != nil {
		return ClockState{}, false, fmt.Errorf("read clock: %w", err)
	}
	state, err := unmarshalClock(data)
	if err != nil {
		return ClockState{}, false, fmt.Errorf("read clock: %w", err)
	}
	return state, true, nil
}

// GetMeta returns a replica setting. The boolean is false if it is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SyncCursor returns the timestamp up to which this replica has synced, or
// crdt.Zero if it never has.
func (s *Store) SyncCursor(ctx context.Context) (crdt.Timestamp, error) {
	text, ok, err := s.GetMeta(ctx, MetaSyncCursor)
	if err != nil {
		return crdt.Timestamp{}, err
	}
	if !ok {
		return crdt.Zero, nil
	}
	ts, err := crdt.Parse(text)
	if err != nil {
		return crdt.Timestamp{}, fmt.Errorf("sync cursor: %w", err)
	}
	return ts, nil
}

func scanMessage(rows *sql.Rows) (crdt.Message, error) {
	var tsText, valueText string
	var m crdt.Message
	if err := rows.Scan(&tsText, &m.Dataset, &m.Row, &m.Column, &valueText); err != nil {
		return crdt.Message{}, fmt.Errorf("scan message: %w", err)
	}
	ts, err := crdt.Parse(tsText)
	if err != nil {
		return crdt.Message{}, fmt.Errorf("scan message: %w", err)
	}
	v, err := crdt.DecodeScalar(valueText)
	if err != nil {
		return crdt.Message{}, fmt.Errorf("scan message %s: %w", tsText, err)
	}
	m.Timestamp = ts
	m.Value = v
	return m, nil
}
