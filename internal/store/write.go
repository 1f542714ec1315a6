package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crdtsync/internal/crdt"
)

// Tx is the storage view handed to a Transaction callback. All reads observe
// the transaction's own earlier writes.
type Tx interface {
	// GetRow returns the current field values of a row. A missing row is an
	// empty, non-nil Row.
	GetRow(ctx context.Context, dataset, row string) (crdt.Row, error)

	// SetField upserts one field value.
	SetField(ctx context.Context, dataset, row, column string, value crdt.Scalar) error

	// HasMessage reports whether the log holds a message with timestamp ts.
	HasMessage(ctx context.Context, ts crdt.Timestamp) (bool, error)

	// LatestFieldTimestamp returns the newest logged timestamp for a field.
	LatestFieldTimestamp(ctx context.Context, key crdt.FieldKey) (crdt.Timestamp, bool, error)

	// AppendMessage adds m to the log. It returns false if a message with the
	// same timestamp was already logged.
	AppendMessage(ctx context.Context, m crdt.Message) (bool, error)

	// ReadClock returns the persisted clock, if any.
	ReadClock(ctx context.Context) (ClockState, bool, error)

	// WriteClock replaces the persisted clock.
	WriteClock(ctx context.Context, state ClockState) error

	// ScanTimestamps calls fn for every logged timestamp in ascending order.
	ScanTimestamps(ctx context.Context, fn func(crdt.Timestamp) error) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) GetRow(ctx context.Context, dataset, row string) (crdt.Row, error) {
	return getRow(ctx, t.tx, dataset, row)
}

func (t *sqlTx) SetField(ctx context.Context, dataset, row, column string, value crdt.Scalar) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fields (dataset, row_id, col, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset, row_id, col) DO UPDATE SET value = excluded.value
	`, dataset, row, column, crdt.EncodeScalar(value))
	if err != nil {
		return fmt.Errorf("set field %s/%s.%s: %w", dataset, row, column, err)
	}
	return nil
}

func (t *sqlTx) HasMessage(ctx context.Context, ts crdt.Timestamp) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages_crdt WHERE timestamp = ?`, ts.String(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message: %w", err)
	}
	return true, nil
}

func (t *sqlTx) LatestFieldTimestamp(ctx context.Context, key crdt.FieldKey) (crdt.Timestamp, bool, error) {
	var text string
	err := t.tx.QueryRowContext(ctx, `
		SELECT timestamp FROM messages_crdt
		WHERE dataset = ? AND row_id = ? AND col = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, key.Dataset, key.Row, key.Column).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.Timestamp{}, false, nil
	}
	if err != nil {
		return crdt.Timestamp{}, false, fmt.Errorf("latest field timestamp: %w", err)
	}
	ts, err := crdt.Parse(text)
	if err != nil {
		return crdt.Timestamp{}, false, fmt.Errorf("latest field timestamp: %w", err)
	}
	return ts, true, nil
}

func (t *sqlTx) AppendMessage(ctx context.Context, m crdt.Message) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages_crdt (timestamp, dataset, row_id, col, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO NOTHING
	`, m.Timestamp.String(), m.Dataset, m.Row, m.Column, crdt.EncodeScalar(m.Value))
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message: rows affected: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) ReadClock(ctx context.Context) (ClockState, bool, error) {
	return readClock(ctx, t.tx)
}

func (t *sqlTx) WriteClock(ctx context.Context, state ClockState) error {
	data, err := marshalClock(state)
	if err != nil {
		return fmt.Errorf("write clock: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO messages_clock (id, clock) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET clock = excluded.clock
	`, data)
	if err != nil {
		return fmt.Errorf("write clock: %w", err)
	}
	return nil
}

func (t *sqlTx) ScanTimestamps(ctx context.Context, fn func(crdt.Timestamp) error) error {
	rows, err := t.tx.QueryContext(ctx, `SELECT timestamp FROM messages_crdt ORDER BY timestamp ASC`)
	if err != nil {
		return fmt.Errorf("scan timestamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return fmt.Errorf("scan timestamps: %w", err)
		}
		ts, err := crdt.Parse(text)
		if err != nil {
			return fmt.Errorf("scan timestamps: %w", err)
		}
		if err := fn(ts); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan timestamps: %w", err)
	}
	return nil
}

// SetMeta upserts a replica setting.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// SetSyncCursor records the timestamp up to which this replica has synced.
func (s *Store) SetSyncCursor(ctx context.Context, ts crdt.Timestamp) error {
	return s.SetMeta(ctx, MetaSyncCursor, ts.String())
}

// WriteClock replaces the persisted clock outside of an apply transaction.
func (s *Store) WriteClock(ctx context.Context, state ClockState) error {
	return s.Transaction(ctx, func(tx Tx) error {
		return tx.WriteClock(ctx, state)
	})
}
