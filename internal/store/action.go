package store

import (
	"context"
	"database/sql"
	"fmt"
)

const actionColumns = `id, action_type, data, retry_count, max_retries, is_synced, created_at, updated_at`

// AddAction persists a new queued action.
func (db *DB) AddAction(ctx context.Context, a *Action) error {
	now := nowMillis()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	payload := string(a.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO offline_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, payload, a.RetryCount, a.MaxRetries, a.IsSynced, a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAction(r rowScanner) (*Action, error) {
	var (
		a    Action
		data string
	)
	if err := r.Scan(&a.ID, &a.Type, &data, &a.RetryCount, &a.MaxRetries, &a.IsSynced, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Payload = []byte(data)
	return &a, nil
}

// GetAction returns a queued action by id.
func (db *DB) GetAction(ctx context.Context, id string) (*Action, error) {
	a, err := scanAction(db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM offline_actions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// PendingActions returns unsynced actions in creation order.
func (db *DB) PendingActions(ctx context.Context) ([]Action, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM offline_actions
		WHERE is_synced = 0
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// RecordActionFailure increments an action's retry count and returns the new value.
func (db *DB) RecordActionFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE offline_actions SET retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?`, nowMillis(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("action %s not found", id)
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM offline_actions WHERE id = ?`, id).Scan(&count)
	})
	return count, err
}

// DeleteAction hard-deletes an action.
func (db *DB) DeleteAction(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id)
	return err
}

// CountActions reports pending actions and how many of them have failed at least once.
func (db *DB) CountActions(ctx context.Context) (ActionCounts, error) {
	var c ActionCounts
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0)
		FROM offline_actions WHERE is_synced = 0`).Scan(&c.Pending, &c.Failing)
	return c, err
}
