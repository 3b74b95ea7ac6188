package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const messageColumns = `id, server_id, group_id, content, sender_id, sender_name, sender_avatar,
	reply_to_id, file_url, file_type, temp_id, is_pending, is_synced, deleted_at, created_at, updated_at`

const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		server_id = CASE WHEN excluded.server_id != '' THEN excluded.server_id ELSE messages.server_id END,
		group_id = excluded.group_id,
		content = excluded.content,
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		sender_avatar = excluded.sender_avatar,
		reply_to_id = excluded.reply_to_id,
		file_url = excluded.file_url,
		file_type = excluded.file_type,
		temp_id = CASE WHEN messages.temp_id != '' THEN messages.temp_id ELSE excluded.temp_id END,
		is_pending = excluded.is_pending,
		is_synced = excluded.is_synced,
		deleted_at = MAX(messages.deleted_at, excluded.deleted_at),
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

// bumpGroupSQL advances an existing group's last-message fields. It never
// creates a group.
const bumpGroupSQL = `
	UPDATE chat_groups SET
		last_message_at = ?, last_message_content = ?, last_message_sender = ?,
		last_message_sender_id = ?, updated_at = ?
	WHERE id = ? AND last_message_at < ?`

func upsertMessage(ctx context.Context, ex execer, m *Message) error {
	normalizeMessage(m, nowMillis())
	if m.ID == "" || m.GroupID == "" {
		return fmt.Errorf("upsert message: missing id or group")
	}
	if _, err := ex.ExecContext(ctx, upsertMessageSQL,
		m.ID, m.ServerID, m.GroupID, m.Content, m.SenderID, m.SenderName, m.SenderAvatar,
		m.ReplyToID, m.FileURL, m.FileType, m.TempID, m.IsPending, m.IsSynced, m.DeletedAt,
		m.CreatedAt, m.UpdatedAt); err != nil {
		return err
	}
	if m.DeletedAt != 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx, bumpGroupSQL,
		m.CreatedAt, truncate(m.Content, 100), m.SenderName, m.SenderID, m.UpdatedAt,
		m.GroupID, m.CreatedAt)
	return err
}

// UpsertMessage inserts or updates a message keyed by server id and bumps
// the owning group's last-message fields.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertMessage(ctx, tx, m)
	})
}

// UpsertMessages writes a batch of messages in one transaction, so a crash
// leaves either none or all of them.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
				return fmt.Errorf("upsert message %s: %w", msgs[i].ID, err)
			}
		}
		return nil
	})
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.ServerID, &m.GroupID, &m.Content, &m.SenderID, &m.SenderName, &m.SenderAvatar,
		&m.ReplyToID, &m.FileURL, &m.FileType, &m.TempID, &m.IsPending, &m.IsSynced, &m.DeletedAt,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func getMessage(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = ? OR server_id = ? OR (temp_id != '' AND temp_id = ?)
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
		LIMIT 1`, id, id, id, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMessage returns a message by local id, server id or temp id.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db, id)
}

// QueryMessages returns messages matching q, oldest first.
func (db *DB) QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	if q.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, q.GroupID)
	}
	if q.PendingOnly {
		where = append(where, "is_pending = 1")
	}
	if !q.IncludeDeleted {
		where = append(where, "deleted_at = 0")
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessage hard-deletes a message by id.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// MarkMessageDeleted records a local deletion without removing the row.
func (db *DB) MarkMessageDeleted(ctx context.Context, id string, at int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ?, updated_at = ?
		WHERE id = ? OR server_id = ? OR (temp_id != '' AND temp_id = ?)`,
		at, nowMillis(), id, id, id)
	return err
}

// ConfirmMessage replaces an optimistic message's temp id with the server id
// and clears its pending state. When the server copy already arrived through
// another path, the optimistic row is dropped in its favor. Returns nil when
// no message carries tempID.
func (db *DB) ConfirmMessage(ctx context.Context, tempID, serverID string) (*Message, error) {
	var confirmed *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var pendingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE temp_id = ?`, tempID).Scan(&pendingID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		now := nowMillis()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ? AND id != ?`, serverID, pendingID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, pendingID); err != nil {
				return fmt.Errorf("drop optimistic row: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET temp_id = ?, is_pending = 0, is_synced = 1, updated_at = ?
				WHERE id = ?`, tempID, now, serverID); err != nil {
				return fmt.Errorf("adopt temp id: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET id = ?, server_id = ?, is_pending = 0, is_synced = 1, updated_at = ?
				WHERE id = ?`, serverID, serverID, now, pendingID); err != nil {
				return fmt.Errorf("confirm message: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET reply_to_id = ? WHERE reply_to_id IN (?, ?)`, serverID, tempID, pendingID); err != nil {
			return fmt.Errorf("rewrite replies: %w", err)
		}

		confirmed, err = getMessage(ctx, tx, serverID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}
