package store

import (
	"context"
	"database/sql"
	"fmt"
)

const groupColumns = `id, server_id, name, description, category_id, category_name, category_icon,
	members_count, unread_count, score, last_message_at, last_message_content,
	last_message_sender, last_message_sender_id, is_synced, created_at, updated_at`

// upsertGroupSQL keeps last_message_at monotonic; the denormalized preview
// fields follow whichever side is newer.
const upsertGroupSQL = `
	INSERT INTO chat_groups (` + groupColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		server_id = excluded.server_id,
		name = excluded.name,
		description = excluded.description,
		category_id = excluded.category_id,
		category_name = excluded.category_name,
		category_icon = excluded.category_icon,
		members_count = excluded.members_count,
		unread_count = excluded.unread_count,
		score = excluded.score,
		last_message_content = CASE WHEN excluded.last_message_at > chat_groups.last_message_at THEN excluded.last_message_content ELSE chat_groups.last_message_content END,
		last_message_sender = CASE WHEN excluded.last_message_at > chat_groups.last_message_at THEN excluded.last_message_sender ELSE chat_groups.last_message_sender END,
		last_message_sender_id = CASE WHEN excluded.last_message_at > chat_groups.last_message_at THEN excluded.last_message_sender_id ELSE chat_groups.last_message_sender_id END,
		last_message_at = MAX(chat_groups.last_message_at, excluded.last_message_at),
		is_synced = excluded.is_synced,
		created_at = CASE WHEN chat_groups.created_at = 0 THEN excluded.created_at ELSE chat_groups.created_at END,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertGroup(ctx context.Context, ex execer, g *Group) error {
	normalizeGroup(g, nowMillis())
	if g.ID == "" {
		return fmt.Errorf("upsert group: missing id")
	}
	_, err := ex.ExecContext(ctx, upsertGroupSQL,
		g.ID, g.ServerID, g.Name, g.Description, g.CategoryID, g.CategoryName, g.CategoryIcon,
		g.MembersCount, g.UnreadCount, g.Score, g.LastMessageAt, g.LastMessageContent,
		g.LastMessageSender, g.LastMessageSenderID, g.IsSynced, g.CreatedAt, g.UpdatedAt)
	return err
}

// UpsertGroup inserts or updates a group keyed by server id.
func (db *DB) UpsertGroup(ctx context.Context, g *Group) error {
	return upsertGroup(ctx, db, g)
}

// UpsertGroups writes a batch of groups in one transaction.
func (db *DB) UpsertGroups(ctx context.Context, groups []Group) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range groups {
			if err := upsertGroup(ctx, tx, &groups[i]); err != nil {
				return fmt.Errorf("upsert group %s: %w", groups[i].ID, err)
			}
		}
		return nil
	})
}

func scanGroup(r rowScanner) (*Group, error) {
	var g Group
	err := r.Scan(&g.ID, &g.ServerID, &g.Name, &g.Description, &g.CategoryID, &g.CategoryName, &g.CategoryIcon,
		&g.MembersCount, &g.UnreadCount, &g.Score, &g.LastMessageAt, &g.LastMessageContent,
		&g.LastMessageSender, &g.LastMessageSenderID, &g.IsSynced, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup returns a group by id or server id.
func (db *DB) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM chat_groups WHERE id = ? OR server_id = ? LIMIT 1`, id, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListGroups returns groups ordered by most recent activity.
func (db *DB) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+groupColumns+` FROM chat_groups
		ORDER BY CASE WHEN last_message_at > 0 THEN last_message_at ELSE created_at END DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group. Its messages are kept; they only reference it.
func (db *DB) DeleteGroup(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chat_groups WHERE id = ?`, id)
	return err
}
