package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertUsers writes users keyed by server id in one transaction.
func (db *DB) UpsertUsers(ctx context.Context, users []User) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		for i := range users {
			u := &users[i]
			u.ID = Key(u.ServerID, u.ID)
			if u.CreatedAt == 0 {
				u.CreatedAt = now
			}
			u.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO users (id, server_id, fname, lname, email, avatar, campus_id, is_synced, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					server_id = excluded.server_id,
					fname = CASE WHEN excluded.fname != '' THEN excluded.fname ELSE users.fname END,
					lname = CASE WHEN excluded.lname != '' THEN excluded.lname ELSE users.lname END,
					email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
					avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE users.avatar END,
					campus_id = CASE WHEN excluded.campus_id != '' THEN excluded.campus_id ELSE users.campus_id END,
					is_synced = excluded.is_synced,
					updated_at = excluded.updated_at`,
				u.ID, u.ServerID, u.FirstName, u.LastName, u.Email, u.Avatar, u.CampusID, u.IsSynced, u.CreatedAt, u.UpdatedAt); err != nil {
				return fmt.Errorf("upsert user %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

const userColumns = `id, server_id, fname, lname, email, avatar, campus_id, is_synced, created_at, updated_at`

func scanUser(r rowScanner) (*User, error) {
	var u User
	if err := r.Scan(&u.ID, &u.ServerID, &u.FirstName, &u.LastName, &u.Email, &u.Avatar, &u.CampusID, &u.IsSynced, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by id or server id.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ? OR server_id = ? LIMIT 1`, id, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ListUsers returns all cached users by first name.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY fname ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a cached user.
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// UpsertCategories writes categories keyed by server id in one transaction.
func (db *DB) UpsertCategories(ctx context.Context, cats []Category) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		for i := range cats {
			c := &cats[i]
			c.ID = Key(c.ServerID, c.ID)
			if c.Type == "" {
				c.Type = "group"
			}
			if c.CreatedAt == 0 {
				c.CreatedAt = now
			}
			c.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (id, server_id, name, icon, color, type, is_synced, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					server_id = excluded.server_id,
					name = excluded.name,
					icon = excluded.icon,
					color = excluded.color,
					type = excluded.type,
					is_synced = excluded.is_synced,
					updated_at = excluded.updated_at`,
				c.ID, c.ServerID, c.Name, c.Icon, c.Color, c.Type, c.IsSynced, c.CreatedAt, c.UpdatedAt); err != nil {
				return fmt.Errorf("upsert category %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListCategories returns all cached categories by name.
func (db *DB) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, server_id, name, icon, color, type, is_synced, created_at, updated_at
		FROM categories ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.ServerID, &c.Name, &c.Icon, &c.Color, &c.Type, &c.IsSynced, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// DeleteCategory removes a cached category.
func (db *DB) DeleteCategory(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	return err
}

// UpsertPrompts writes prompts keyed by server id in one transaction.
func (db *DB) UpsertPrompts(ctx context.Context, prompts []Prompt) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		for i := range prompts {
			p := &prompts[i]
			p.ID = Key(p.ServerID, p.ID)
			if p.CreatedAt == 0 {
				p.CreatedAt = now
			}
			p.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prompts (id, server_id, title, description, category_id, category_name, user_id, user_name,
					user_avatar, campus_id, is_public, is_synced, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					server_id = excluded.server_id,
					title = excluded.title,
					description = excluded.description,
					category_id = excluded.category_id,
					category_name = excluded.category_name,
					user_id = excluded.user_id,
					user_name = excluded.user_name,
					user_avatar = excluded.user_avatar,
					campus_id = excluded.campus_id,
					is_public = excluded.is_public,
					is_synced = excluded.is_synced,
					updated_at = excluded.updated_at`,
				p.ID, p.ServerID, p.Title, p.Description, p.CategoryID, p.CategoryName, p.UserID, p.UserName,
				p.UserAvatar, p.CampusID, p.IsPublic, p.IsSynced, p.CreatedAt, p.UpdatedAt); err != nil {
				return fmt.Errorf("upsert prompt %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// ListPrompts returns prompts newest first.
func (db *DB) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, server_id, title, description, category_id, category_name, user_id, user_name,
			user_avatar, campus_id, is_public, is_synced, created_at, updated_at
		FROM prompts ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var prompts []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.ServerID, &p.Title, &p.Description, &p.CategoryID, &p.CategoryName, &p.UserID, &p.UserName,
			&p.UserAvatar, &p.CampusID, &p.IsPublic, &p.IsSynced, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// DeletePrompt removes a cached prompt.
func (db *DB) DeletePrompt(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	return err
}
