package store

import (
	"context"
	"unicode/utf8"
)

// Store is the persistent mirror of server state. Both the sqlite and the
// key-value backings implement it; callers can only tell them apart through
// Backend. Lookups return (nil, nil) when the record does not exist.
type Store interface {
	Backend() Capability

	UpsertGroup(ctx context.Context, g *Group) error
	UpsertGroups(ctx context.Context, groups []Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, id string) error

	UpsertMessage(ctx context.Context, m *Message) error
	UpsertMessages(ctx context.Context, msgs []Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkMessageDeleted(ctx context.Context, id string, at int64) error
	ConfirmMessage(ctx context.Context, tempID, serverID string) (*Message, error)

	UpsertUsers(ctx context.Context, users []User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	UpsertCategories(ctx context.Context, cats []Category) error
	ListCategories(ctx context.Context) ([]Category, error)
	DeleteCategory(ctx context.Context, id string) error

	UpsertPrompts(ctx context.Context, prompts []Prompt) error
	ListPrompts(ctx context.Context) ([]Prompt, error)
	DeletePrompt(ctx context.Context, id string) error

	AddAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	PendingActions(ctx context.Context) ([]Action, error)
	RecordActionFailure(ctx context.Context, id string) (int, error)
	DeleteAction(ctx context.Context, id string) error
	CountActions(ctx context.Context) (ActionCounts, error)

	SetState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, error)

	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	Close() error
}

// MessageBackup is implemented by backings without transactional writes. They
// keep a recovery copy of each group's messages, refreshed after a pull.
type MessageBackup interface {
	BackupMessages(ctx context.Context, groupID string) error
}

// normalizeGroup applies keying and timestamp defaults before a write.
func normalizeGroup(g *Group, now int64) {
	g.ID = Key(g.ServerID, g.ID)
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
}

func normalizeMessage(m *Message, now int64) {
	m.ID = Key(m.ServerID, m.ID)
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// mergeGroup folds an incoming group into the existing one, keeping the
// last-message fields of whichever side is newer.
func mergeGroup(existing, incoming Group) Group {
	out := incoming
	if existing.CreatedAt != 0 {
		out.CreatedAt = existing.CreatedAt
	}
	if existing.LastMessageAt > incoming.LastMessageAt {
		out.LastMessageAt = existing.LastMessageAt
		out.LastMessageContent = existing.LastMessageContent
		out.LastMessageSender = existing.LastMessageSender
		out.LastMessageSenderID = existing.LastMessageSenderID
	}
	return out
}

// bumpGroup advances a group's last-message fields from m when m is newer.
func bumpGroup(g *Group, m *Message) bool {
	if m.DeletedAt != 0 || m.CreatedAt <= g.LastMessageAt {
		return false
	}
	g.LastMessageAt = m.CreatedAt
	g.LastMessageContent = truncate(m.Content, 100)
	g.LastMessageSender = m.SenderName
	g.LastMessageSenderID = m.SenderID
	return true
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
