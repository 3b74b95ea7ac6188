package store

import "encoding/json"

// Capability names the backing that is serving a Store.
type Capability string

const (
	// CapabilitySQLite is the embedded database backing.
	CapabilitySQLite Capability = "sqlite"
	// CapabilityKV is the key-value fallback backing.
	CapabilityKV Capability = "kv"
)

// Key returns the identity a mirror record is stored under: the server id
// when one is known, otherwise the local id.
func Key(serverID, id string) string {
	if serverID != "" {
		return serverID
	}
	return id
}

// User is a local mirror of a server user. Created on first sighting.
type User struct {
	ID        string `json:"id"`
	ServerID  string `json:"serverId,omitempty"`
	FirstName string `json:"fname"`
	LastName  string `json:"lname,omitempty"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	CampusID  string `json:"campusId,omitempty"`
	IsSynced  bool   `json:"isSynced"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Group is a conversation. LastMessageAt is the freshness signal used by
// the reconciler and only ever moves forward.
type Group struct {
	ID                  string  `json:"id"`
	ServerID            string  `json:"serverId,omitempty"`
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	CategoryID          string  `json:"categoryId,omitempty"`
	CategoryName        string  `json:"categoryName,omitempty"`
	CategoryIcon        string  `json:"categoryIcon,omitempty"`
	MembersCount        int     `json:"membersCount"`
	UnreadCount         int     `json:"unreadCount"`
	Score               float64 `json:"score"`
	LastMessageAt       int64   `json:"lastMessageAt,omitempty"`
	LastMessageContent  string  `json:"lastMessageContent,omitempty"`
	LastMessageSender   string  `json:"lastMessageSender,omitempty"`
	LastMessageSenderID string  `json:"lastMessageSenderId,omitempty"`
	IsSynced            bool    `json:"isSynced"`
	CreatedAt           int64   `json:"createdAt"`
	UpdatedAt           int64   `json:"updatedAt"`
}

// Freshness returns the local time used for staleness comparison:
// last message time, then creation time, then update time.
func (g *Group) Freshness() int64 {
	switch {
	case g.LastMessageAt > 0:
		return g.LastMessageAt
	case g.CreatedAt > 0:
		return g.CreatedAt
	default:
		return g.UpdatedAt
	}
}

// Message is a chat message. ServerID is empty while the message is pending.
type Message struct {
	ID           string `json:"id"`
	ServerID     string `json:"serverId,omitempty"`
	GroupID      string `json:"groupId"`
	Content      string `json:"content"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
	ReplyToID    string `json:"replyToId,omitempty"`
	FileURL      string `json:"fileUrl,omitempty"`
	FileType     string `json:"fileType,omitempty"`
	TempID       string `json:"tempId,omitempty"`
	IsPending    bool   `json:"isPending"`
	IsSynced     bool   `json:"isSynced"`
	DeletedAt    int64  `json:"deletedAt,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// MessageQuery filters QueryMessages. Zero fields do not filter.
type MessageQuery struct {
	GroupID        string
	PendingOnly    bool
	IncludeDeleted bool
	Limit          int
}

func (q MessageQuery) match(m *Message) bool {
	if q.GroupID != "" && m.GroupID != q.GroupID {
		return false
	}
	if q.PendingOnly && !m.IsPending {
		return false
	}
	if !q.IncludeDeleted && m.DeletedAt != 0 {
		return false
	}
	return true
}

// Category is a read-mostly mirror of a group or prompt category.
type Category struct {
	ID        string `json:"id"`
	ServerID  string `json:"serverId,omitempty"`
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	Color     string `json:"color,omitempty"`
	Type      string `json:"type"` // group, prompt
	IsSynced  bool   `json:"isSynced"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Prompt is a read-mostly mirror of a matching prompt.
type Prompt struct {
	ID           string `json:"id"`
	ServerID     string `json:"serverId,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	CategoryID   string `json:"categoryId,omitempty"`
	CategoryName string `json:"categoryName,omitempty"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	UserAvatar   string `json:"userAvatar,omitempty"`
	CampusID     string `json:"campusId,omitempty"`
	IsPublic     bool   `json:"isPublic"`
	IsSynced     bool   `json:"isSynced"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Action is a queued user mutation awaiting delivery.
type Action struct {
	ID         string          `json:"id"`
	Type       string          `json:"actionType"`
	Payload    json.RawMessage `json:"data"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	IsSynced   bool            `json:"isSynced"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// ActionCounts summarizes the queue.
type ActionCounts struct {
	Pending int `json:"pending"`
	Failing int `json:"failing"`
}

// Stats holds record counts per entity type.
type Stats struct {
	Groups     int `json:"groups"`
	Messages   int `json:"messages"`
	Users      int `json:"users"`
	Categories int `json:"categories"`
	Prompts    int `json:"prompts"`
	Actions    int `json:"actions"`
}

// Total returns the sum of all counts.
func (s Stats) Total() int {
	return s.Groups + s.Messages + s.Users + s.Categories + s.Prompts + s.Actions
}
