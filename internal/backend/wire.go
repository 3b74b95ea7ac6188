package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/matheus3301/tarpsync/internal/store"
)

// Defaults substituted for absent sender fields.
const (
	SystemSenderID   = "system"
	SystemSenderName = "System"
)

// flexTime decodes an RFC3339 string or a unix-millisecond number. Anything
// else decodes to zero rather than failing the surrounding record.
type flexTime int64

func (t *flexTime) UnmarshalJSON(b []byte) error {
	*t = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*t = flexTime(parseTime(s))
		return nil
	}
	if f, err := strconv.ParseFloat(string(b), 64); err == nil {
		*t = flexTime(int64(f))
	}
	return nil
}

func parseTime(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UnixMilli()
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return 0
}

// flexContent is either a bare string or a {id, message} object.
type flexContent struct {
	ID      string
	Message string
}

func (c *flexContent) UnmarshalJSON(b []byte) error {
	*c = flexContent{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		_ = json.Unmarshal(b, &c.Message)
	case '{':
		var obj struct {
			ID      flexID `json:"id"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(b, &obj); err == nil {
			c.ID, c.Message = string(obj.ID), obj.Message
		}
	}
	return nil
}

// flexID accepts string or numeric ids.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	*id = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		_ = json.Unmarshal(b, &s)
		*id = flexID(s)
		return nil
	}
	*id = flexID(b)
	return nil
}

type wireUser struct {
	ID       flexID `json:"id"`
	FName    string `json:"fname"`
	LName    string `json:"lname"`
	Email    string `json:"email"`
	BgURL    string `json:"bgUrl"`
	Avatar   string `json:"avatar"`
	CampusID flexID `json:"campusId"`
}

type wireCategory struct {
	ID        flexID   `json:"id"`
	Name      string   `json:"name"`
	Icon      string   `json:"icon"`
	ColorHex  string   `json:"colorHex"`
	Type      string   `json:"type"`
	CreatedAt flexTime `json:"createdAt"`
}

type wireLastMessage struct {
	ID         flexID      `json:"id"`
	Content    flexContent `json:"content"`
	Message    string      `json:"message"`
	Sender     *wireUser   `json:"sender"`
	SenderID   flexID      `json:"senderId"`
	SenderName string      `json:"senderName"`
}

// WireGroup is a group as the backend lists it.
type WireGroup struct {
	ID            flexID            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Score         float64           `json:"score"`
	Unread        int               `json:"unread"`
	Category      []wireCategory    `json:"category"`
	Members       []wireUser        `json:"members"`
	Messages      []wireLastMessage `json:"messages"`
	LastMessageAt flexTime          `json:"lastMessageAt"`
	CreatedAt     flexTime          `json:"createdAt"`
	UpdatedAt     flexTime          `json:"updatedAt"`
}

type wireFile struct {
	Name string `json:"name"`
	Data string `json:"data"`
	Ext  string `json:"ext"`
}

// WireMessage is a message as the backend returns it.
type WireMessage struct {
	ID          flexID      `json:"id"`
	MessageType string      `json:"messageType"`
	Content     flexContent `json:"content"`
	Message     string      `json:"message"`
	Sender      *wireUser   `json:"sender"`
	User        *wireUser   `json:"user"`
	ReplyingTo  *struct {
		Content flexContent `json:"content"`
	} `json:"replyingTo"`
	File      *wireFile `json:"file"`
	CreatedAt flexTime  `json:"createdAt"`
}

// ToGroup maps a server group to the local mirror. Category and last-message
// fields come from the first category and the last embedded message.
func ToGroup(w WireGroup, now time.Time) (store.Group, bool) {
	id := string(w.ID)
	if id == "" {
		return store.Group{}, false
	}
	g := store.Group{
		ID:            id,
		ServerID:      id,
		Name:          w.Name,
		Description:   w.Description,
		MembersCount:  len(w.Members),
		UnreadCount:   w.Unread,
		Score:         w.Score,
		LastMessageAt: int64(w.LastMessageAt),
		IsSynced:      true,
		CreatedAt:     int64(w.CreatedAt),
		UpdatedAt:     int64(w.UpdatedAt),
	}
	if g.UpdatedAt == 0 {
		g.UpdatedAt = now.UnixMilli()
	}
	if len(w.Category) > 0 {
		c := w.Category[0]
		g.CategoryID, g.CategoryName, g.CategoryIcon = string(c.ID), c.Name, c.Icon
	}
	if n := len(w.Messages); n > 0 {
		last := w.Messages[n-1]
		g.LastMessageContent = last.Content.Message
		if g.LastMessageContent == "" {
			g.LastMessageContent = last.Message
		}
		g.LastMessageSender, g.LastMessageSenderID = last.SenderName, string(last.SenderID)
		if last.Sender != nil {
			g.LastMessageSender, g.LastMessageSenderID = last.Sender.FName, string(last.Sender.ID)
		}
	}
	return g, true
}

// ServerTime is the freshness the server reports for a group.
func (w WireGroup) ServerTime() int64 {
	if w.LastMessageAt > 0 {
		return int64(w.LastMessageAt)
	}
	return int64(w.CreatedAt)
}

// ToMessage maps a server message to the local mirror, substituting the
// System sender when none is present. Records with no id are rejected.
func ToMessage(w WireMessage, groupID string, now time.Time) (store.Message, bool) {
	id := w.Content.ID
	if id == "" {
		id = string(w.ID)
	}
	if id == "" || groupID == "" {
		return store.Message{}, false
	}
	sender := w.Sender
	if sender == nil {
		sender = w.User
	}
	m := store.Message{
		ID:         id,
		ServerID:   id,
		GroupID:    groupID,
		Content:    w.Content.Message,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderName,
		IsSynced:   true,
		CreatedAt:  int64(w.CreatedAt),
		UpdatedAt:  now.UnixMilli(),
	}
	if m.Content == "" {
		m.Content = w.Message
	}
	if sender != nil {
		if sender.ID != "" {
			m.SenderID = string(sender.ID)
		}
		if sender.FName != "" {
			m.SenderName = sender.FName
		}
		m.SenderAvatar = sender.BgURL
		if m.SenderAvatar == "" {
			m.SenderAvatar = sender.Avatar
		}
	}
	if w.ReplyingTo != nil {
		m.ReplyToID = w.ReplyingTo.Content.ID
	}
	if w.File != nil {
		m.FileURL, m.FileType = w.File.Data, w.File.Ext
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now.UnixMilli()
	}
	return m, true
}

// Users returns the distinct non-system users seen in a group listing and
// its messages.
func Users(groups []WireGroup, msgs []WireMessage, now time.Time) []store.User {
	seen := make(map[string]bool)
	var out []store.User
	add := func(u *wireUser) {
		if u == nil || u.ID == "" || string(u.ID) == SystemSenderID || seen[string(u.ID)] {
			return
		}
		seen[string(u.ID)] = true
		avatar := u.BgURL
		if avatar == "" {
			avatar = u.Avatar
		}
		out = append(out, store.User{
			ID:        string(u.ID),
			ServerID:  string(u.ID),
			FirstName: u.FName,
			LastName:  u.LName,
			Email:     u.Email,
			Avatar:    avatar,
			CampusID:  string(u.CampusID),
			IsSynced:  true,
			CreatedAt: now.UnixMilli(),
		})
	}
	for i := range groups {
		for j := range groups[i].Members {
			add(&groups[i].Members[j])
		}
	}
	for i := range msgs {
		if msgs[i].Sender != nil {
			add(msgs[i].Sender)
		} else {
			add(msgs[i].User)
		}
	}
	return out
}

// Categories returns the distinct categories referenced by groups.
func Categories(groups []WireGroup, now time.Time) []store.Category {
	seen := make(map[string]bool)
	var out []store.Category
	for _, g := range groups {
		for _, c := range g.Category {
			id := string(c.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			created := int64(c.CreatedAt)
			if created == 0 {
				created = now.UnixMilli()
			}
			typ := c.Type
			if typ == "" {
				typ = "group"
			}
			out = append(out, store.Category{
				ID:        id,
				ServerID:  id,
				Name:      c.Name,
				Icon:      c.Icon,
				Color:     c.ColorHex,
				Type:      typ,
				IsSynced:  true,
				CreatedAt: created,
			})
		}
	}
	return out
}

// decodeList extracts a JSON array of T from the first candidate that holds
// one. Elements that fail to decode are skipped individually.
func decodeList[T any](candidates ...json.RawMessage) []T {
	for _, raw := range candidates {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			var v T
			if err := json.Unmarshal(item, &v); err != nil {
				continue
			}
			out = append(out, v)
		}
		return out
	}
	return nil
}

// field returns obj[name] when raw is an object.
func field(raw json.RawMessage, name string) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj[name]
}
