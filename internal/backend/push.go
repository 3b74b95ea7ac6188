package backend

import (
	"time"

	"github.com/matheus3301/tarpsync/internal/store"
)

// UnknownSenderName is used for pushed messages that carry no sender name.
const UnknownSenderName = "Unknown"

// PushData is a message notification as delivered by the realtime feed.
// Several field spellings are in circulation; all are accepted.
type PushData struct {
	Type       string `json:"type"`
	RoomID     flexID `json:"roomID"`
	RoomIDAlt  flexID `json:"roomId"`
	GroupID    flexID `json:"groupID"`
	GroupIDAlt flexID `json:"groupId"`
	ContentID  flexID `json:"contentId"`
	ID         flexID `json:"id"`
	MessageID  flexID `json:"messageId"`
	Content    string `json:"content"`
	Message    string `json:"message"`
	SenderID   flexID `json:"senderId"`
	SenderName string `json:"senderName"`
	ReplyToID  flexID `json:"replyToId"`
	FileURL    string `json:"fileUrl"`
	FileType   string `json:"fileType"`
	CreatedAt  flexID `json:"createdAt"`
}

// IsMessage reports whether the notification carries a chat message.
func (p PushData) IsMessage() bool {
	return p.Type == "message" || p.Type == "group_message"
}

func firstNonEmpty(ids ...flexID) string {
	for _, id := range ids {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

// ToPushMessage maps a notification to the local mirror. It rejects
// non-message notifications and ones without a group or message id.
func ToPushMessage(p PushData, now time.Time) (store.Message, bool) {
	if !p.IsMessage() {
		return store.Message{}, false
	}
	groupID := firstNonEmpty(p.RoomID, p.RoomIDAlt, p.GroupID, p.GroupIDAlt)
	id := firstNonEmpty(p.ContentID, p.ID, p.MessageID)
	if groupID == "" || id == "" {
		return store.Message{}, false
	}
	m := store.Message{
		ID:         id,
		ServerID:   id,
		GroupID:    groupID,
		Content:    p.Content,
		SenderID:   string(p.SenderID),
		SenderName: p.SenderName,
		ReplyToID:  string(p.ReplyToID),
		FileURL:    p.FileURL,
		FileType:   p.FileType,
		IsSynced:   true,
		CreatedAt:  parseTime(string(p.CreatedAt)),
		UpdatedAt:  now.UnixMilli(),
	}
	if m.Content == "" {
		m.Content = p.Message
	}
	if m.SenderID == "" {
		m.SenderID = SystemSenderID
	}
	if m.SenderName == "" {
		m.SenderName = UnknownSenderName
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now.UnixMilli()
	}
	return m, true
}

// PushSender returns the sender embedded in a pushed message. ok is false
// when the notification names no real user.
func PushSender(p PushData, now time.Time) (store.User, bool) {
	id := string(p.SenderID)
	if id == "" || id == SystemSenderID {
		return store.User{}, false
	}
	return store.User{
		ID:        id,
		ServerID:  id,
		FirstName: p.SenderName,
		IsSynced:  true,
		CreatedAt: now.UnixMilli(),
	}, true
}
