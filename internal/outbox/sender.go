package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	"go.uber.org/zap"
)

// Identity is the local user stamped on optimistic messages.
type Identity struct {
	UserID      string
	DisplayName string
}

// Intent is a user-initiated mutation.
type Intent struct {
	Type      string        `json:"type"`
	GroupID   string        `json:"groupId,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Content   string        `json:"content,omitempty"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	Reaction  string        `json:"reaction,omitempty"`
	File      *backend.File `json:"file,omitempty"`
}

// SendResult is what Send created.
type SendResult struct {
	Action *store.Action `json:"action"`
	TempID string        `json:"tempId,omitempty"`
}

// Sender is the entry point for user intents: it applies the optimistic
// local change, then queues the matching action.
type Sender struct {
	store  store.Store
	queue  *Queue
	cache  *readcache.Cache
	me     Identity
	logger *zap.Logger
}

// NewSender creates a sender. cache may be nil.
func NewSender(st store.Store, q *Queue, cache *readcache.Cache, me Identity, logger *zap.Logger) *Sender {
	return &Sender{store: st, queue: q, cache: cache, me: me, logger: logger}
}

func (in Intent) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidIntent, in.Type, field)
	}
	switch in.Type {
	case TypeMessage:
		if in.GroupID == "" {
			return missing("groupId")
		}
		if strings.TrimSpace(in.Content) == "" && in.File == nil {
			return missing("content")
		}
	case TypeDeleteMessage:
		if in.MessageID == "" {
			return missing("messageId")
		}
	case TypeReaction:
		if in.MessageID == "" {
			return missing("messageId")
		}
		if in.Reaction == "" {
			return missing("reaction")
		}
	case TypeReadStatus, TypeJoinGroup, TypeLeaveGroup:
		if in.GroupID == "" {
			return missing("groupId")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, in.Type)
	}
	return nil
}

// Send applies the intent locally and enqueues it.
func (s *Sender) Send(ctx context.Context, in Intent) (*SendResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		payload any
		res     SendResult
		groupID = in.GroupID
	)
	switch in.Type {
	case TypeMessage:
		tempID := "temp_" + uuid.NewString()
		now := s.queue.stamp()
		m := &store.Message{
			ID:         tempID,
			TempID:     tempID,
			GroupID:    in.GroupID,
			Content:    in.Content,
			SenderID:   s.me.UserID,
			SenderName: s.me.DisplayName,
			ReplyToID:  in.ReplyTo,
			IsPending:  true,
			CreatedAt:  now,
		}
		if in.File != nil {
			m.FileURL, m.FileType = in.File.Data, in.File.Ext
		}
		if err := s.store.UpsertMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("optimistic message: %w", err)
		}
		res.TempID = tempID
		payload = MessagePayload{TempID: tempID, GroupID: in.GroupID, Content: in.Content, ReplyTo: in.ReplyTo, File: in.File}

	case TypeDeleteMessage:
		m, err := s.store.GetMessage(ctx, in.MessageID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			groupID = m.GroupID
			if err := s.store.MarkMessageDeleted(ctx, m.ID, s.queue.now().UnixMilli()); err != nil {
				return nil, fmt.Errorf("optimistic delete: %w", err)
			}
		}
		payload = MessageRefPayload{MessageID: in.MessageID, GroupID: groupID}

	case TypeReaction:
		payload = MessageRefPayload{MessageID: in.MessageID, Reaction: in.Reaction}

	case TypeReadStatus:
		g, err := s.store.GetGroup(ctx, in.GroupID)
		if err != nil {
			return nil, err
		}
		if g != nil && g.UnreadCount != 0 {
			g.UnreadCount = 0
			if err := s.store.UpsertGroup(ctx, g); err != nil {
				return nil, fmt.Errorf("optimistic read: %w", err)
			}
		}
		payload = GroupPayload{GroupID: in.GroupID}

	default:
		payload = GroupPayload{GroupID: in.GroupID}
	}

	a, err := s.queue.Add(ctx, in.Type, payload, 0)
	if err != nil {
		if res.TempID != "" {
			if derr := s.store.DeleteMessage(ctx, res.TempID); derr != nil {
				s.logger.Warn("failed to roll back optimistic message", zap.String("temp_id", res.TempID), zap.Error(derr))
			}
			s.invalidate(groupID)
		}
		return nil, err
	}
	res.Action = a
	s.invalidate(groupID)
	return &res, nil
}

func (s *Sender) invalidate(groupID string) { invalidateGroup(s.cache, groupID) }
