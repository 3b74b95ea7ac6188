package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
)

// API is the subset of the backend the handlers call.
type API interface {
	SendMessage(ctx context.Context, req backend.SendMessageRequest) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	React(ctx context.Context, messageID, reaction string) error
	MarkRead(ctx context.Context, groupID string) error
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context, groupID string) error
}

// Handler delivers one action to the server.
type Handler func(ctx context.Context, a *store.Action) error

// Handlers returns the registry for every known action type. Handlers that
// change local rows drop the affected read cache entries; cache may be nil.
func Handlers(st store.Store, api API, cache *readcache.Cache) map[string]Handler {
	h := &handlers{st: st, api: api, cache: cache}
	return map[string]Handler{
		TypeMessage:       h.message,
		TypeDeleteMessage: h.deleteMessage,
		TypeReaction:      h.reaction,
		TypeReadStatus:    h.readStatus,
		TypeJoinGroup:     h.joinGroup,
		TypeLeaveGroup:    h.leaveGroup,
	}
}

type handlers struct {
	st    store.Store
	api   API
	cache *readcache.Cache
}

func decode[T any](a *store.Action) (T, error) {
	var v T
	if err := json.Unmarshal(a.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return v, nil
}

// resolve maps a possibly-temporary message id to its server id. Ids the
// store does not know are passed through unchanged.
func (h *handlers) resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	m, err := h.st.GetMessage(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil {
		return id, nil
	}
	if m.ServerID != "" {
		return m.ServerID, nil
	}
	if m.IsPending {
		return "", fmt.Errorf("%w: %s", errUnresolved, id)
	}
	return m.ID, nil
}

func (h *handlers) message(ctx context.Context, a *store.Action) error {
	p, err := decode[MessagePayload](a)
	if err != nil {
		return err
	}
	replyTo, err := h.resolve(ctx, p.ReplyTo)
	if err != nil {
		return err
	}
	serverID, err := h.api.SendMessage(ctx, backend.SendMessageRequest{
		GroupID: p.GroupID,
		Message: p.Content,
		ReplyTo: replyTo,
		File:    p.File,
	})
	if err != nil {
		return err
	}
	if _, err := h.st.ConfirmMessage(ctx, p.TempID, serverID); err != nil {
		return fmt.Errorf("confirm %s as %s: %w", p.TempID, serverID, err)
	}
	invalidateGroup(h.cache, p.GroupID)
	return nil
}

func (h *handlers) deleteMessage(ctx context.Context, a *store.Action) error {
	p, err := decode[MessageRefPayload](a)
	if err != nil {
		return err
	}
	id, err := h.resolve(ctx, p.MessageID)
	if err != nil {
		return err
	}
	groupID := p.GroupID
	if groupID == "" {
		if m, err := h.st.GetMessage(ctx, id); err == nil && m != nil {
			groupID = m.GroupID
		}
	}
	if err := h.api.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if err := h.st.DeleteMessage(ctx, id); err != nil {
		return err
	}
	invalidateGroup(h.cache, groupID)
	return nil
}

func (h *handlers) reaction(ctx context.Context, a *store.Action) error {
	p, err := decode[MessageRefPayload](a)
	if err != nil {
		return err
	}
	id, err := h.resolve(ctx, p.MessageID)
	if err != nil {
		return err
	}
	return h.api.React(ctx, id, p.Reaction)
}

func (h *handlers) readStatus(ctx context.Context, a *store.Action) error {
	p, err := decode[GroupPayload](a)
	if err != nil {
		return err
	}
	return h.api.MarkRead(ctx, p.GroupID)
}

func (h *handlers) joinGroup(ctx context.Context, a *store.Action) error {
	p, err := decode[GroupPayload](a)
	if err != nil {
		return err
	}
	if err := h.api.JoinGroup(ctx, p.GroupID); err != nil {
		return err
	}
	invalidateGroup(h.cache, p.GroupID)
	return nil
}

func (h *handlers) leaveGroup(ctx context.Context, a *store.Action) error {
	p, err := decode[GroupPayload](a)
	if err != nil {
		return err
	}
	if err := h.api.LeaveGroup(ctx, p.GroupID); err != nil {
		return err
	}
	if err := h.st.DeleteGroup(ctx, p.GroupID); err != nil {
		return err
	}
	invalidateGroup(h.cache, p.GroupID)
	return nil
}

// invalidateGroup drops the group list and the group's own projections.
func invalidateGroup(cache *readcache.Cache, groupID string) {
	if cache == nil {
		return
	}
	keys := []readcache.Key{readcache.GroupsKey()}
	if groupID != "" {
		keys = append(keys, readcache.GroupKey(groupID), readcache.MessagesKey(groupID))
	}
	cache.Invalidate(keys...)
}
