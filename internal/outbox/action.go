package outbox

import (
	"errors"

	"github.com/matheus3301/tarpsync/internal/backend"
)

// Action types.
const (
	TypeMessage       = "message"
	TypeDeleteMessage = "delete_message"
	TypeReaction      = "reaction"
	TypeReadStatus    = "read_status"
	TypeJoinGroup     = "join_group"
	TypeLeaveGroup    = "leave_group"
)

// DefaultMaxRetries is the retry budget for an action.
const DefaultMaxRetries = 3

var (
	// ErrUnknownAction is returned for action types with no handler.
	ErrUnknownAction = errors.New("outbox: unknown action type")
	// ErrInvalidIntent is returned when a send request is missing fields.
	ErrInvalidIntent = errors.New("outbox: invalid intent")
	// errUnresolved means a referenced message has not been acknowledged yet.
	errUnresolved = errors.New("outbox: referenced message still pending")
)

// MessagePayload is queued for TypeMessage.
type MessagePayload struct {
	TempID  string        `json:"tempId"`
	GroupID string        `json:"groupId"`
	Content string        `json:"content"`
	ReplyTo string        `json:"replyTo,omitempty"`
	File    *backend.File `json:"file,omitempty"`
}

// MessageRefPayload is queued for TypeDeleteMessage and TypeReaction.
type MessageRefPayload struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
}

// GroupPayload is queued for TypeReadStatus, TypeJoinGroup and TypeLeaveGroup.
type GroupPayload struct {
	GroupID string `json:"groupId"`
}

// ActionEvent is the payload for outbox.* bus events.
type ActionEvent struct {
	ID         string
	Type       string
	RetryCount int
	Error      string
}
