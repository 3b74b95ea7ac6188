package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// File is an attachment sent with a message.
type File struct {
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Data string `json:"data"`
	Ext  string `json:"ext,omitempty"`
}

// SendMessageRequest is the body of POST /groups/messages.
type SendMessageRequest struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
	ReplyTo string `json:"replyTo,omitempty"`
	File    *File  `json:"file,omitempty"`
}

// SendMessage posts a message and returns the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/groups/messages", req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	var data struct {
		ID      flexID      `json:"id"`
		Content flexContent `json:"content"`
	}
	_ = json.Unmarshal(env.Data, &data)
	id := string(data.ID)
	if id == "" {
		id = data.Content.ID
	}
	if id == "" {
		return "", errors.New("send message: response carries no id")
	}
	return id, nil
}

// DeleteMessage deletes a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/groups/messages/"+url.PathEscape(messageID), nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// React adds a reaction to a message.
func (c *Client) React(ctx context.Context, messageID, reaction string) error {
	body := map[string]string{"messageId": messageID, "reaction": reaction}
	if _, err := c.do(ctx, http.MethodPost, "/groups/messages/react", body); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// MarkRead marks every message in a group as read.
func (c *Client) MarkRead(ctx context.Context, groupID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/groups/mark/"+url.PathEscape(groupID), struct{}{}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// JoinGroup joins a group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/groups/details/"+url.PathEscape(groupID), struct{}{}); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	return nil
}

// LeaveGroup leaves a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	body := map[string]string{"groupID": groupID}
	if _, err := c.do(ctx, http.MethodPost, "/groups/leave", body); err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	return nil
}
