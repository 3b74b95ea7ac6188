package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// ListGroups fetches the group list with its denormalized last-message
// metadata. The list may arrive as data, data.groups or groups.
func (c *Client) ListGroups(ctx context.Context) ([]WireGroup, error) {
	body, err := c.get(ctx, "/groups/all")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var env struct {
		envelope
		Groups json.RawMessage `json:"groups"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	groups := decodeList[WireGroup](env.Data, field(env.Data, "groups"), env.Groups)
	if groups == nil {
		groups = []WireGroup{}
	}
	return groups, nil
}

// messageStrategy is one way of asking the backend for a group's history.
type messageStrategy struct {
	name string
	path func(groupID string) string
}

var messageStrategies = []messageStrategy{
	{"nested", func(id string) string { return "/groups/" + url.PathEscape(id) + "/messages" }},
	{"flat", func(id string) string { return "/groups/messages/" + url.PathEscape(id) }},
}

// GroupMessages fetches a group's message history, trying each endpoint
// strategy in order until one succeeds. Permanent auth failures stop the
// sequence early.
func (c *Client) GroupMessages(ctx context.Context, groupID string) ([]WireMessage, error) {
	var errs []error
	for _, s := range messageStrategies {
		body, err := c.get(ctx, s.path(groupID))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			var se *StatusError
			if errors.As(err, &se) && (se.Code == 401 || se.Code == 403) {
				break
			}
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
			c.logger.Debug("message strategy failed",
				zap.String("strategy", s.name),
				zap.String("group_id", groupID),
				zap.Error(err),
			)
			continue
		}
		msgs, err := decodeMessages(body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("group %s messages: %w", groupID, errors.Join(append([]error{ErrNoStrategy}, errs...)...))
}

func decodeMessages(body []byte) ([]WireMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := decodeList[WireMessage](field(env.Data, "messages"), env.Messages, env.Data)
	if msgs == nil {
		msgs = []WireMessage{}
	}
	return msgs, nil
}
