package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/tarpsync/internal/store"
)

type wireOwner struct {
	ID    flexID `json:"id"`
	FName string `json:"fname"`
	BgURL string `json:"bgUrl"`
}

// WirePrompt is a prompt as the backend lists it.
type WirePrompt struct {
	ID            flexID         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	CreatedAt     flexTime       `json:"createdAt"`
	PublicGroupID flexID         `json:"publicGroupID"`
	CampusID      flexID         `json:"campusID"`
	Category      []wireCategory `json:"category"`
	Owner         *wireOwner     `json:"owner"`
}

// ActivePrompts fetches the user's active prompts. The list may arrive as
// data, data.requests or requests.
func (c *Client) ActivePrompts(ctx context.Context) ([]WirePrompt, error) {
	body, err := c.get(ctx, "/user/prompts/active")
	if err != nil {
		return nil, fmt.Errorf("active prompts: %w", err)
	}
	var env struct {
		envelope
		Requests json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	prompts := decodeList[WirePrompt](env.Data, field(env.Data, "requests"), env.Requests)
	if prompts == nil {
		prompts = []WirePrompt{}
	}
	return prompts, nil
}

// ToPrompts maps server prompts to the local mirror, dropping entries
// without an id.
func ToPrompts(ws []WirePrompt, now time.Time) []store.Prompt {
	out := make([]store.Prompt, 0, len(ws))
	for _, w := range ws {
		if w.ID == "" {
			continue
		}
		created := int64(w.CreatedAt)
		if created == 0 {
			created = now.UnixMilli()
		}
		p := store.Prompt{
			ID:          string(w.ID),
			ServerID:    string(w.ID),
			Title:       w.Title,
			Description: w.Description,
			CampusID:    string(w.CampusID),
			IsPublic:    w.PublicGroupID != "",
			IsSynced:    true,
			CreatedAt:   created,
		}
		if len(w.Category) > 0 {
			p.CategoryID, p.CategoryName = string(w.Category[0].ID), w.Category[0].Name
		}
		if w.Owner != nil {
			p.UserID = string(w.Owner.ID)
			p.UserName = w.Owner.FName
			p.UserAvatar = w.Owner.BgURL
		}
		out = append(out, p)
	}
	return out
}
