package api

import (
	"encoding/json"

	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/store"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

// StatusResponse is the sync status observable.
type StatusResponse struct {
	Profile         string          `json:"profile"`
	Online          bool            `json:"online"`
	Pinned          bool            `json:"pinned"`
	Syncing         bool            `json:"syncing"`
	Draining        bool            `json:"draining"`
	PendingActions  int             `json:"pendingActions"`
	FailingActions  int             `json:"failingActions"`
	LastReconcileAt int64           `json:"lastReconcileAt,omitempty"`
	StoreBackend    string          `json:"storeBackend"`
	UptimeMs        int64           `json:"uptimeMs"`
	Cache           blobcache.Stats `json:"cache"`
	Store           store.Stats     `json:"store"`
}

// SetOnlineRequest pins connectivity. A nil Online returns control to the
// probe.
type SetOnlineRequest struct {
	Online *bool `json:"online,omitempty"`
}

// ConnectivityResponse reports the monitor after an override.
type ConnectivityResponse struct {
	Online bool `json:"online"`
	Pinned bool `json:"pinned"`
}

// GroupsResponse lists groups for display.
type GroupsResponse struct {
	Groups []store.Group `json:"groups"`
	Cached bool          `json:"cached"`
	Stale  bool          `json:"stale,omitempty"`
}

// MessagesRequest selects one group's history.
type MessagesRequest struct {
	GroupID string `json:"groupId"`
	Limit   int    `json:"limit,omitempty"`
}

// MessagesResponse is one group's history, oldest first.
type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
	// Images maps message ids to the cached reference for their attachment.
	Images map[string]string `json:"images,omitempty"`
	Cached bool              `json:"cached"`
	Stale  bool              `json:"stale,omitempty"`
}

// WatchRequest filters the event stream by kind prefix. Empty means all.
type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// EventEnvelope is one bus event on the wire.
type EventEnvelope struct {
	EventID    string          `json:"eventId"`
	Profile    string          `json:"profile"`
	Kind       string          `json:"kind"`
	OccurredAt int64           `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
