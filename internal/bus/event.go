package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, e.g. "outbox.".
const (
	KindActionQueued  = "outbox.action_queued"
	KindActionSynced  = "outbox.action_synced"
	KindActionFailed  = "outbox.action_failed"
	KindActionDropped = "outbox.action_dropped"
	KindMessageUpsert = "store.message_upserted"
	KindReconciled    = "sync.reconciled"
	KindNetStatus     = "net.status_changed"
	KindPushMessage   = "push.message"
	KindCacheUpdated  = "cache.updated"
	KindCacheEvicted  = "cache.evicted"
)
