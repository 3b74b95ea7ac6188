package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matheus3301/tarpsync/internal/kv"
)

const (
	kvGroups     = "db_groups"
	kvMessages   = "db_messages_"
	kvUsers      = "db_users"
	kvCategories = "db_categories"
	kvPrompts    = "db_prompts"
	kvActions    = "db_offline_actions"
	kvState      = "db_state"
	kvBackup     = "db_backup_messages_"
)

// KVStore is the key-value backing of Store. Each entity type lives in one
// collection key (messages in one key per group) and every logical write is
// a single Set of that key.
type KVStore struct {
	mu sync.Mutex
	kv kv.Backend
}

var _ Store = (*KVStore)(nil)

// NewKVStore wraps a key-value backend.
func NewKVStore(b kv.Backend) *KVStore {
	return &KVStore{kv: b}
}

// Backend reports the key-value capability.
func (s *KVStore) Backend() Capability { return CapabilityKV }

// Close closes the underlying backend.
func (s *KVStore) Close() error { return s.kv.Close() }

func loadList[T any](ctx context.Context, b kv.Backend, key string) ([]T, error) {
	out, _, err := readList[T](ctx, b, key)
	return out, err
}

// readList is loadList that also reports whether a readable collection was
// found. A corrupt collection reads as absent rather than blocking every read.
func readList[T any](ctx context.Context, b kv.Backend, key string) ([]T, bool, error) {
	data, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, nil
	}
	return out, true, nil
}

func saveList[T any](ctx context.Context, b kv.Backend, key string, items []T) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(ctx, key, data)
}

func messagesKey(groupID string) string { return kvMessages + groupID }

// --- groups

func (s *KVStore) UpsertGroup(ctx context.Context, g *Group) error {
	gs := []Group{*g}
	if err := s.UpsertGroups(ctx, gs); err != nil {
		return err
	}
	*g = gs[0]
	return nil
}

func (s *KVStore) UpsertGroups(ctx context.Context, groups []Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := loadList[Group](ctx, s.kv, kvGroups)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(existing))
	for i, g := range existing {
		index[g.ID] = i
	}
	now := nowMillis()
	for i := range groups {
		normalizeGroup(&groups[i], now)
		if groups[i].ID == "" {
			return fmt.Errorf("upsert group: missing id")
		}
		if at, ok := index[groups[i].ID]; ok {
			existing[at] = mergeGroup(existing[at], groups[i])
			continue
		}
		index[groups[i].ID] = len(existing)
		existing = append(existing, groups[i])
	}
	return saveList(ctx, s.kv, kvGroups, existing)
}

func (s *KVStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, err := loadList[Group](ctx, s.kv, kvGroups)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].ID == id || groups[i].ServerID == id {
			return &groups[i], nil
		}
	}
	return nil, nil
}

func (s *KVStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, err := loadList[Group](ctx, s.kv, kvGroups)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		ta, tb := a.LastMessageAt, b.LastMessageAt
		if ta == 0 {
			ta = a.CreatedAt
		}
		if tb == 0 {
			tb = b.CreatedAt
		}
		if ta != tb {
			return ta > tb
		}
		return a.ID < b.ID
	})
	return groups, nil
}

func (s *KVStore) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, err := loadList[Group](ctx, s.kv, kvGroups)
	if err != nil {
		return err
	}
	out := groups[:0]
	for _, g := range groups {
		if g.ID != id {
			out = append(out, g)
		}
	}
	return saveList(ctx, s.kv, kvGroups, out)
}

// --- messages

// loadMessages reads a group's messages, dropping entries that are missing
// required fields and collapsing duplicate ids to the newest copy. A missing
// or unreadable collection falls back to the group's backup.
func (s *KVStore) loadMessages(ctx context.Context, groupID string) ([]Message, error) {
	msgs, ok, err := readList[Message](ctx, s.kv, messagesKey(groupID))
	if err != nil {
		return nil, err
	}
	if !ok {
		if msgs, err = loadList[Message](ctx, s.kv, kvBackup+groupID); err != nil {
			return nil, err
		}
	}
	return compactMessages(msgs), nil
}

// BackupMessages snapshots a group's messages under a separate key. The
// snapshot is read back when the live collection is lost or corrupt.
func (s *KVStore) BackupMessages(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.loadMessages(ctx, groupID)
	if err != nil || len(msgs) == 0 {
		return err
	}
	return saveList(ctx, s.kv, kvBackup+groupID, msgs)
}

func compactMessages(msgs []Message) []Message {
	byID := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.GroupID == "" || m.SenderID == "" {
			continue
		}
		if at, ok := byID[m.ID]; ok {
			if m.UpdatedAt >= out[at].UpdatedAt {
				out[at] = m
			}
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func mergeMessage(existing, incoming Message) Message {
	out := incoming
	if out.ServerID == "" {
		out.ServerID = existing.ServerID
	}
	if existing.TempID != "" {
		out.TempID = existing.TempID
	}
	if existing.DeletedAt > out.DeletedAt {
		out.DeletedAt = existing.DeletedAt
	}
	return out
}

func (s *KVStore) UpsertMessage(ctx context.Context, m *Message) error {
	ms := []Message{*m}
	if err := s.UpsertMessages(ctx, ms); err != nil {
		return err
	}
	*m = ms[0]
	return nil
}

// UpsertMessages merges messages into their group collections and bumps the
// owning groups' last-message fields.
//
// Message collections are written before db_groups. An interrupted write
// leaves a group preview behind its messages, never ahead of them, and the
// next upsert of the same messages repairs it.
func (s *KVStore) UpsertMessages(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	byGroup := make(map[string][]int)
	var order []string
	for i := range msgs {
		normalizeMessage(&msgs[i], now)
		if msgs[i].ID == "" || msgs[i].GroupID == "" {
			return fmt.Errorf("upsert message: missing id or group")
		}
		if _, ok := byGroup[msgs[i].GroupID]; !ok {
			order = append(order, msgs[i].GroupID)
		}
		byGroup[msgs[i].GroupID] = append(byGroup[msgs[i].GroupID], i)
	}

	groups, err := loadList[Group](ctx, s.kv, kvGroups)
	if err != nil {
		return err
	}
	groupsChanged := false

	for _, groupID := range order {
		existing, err := s.loadMessages(ctx, groupID)
		if err != nil {
			return err
		}
		index := make(map[string]int, len(existing))
		for i, m := range existing {
			index[m.ID] = i
		}
		for _, i := range byGroup[groupID] {
			m := msgs[i]
			if at, ok := index[m.ID]; ok {
				existing[at] = mergeMessage(existing[at], m)
			} else {
				index[m.ID] = len(existing)
				existing = append(existing, m)
			}
			for gi := range groups {
				if groups[gi].ID == groupID && bumpGroup(&groups[gi], &m) {
					groups[gi].UpdatedAt = now
					groupsChanged = true
				}
			}
		}
		if err := saveList(ctx, s.kv, messagesKey(groupID), compactMessages(existing)); err != nil {
			return err
		}
	}
	if groupsChanged {
		return saveList(ctx, s.kv, kvGroups, groups)
	}
	return nil
}

// findMessage scans every group's collection. Caller holds s.mu.
func (s *KVStore) findMessage(ctx context.Context, match func(*Message) bool) (*Message, error) {
	keys, err := s.kv.Keys(ctx, kvMessages)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		msgs, err := s.loadMessages(ctx, strings.TrimPrefix(k, kvMessages))
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if match(&msgs[i]) {
				return &msgs[i], nil
			}
		}
	}
	return nil, nil
}

func matchAnyID(id string) func(*Message) bool {
	return func(m *Message) bool {
		return m.ID == id || m.ServerID == id || (m.TempID != "" && m.TempID == id)
	}
}

func (s *KVStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, err := s.findMessage(ctx, func(m *Message) bool { return m.ID == id }); m != nil || err != nil {
		return m, err
	}
	return s.findMessage(ctx, matchAnyID(id))
}

func (s *KVStore) QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var groupIDs []string
	if q.GroupID != "" {
		groupIDs = []string{q.GroupID}
	} else {
		keys, err := s.kv.Keys(ctx, kvMessages)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			groupIDs = append(groupIDs, strings.TrimPrefix(k, kvMessages))
		}
	}

	var out []Message
	for _, gid := range groupIDs {
		msgs, err := s.loadMessages(ctx, gid)
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if q.match(&msgs[i]) {
				out = append(out, msgs[i])
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// rewriteMessages applies fn to the collection holding the first message
// that matches. Caller holds s.mu.
func (s *KVStore) rewriteMessages(ctx context.Context, match func(*Message) bool, fn func([]Message, int) []Message) error {
	m, err := s.findMessage(ctx, match)
	if err != nil || m == nil {
		return err
	}
	msgs, err := s.loadMessages(ctx, m.GroupID)
	if err != nil {
		return err
	}
	for i := range msgs {
		if match(&msgs[i]) {
			return saveList(ctx, s.kv, messagesKey(m.GroupID), fn(msgs, i))
		}
	}
	return nil
}

func (s *KVStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteMessages(ctx, func(m *Message) bool { return m.ID == id }, func(msgs []Message, i int) []Message {
		return append(msgs[:i], msgs[i+1:]...)
	})
}

func (s *KVStore) MarkMessageDeleted(ctx context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMillis()
	return s.rewriteMessages(ctx, matchAnyID(id), func(msgs []Message, i int) []Message {
		msgs[i].DeletedAt = at
		msgs[i].UpdatedAt = now
		return msgs
	})
}

func (s *KVStore) ConfirmMessage(ctx context.Context, tempID, serverID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.findMessage(ctx, func(m *Message) bool { return m.TempID == tempID })
	if err != nil || pending == nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, pending.GroupID)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	pendingID := pending.ID
	out := msgs[:0]
	existing := -1
	for _, m := range msgs {
		if m.ID == pendingID && pendingID != serverID {
			continue
		}
		out = append(out, m)
	}
	for i := range out {
		if out[i].ID == serverID {
			existing = i
		}
		if out[i].ReplyToID == tempID || out[i].ReplyToID == pendingID {
			out[i].ReplyToID = serverID
		}
	}

	var confirmed Message
	if existing >= 0 {
		out[existing].TempID = tempID
		out[existing].IsPending = false
		out[existing].IsSynced = true
		out[existing].UpdatedAt = now
		confirmed = out[existing]
	} else {
		confirmed = *pending
		confirmed.ID = serverID
		confirmed.ServerID = serverID
		confirmed.IsPending = false
		confirmed.IsSynced = true
		confirmed.UpdatedAt = now
		out = append(out, confirmed)
	}
	if err := saveList(ctx, s.kv, messagesKey(pending.GroupID), compactMessages(out)); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// --- users, categories, prompts

func (s *KVStore) UpsertUsers(ctx context.Context, users []User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := loadList[User](ctx, s.kv, kvUsers)
	if err != nil {
		return err
	}
	now := nowMillis()
	for i := range users {
		u := &users[i]
		u.ID = Key(u.ServerID, u.ID)
		if u.CreatedAt == 0 {
			u.CreatedAt = now
		}
		u.UpdatedAt = now
		found := false
		for j := range existing {
			if existing[j].ID == u.ID {
				merged := *u
				merged.CreatedAt = existing[j].CreatedAt
				if merged.FirstName == "" {
					merged.FirstName = existing[j].FirstName
				}
				if merged.LastName == "" {
					merged.LastName = existing[j].LastName
				}
				if merged.Email == "" {
					merged.Email = existing[j].Email
				}
				if merged.Avatar == "" {
					merged.Avatar = existing[j].Avatar
				}
				if merged.CampusID == "" {
					merged.CampusID = existing[j].CampusID
				}
				existing[j] = merged
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, *u)
		}
	}
	return saveList(ctx, s.kv, kvUsers, existing)
}

func (s *KVStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := loadList[User](ctx, s.kv, kvUsers)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == id || users[i].ServerID == id {
			return &users[i], nil
		}
	}
	return nil, nil
}

func (s *KVStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := loadList[User](ctx, s.kv, kvUsers)
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].FirstName != users[j].FirstName {
			return users[i].FirstName < users[j].FirstName
		}
		return users[i].ID < users[j].ID
	})
	return users, err
}

func (s *KVStore) DeleteUser(ctx context.Context, id string) error {
	return removeByID[User](ctx, s, kvUsers, func(u User) bool { return u.ID == id })
}

func (s *KVStore) UpsertCategories(ctx context.Context, cats []Category) error {
	now := nowMillis()
	for i := range cats {
		cats[i].ID = Key(cats[i].ServerID, cats[i].ID)
		if cats[i].Type == "" {
			cats[i].Type = "group"
		}
		if cats[i].CreatedAt == 0 {
			cats[i].CreatedAt = now
		}
		cats[i].UpdatedAt = now
	}
	return upsertByID(ctx, s, kvCategories, cats, func(c Category) string { return c.ID })
}

func (s *KVStore) ListCategories(ctx context.Context) ([]Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cats, err := loadList[Category](ctx, s.kv, kvCategories)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	return cats, err
}

func (s *KVStore) DeleteCategory(ctx context.Context, id string) error {
	return removeByID[Category](ctx, s, kvCategories, func(c Category) bool { return c.ID == id })
}

func (s *KVStore) UpsertPrompts(ctx context.Context, prompts []Prompt) error {
	now := nowMillis()
	for i := range prompts {
		prompts[i].ID = Key(prompts[i].ServerID, prompts[i].ID)
		if prompts[i].CreatedAt == 0 {
			prompts[i].CreatedAt = now
		}
		prompts[i].UpdatedAt = now
	}
	return upsertByID(ctx, s, kvPrompts, prompts, func(p Prompt) string { return p.ID })
}

func (s *KVStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts, err := loadList[Prompt](ctx, s.kv, kvPrompts)
	sort.SliceStable(prompts, func(i, j int) bool { return prompts[i].CreatedAt > prompts[j].CreatedAt })
	return prompts, err
}

func (s *KVStore) DeletePrompt(ctx context.Context, id string) error {
	return removeByID[Prompt](ctx, s, kvPrompts, func(p Prompt) bool { return p.ID == id })
}

func upsertByID[T any](ctx context.Context, s *KVStore, key string, items []T, id func(T) string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := loadList[T](ctx, s.kv, key)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(existing))
	for i, e := range existing {
		index[id(e)] = i
	}
	for _, it := range items {
		if at, ok := index[id(it)]; ok {
			existing[at] = it
			continue
		}
		index[id(it)] = len(existing)
		existing = append(existing, it)
	}
	return saveList(ctx, s.kv, key, existing)
}

func removeByID[T any](ctx context.Context, s *KVStore, key string, match func(T) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := loadList[T](ctx, s.kv, key)
	if err != nil {
		return err
	}
	out := items[:0]
	for _, it := range items {
		if !match(it) {
			out = append(out, it)
		}
	}
	return saveList(ctx, s.kv, key, out)
}

// --- actions

func (s *KVStore) AddAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := loadList[Action](ctx, s.kv, kvActions)
	if err != nil {
		return err
	}
	for _, e := range actions {
		if e.ID == a.ID {
			return fmt.Errorf("action %s already queued", a.ID)
		}
	}
	now := nowMillis()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if len(a.Payload) == 0 {
		a.Payload = json.RawMessage("{}")
	}
	return saveList(ctx, s.kv, kvActions, append(actions, *a))
}

func (s *KVStore) GetAction(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := loadList[Action](ctx, s.kv, kvActions)
	if err != nil {
		return nil, err
	}
	for i := range actions {
		if actions[i].ID == id {
			return &actions[i], nil
		}
	}
	return nil, nil
}

// PendingActions returns unsynced actions by creation time; actions created
// in the same millisecond keep their insertion order.
func (s *KVStore) PendingActions(ctx context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := loadList[Action](ctx, s.kv, kvActions)
	if err != nil {
		return nil, err
	}
	var out []Action
	for _, a := range actions {
		if !a.IsSynced {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *KVStore) RecordActionFailure(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := loadList[Action](ctx, s.kv, kvActions)
	if err != nil {
		return 0, err
	}
	for i := range actions {
		if actions[i].ID == id {
			actions[i].RetryCount++
			actions[i].UpdatedAt = nowMillis()
			return actions[i].RetryCount, saveList(ctx, s.kv, kvActions, actions)
		}
	}
	return 0, fmt.Errorf("action %s not found", id)
}

func (s *KVStore) DeleteAction(ctx context.Context, id string) error {
	return removeByID[Action](ctx, s, kvActions, func(a Action) bool { return a.ID == id })
}

func (s *KVStore) CountActions(ctx context.Context) (ActionCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := loadList[Action](ctx, s.kv, kvActions)
	if err != nil {
		return ActionCounts{}, err
	}
	var c ActionCounts
	for _, a := range actions {
		if a.IsSynced {
			continue
		}
		c.Pending++
		if a.RetryCount > 0 {
			c.Failing++
		}
	}
	return c, nil
}

// --- state, stats

func (s *KVStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	state[key] = value
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, kvState, data)
}

func (s *KVStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadState(ctx)
	if err != nil {
		return "", err
	}
	return state[key], nil
}

func (s *KVStore) loadState(ctx context.Context) (map[string]string, error) {
	state := make(map[string]string)
	data, ok, err := s.kv.Get(ctx, kvState)
	if err != nil {
		return nil, err
	}
	if ok {
		_ = json.Unmarshal(data, &state)
	}
	return state, nil
}

func (s *KVStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	groups, err := s.ListGroups(ctx)
	if err != nil {
		return st, err
	}
	msgs, err := s.QueryMessages(ctx, MessageQuery{IncludeDeleted: true})
	if err != nil {
		return st, err
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return st, err
	}
	cats, err := s.ListCategories(ctx)
	if err != nil {
		return st, err
	}
	prompts, err := s.ListPrompts(ctx)
	if err != nil {
		return st, err
	}
	counts, err := s.CountActions(ctx)
	if err != nil {
		return st, err
	}
	st.Groups, st.Messages, st.Users = len(groups), len(msgs), len(users)
	st.Categories, st.Prompts, st.Actions = len(cats), len(prompts), counts.Pending
	return st, nil
}

// Clear removes every db_ key.
func (s *KVStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.kv.Keys(ctx, "db_")
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, keys...)
}
