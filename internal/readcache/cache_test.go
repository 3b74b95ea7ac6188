package readcache

import (
	"testing"
	"time"

	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	c, err := New(8, time.Minute, nil)
	require.NoError(t, err)

	_, _, ok := c.Get(GroupsKey())
	assert.False(t, ok)

	c.Set(GroupsKey(), []string{"g1"})
	v, stale, ok := c.Get(GroupsKey())
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []string{"g1"}, v)
}

func TestSetOverwritesWholesale(t *testing.T) {
	c, err := New(8, 0, nil)
	require.NoError(t, err)

	c.Set(MessagesKey("g1"), []string{"m1", "m2"})
	c.Set(MessagesKey("g1"), []string{"m3"})
	v, _, _ := c.Get(MessagesKey("g1"))
	assert.Equal(t, []string{"m3"}, v)
}

func TestStaleness(t *testing.T) {
	now := time.Unix(1000, 0)
	c, err := New(8, time.Minute, nil)
	require.NoError(t, err)
	c.SetClock(func() time.Time { return now })

	c.Set(GroupKey("g1"), "x")
	now = now.Add(59 * time.Second)
	_, stale, _ := c.Get(GroupKey("g1"))
	assert.False(t, stale)

	now = now.Add(2 * time.Second)
	_, stale, ok := c.Get(GroupKey("g1"))
	assert.True(t, ok)
	assert.True(t, stale)
}

func TestInvalidateEntity(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("cache.", 16)
	defer unsub()

	c, err := New(8, 0, b)
	require.NoError(t, err)
	c.Set(MessagesKey("g1"), 1)
	c.Set(MessagesKey("g2"), 2)
	c.Set(GroupsKey(), 3)
	for i := 0; i < 3; i++ {
		<-ch
	}

	c.InvalidateEntity(EntityMessages)
	assert.Equal(t, 1, c.Len())
	_, _, ok := c.Get(GroupsKey())
	assert.True(t, ok)

	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			upd := evt.Payload.(Update)
			assert.True(t, upd.Invalidated)
			assert.Equal(t, EntityMessages, upd.Key.Entity)
		case <-time.After(time.Second):
			t.Fatal("missing invalidation event")
		}
	}
}

func TestBounded(t *testing.T) {
	c, err := New(2, 0, nil)
	require.NoError(t, err)
	c.Set(GroupKey("a"), 1)
	c.Set(GroupKey("b"), 2)
	c.Set(GroupKey("c"), 3)
	assert.Equal(t, 2, c.Len())
	_, _, ok := c.Get(GroupKey("a"))
	assert.False(t, ok)
}
