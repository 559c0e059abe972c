package application

import (
	"testing"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierRoutesByChat(t *testing.T) {
	t.Parallel()

	n := NewNotifier(4)
	chatEvents, unsubChat := n.Subscribe("c1")
	defer unsubChat()
	allEvents, unsubAll := n.Subscribe("")
	defer unsubAll()

	n.Publish(Event{Kind: EventConnected, ChatID: "c1"})
	n.Publish(Event{Kind: EventConnected, ChatID: "c2"})

	assert.Len(t, chatEvents, 1)
	assert.Len(t, allEvents, 2)
}

func TestNotifierDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	n := NewNotifier(1)
	_, unsubscribe := n.Subscribe("c1")
	defer unsubscribe()

	n.Publish(Event{Kind: EventMessageUpdated, ChatID: "c1"})
	n.Publish(Event{Kind: EventMessageUpdated, ChatID: "c1"})

	assert.Equal(t, int64(1), n.Dropped())
}

func TestNotifierUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	n := NewNotifier(0)
	events, unsubscribe := n.Subscribe("c1")
	unsubscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
	n.Publish(Event{Kind: EventConnected, ChatID: "c1"})
}

func TestHistoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	cache, err := NewHistoryCache(2)
	require.NoError(t, err)

	cache.Ensure("u1", "a")
	cache.Ensure("u1", "b")
	cache.Ensure("u1", "a")
	cache.Ensure("u1", "c")

	_, ok := cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)

	history := cache.Replace("u1", "a", []domain.ChatMessage{{MsgID: "m1", Role: domain.RoleUser, Content: "x"}})
	assert.Equal(t, 1, history.Len())
	cache.Forget("a")
	_, ok = cache.Get("a")
	assert.False(t, ok)
}
