package application

import (
	"sync"
	"sync/atomic"

	"github.com/bnema/chatsync/internal/domain"
)

type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventMessageAppended  EventKind = "message_appended"
	EventMessageUpdated   EventKind = "message_updated"
	EventMessageCompleted EventKind = "message_completed"
	EventMessageRemoved   EventKind = "message_removed"
	EventResourceStatus   EventKind = "resource_status"
	EventResourceDeleted  EventKind = "resource_deleted"
	EventServerError      EventKind = "server_error"
)

type Event struct {
	Kind       EventKind
	ChatID     domain.ChatID
	MsgID      domain.MsgID
	ResourceID domain.ResourceID
	Status     string
	Text       string
	Err        error
}

// Notifier fans events out to per-chat subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Notifier struct {
	buffer int

	mu      sync.RWMutex
	nextID  int
	subs    map[domain.ChatID]map[int]chan Event
	dropped atomic.Int64
}

const defaultNotifierBuffer = 64

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultNotifierBuffer
	}
	return &Notifier{buffer: buffer, subs: map[domain.ChatID]map[int]chan Event{}}
}

// Subscribe returns events of chatID, or of every chat when chatID is
// empty. The returned func unsubscribes and closes the channel.
func (n *Notifier) Subscribe(chatID domain.ChatID) (<-chan Event, func()) {
	ch := make(chan Event, n.buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[chatID] == nil {
		n.subs[chatID] = map[int]chan Event{}
	}
	n.subs[chatID][id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[chatID], id)
			if len(n.subs[chatID]) == 0 {
				delete(n.subs, chatID)
			}
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	n.deliver(n.subs[ev.ChatID], ev)
	if ev.ChatID != "" {
		n.deliver(n.subs[""], ev)
	}
}

func (n *Notifier) deliver(subs map[int]chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			n.dropped.Add(1)
		}
	}
}

func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}
