package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const DefaultMaxConnections = 3

var ErrEvicted = errors.New("connection evicted")

// FrameHandler consumes one inbound frame of a chat.
type FrameHandler func(userID domain.UserID, chatID domain.ChatID, raw []byte) error

type ConnectionHandle struct {
	UserID   domain.UserID
	ChatID   domain.ChatID
	OpenedAt time.Time

	conn      ports.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (h *ConnectionHandle) close() {
	h.closeOnce.Do(func() {
		_ = h.conn.Close()
	})
}

type PoolOptions struct {
	MaxConnections int
	Logger         zerolog.Logger
	Metrics        PoolMetrics
	Clock          ports.Clock
}

// ConnectionPool keeps at most MaxConnections live chat connections and
// evicts the oldest-opened one to make room. Every way a handle can go away
// ends in release, which removes it exactly once.
type ConnectionPool struct {
	dialer   ports.Dialer
	handler  FrameHandler
	notifier *Notifier
	log      zerolog.Logger
	metrics  PoolMetrics
	clock    ports.Clock
	max      int

	dials singleflight.Group

	mu      sync.Mutex
	handles map[domain.ChatID]*ConnectionHandle
	order   []domain.ChatID
	wg      sync.WaitGroup
}

func NewConnectionPool(dialer ports.Dialer, handler FrameHandler, notifier *Notifier, opts PoolOptions) *ConnectionPool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if notifier == nil {
		notifier = NewNotifier(0)
	}

	return &ConnectionPool{
		dialer:   dialer,
		handler:  handler,
		notifier: notifier,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		max:      opts.MaxConnections,
		handles:  map[domain.ChatID]*ConnectionHandle{},
	}
}

// Connect opens a connection for chatID unless one is already open.
// Concurrent calls for the same chat share one dial.
func (p *ConnectionPool) Connect(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error {
	if p.IsConnected(chatID) {
		return nil
	}

	_, err, _ := p.dials.Do(string(chatID), func() (any, error) {
		return nil, p.open(ctx, userID, chatID)
	})
	return err
}

func (p *ConnectionPool) open(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error {
	if p.IsConnected(chatID) {
		return nil
	}

	p.evictForRoom()

	conn, err := p.dialer.Dial(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("connect chat %s: %w", chatID, err)
	}

	handle := &ConnectionHandle{
		UserID:   userID,
		ChatID:   chatID,
		OpenedAt: p.clock.Now(),
		conn:     conn,
	}

	p.mu.Lock()
	// other chats may have connected while this one was dialing
	var evicted []*ConnectionHandle
	for len(p.handles) >= p.max {
		evicted = append(evicted, p.popOldestLocked())
	}
	p.handles[chatID] = handle
	p.order = append(p.order, chatID)
	open := len(p.handles)
	p.wg.Add(1)
	p.mu.Unlock()

	p.finishEvictions(evicted)
	p.metrics.SetOpenConnections(open)
	p.log.Info().Str("chat", string(chatID)).Int("open", open).Msg("connection opened")
	p.notifier.Publish(Event{Kind: EventConnected, ChatID: chatID})

	go p.readLoop(handle)
	return nil
}

func (p *ConnectionPool) evictForRoom() {
	p.mu.Lock()
	var evicted []*ConnectionHandle
	for len(p.handles) >= p.max {
		evicted = append(evicted, p.popOldestLocked())
	}
	p.mu.Unlock()

	p.finishEvictions(evicted)
}

func (p *ConnectionPool) popOldestLocked() *ConnectionHandle {
	oldest := p.order[0]
	p.order = p.order[1:]
	handle := p.handles[oldest]
	delete(p.handles, oldest)
	return handle
}

func (p *ConnectionPool) finishEvictions(evicted []*ConnectionHandle) {
	for _, handle := range evicted {
		handle.close()
		p.metrics.ConnectionEvicted()
		p.log.Info().Str("chat", string(handle.ChatID)).Msg("connection evicted")
		p.notifier.Publish(Event{Kind: EventDisconnected, ChatID: handle.ChatID, Err: ErrEvicted})
	}
	if len(evicted) > 0 {
		p.metrics.SetOpenConnections(p.Len())
	}
}

// release removes handle if the pool still holds that exact handle and
// closes it. It reports whether this call did the removal.
func (p *ConnectionPool) release(handle *ConnectionHandle, cause error) bool {
	p.mu.Lock()
	current, ok := p.handles[handle.ChatID]
	if !ok || current != handle {
		p.mu.Unlock()
		handle.close()
		return false
	}
	delete(p.handles, handle.ChatID)
	for i, id := range p.order {
		if id == handle.ChatID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	open := len(p.handles)
	p.mu.Unlock()

	handle.close()
	p.metrics.SetOpenConnections(open)

	event := p.log.Info().Str("chat", string(handle.ChatID))
	if cause != nil {
		event = p.log.Warn().Err(cause).Str("chat", string(handle.ChatID))
	}
	event.Msg("connection closed")
	p.notifier.Publish(Event{Kind: EventDisconnected, ChatID: handle.ChatID, Err: cause})
	return true
}

func (p *ConnectionPool) readLoop(handle *ConnectionHandle) {
	defer p.wg.Done()

	var cause error
	defer func() {
		p.release(handle, cause)
	}()

	for {
		raw, err := handle.conn.ReadFrame()
		if err != nil {
			cause = err
			return
		}
		if err := p.handler(handle.UserID, handle.ChatID, raw); err != nil {
			p.log.Warn().Err(err).Str("chat", string(handle.ChatID)).Msg("inbound frame dropped")
		}
	}
}

// Disconnect closes the connection of chatID. It is a no-op when the chat
// is not connected.
func (p *ConnectionPool) Disconnect(chatID domain.ChatID) {
	p.mu.Lock()
	handle, ok := p.handles[chatID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.release(handle, nil)
}

// Send encodes frame as JSON and writes it on the chat's connection. A
// write failure closes the connection.
func (p *ConnectionPool) Send(ctx context.Context, chatID domain.ChatID, frame any) error {
	p.mu.Lock()
	handle, ok := p.handles[chatID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to chat %s: %w", chatID, domain.ErrNotConnected)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	handle.writeMu.Lock()
	err = handle.conn.WriteFrame(ctx, data)
	handle.writeMu.Unlock()
	if err != nil {
		p.release(handle, err)
		return fmt.Errorf("send to chat %s: %w", chatID, err)
	}
	return nil
}

func (p *ConnectionPool) IsConnected(chatID domain.ChatID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[chatID]
	return ok
}

func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Open lists connected chats, oldest first.
func (p *ConnectionPool) Open() []domain.ChatID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatID(nil), p.order...)
}

// Close disconnects every chat and waits for the reader goroutines.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	handles := make([]*ConnectionHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.release(h, nil)
	}
	p.wg.Wait()
}
