package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// fakeConn is a Conn whose inbound frames are pushed by the test.
type fakeConn struct {
	chatID  domain.ChatID
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closes   atomic.Int32
}

func newFakeConn(chatID domain.ChatID) *fakeConn {
	return &fakeConn{chatID: chatID, inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[domain.ChatID][]*fakeConn
	dials atomic.Int32
	delay time.Duration
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[domain.ChatID][]*fakeConn{}}
}

func (d *fakeDialer) Dial(ctx context.Context, _ domain.UserID, chatID domain.ChatID) (ports.Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	conn := newFakeConn(chatID)
	d.mu.Lock()
	d.conns[chatID] = append(d.conns[chatID], conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) last(chatID domain.ChatID) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[chatID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// inMemoryResourceStore is a ResourceStore whose next call can be made to
// fail.
type inMemoryResourceStore struct {
	mu        sync.Mutex
	resources map[domain.ResourceID]domain.Resource
	failNext  error
	panicNext bool
	calls     []string
}

func newInMemoryResourceStore(resources ...domain.Resource) *inMemoryResourceStore {
	store := &inMemoryResourceStore{resources: map[domain.ResourceID]domain.Resource{}}
	for _, res := range resources {
		store.resources[res.ID] = res
	}
	return store
}

func (s *inMemoryResourceStore) fail() error {
	if s.panicNext {
		s.panicNext = false
		panic("store exploded")
	}
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *inMemoryResourceStore) ListResources(_ context.Context, kind domain.ResourceKind, _ domain.UserID, _ domain.ChatID) ([]domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Resource
	for _, res := range s.resources {
		if res.Kind == kind {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *inMemoryResourceStore) AddResource(_ context.Context, _ domain.UserID, _ domain.ChatID, res domain.Resource) (domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return domain.Resource{}, err
	}
	if res.ID == "" {
		res.ID = domain.ResourceID("r" + string(rune('a'+len(s.resources))))
	}
	s.resources[res.ID] = res
	return res, nil
}

func (s *inMemoryResourceStore) DeleteResource(_ context.Context, _ domain.ResourceKind, _ domain.UserID, _ domain.ChatID, id domain.ResourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "delete "+string(id))
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.resources[id]; !ok {
		return domain.ErrResourceNotFound
	}
	delete(s.resources, id)
	return nil
}

func (s *inMemoryResourceStore) SetPersist(_ context.Context, _ domain.ResourceKind, _ domain.UserID, _ domain.ChatID, id domain.ResourceID, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "persist "+string(id))
	if err := s.fail(); err != nil {
		return err
	}
	res, ok := s.resources[id]
	if !ok {
		return domain.ErrResourceNotFound
	}
	res.Persist = persist
	s.resources[id] = res
	return nil
}

func (s *inMemoryResourceStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// inMemoryConversationStore applies AppendMessages with the same
// skip-known-ids rule as the SQL store.
type inMemoryConversationStore struct {
	mu      sync.Mutex
	chats   map[domain.ChatKey][]domain.ChatMessage
	names   map[domain.ChatKey]string
	failFor map[domain.ChatID]error
	appends int
}

func newInMemoryConversationStore() *inMemoryConversationStore {
	return &inMemoryConversationStore{
		chats:   map[domain.ChatKey][]domain.ChatMessage{},
		names:   map[domain.ChatKey]string{},
		failFor: map[domain.ChatID]error{},
	}
}

func (s *inMemoryConversationStore) CreateChat(_ context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ChatKey{UserID: conv.UserID, ChatID: conv.ChatID}
	if _, ok := s.chats[key]; ok {
		return domain.ErrChatExists
	}
	s.chats[key] = append([]domain.ChatMessage(nil), conv.Messages...)
	s.names[key] = conv.Name
	return nil
}

func (s *inMemoryConversationStore) DeleteChat(_ context.Context, userID domain.UserID, chatID domain.ChatID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ChatKey{UserID: userID, ChatID: chatID}
	if _, ok := s.chats[key]; !ok {
		return domain.ErrChatNotFound
	}
	delete(s.chats, key)
	delete(s.names, key)
	return nil
}

func (s *inMemoryConversationStore) ListChatHeads(_ context.Context, userID domain.UserID) ([]domain.ChatHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []domain.ChatHead
	for key, msgs := range s.chats {
		if key.UserID != userID {
			continue
		}
		head := domain.ChatHead{ChatID: key.ChatID, Name: s.names[key]}
		if len(msgs) > 0 {
			head.Preview = msgs[len(msgs)-1].Content
		}
		heads = append(heads, head)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].ChatID < heads[j].ChatID })
	return heads, nil
}

func (s *inMemoryConversationStore) Messages(_ context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.chats[domain.ChatKey{UserID: userID, ChatID: chatID}]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func (s *inMemoryConversationStore) AppendMessages(_ context.Context, userID domain.UserID, chatID domain.ChatID, msgs []domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[chatID]; err != nil {
		return err
	}
	s.appends++
	key := domain.ChatKey{UserID: userID, ChatID: chatID}
	s.chats[key] = domain.MergeMessages(s.chats[key], msgs)
	return nil
}

func (s *inMemoryConversationStore) messages(userID domain.UserID, chatID domain.ChatID) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.chats[domain.ChatKey{UserID: userID, ChatID: chatID}]...)
}

// scriptedGenerator emits fixed chunks.
type scriptedGenerator struct {
	chunks []string
	err    error
}

func (g scriptedGenerator) Generate(ctx context.Context, _ ports.GenerateRequest, emit func(string) error) error {
	for _, chunk := range g.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return g.err
}

// recordingSink collects frames a server session would write.
type recordingSink struct {
	mu     sync.Mutex
	key    domain.ChatKey
	frames []map[string]any
	err    error
	// failAt makes only that Send call (1-based) fail.
	failAt int
	calls  int
}

func (s *recordingSink) Key() domain.ChatKey {
	return s.key
}

func (s *recordingSink) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.failAt == s.calls {
		return errors.New("send buffer full")
	}
	data, err := jsonRoundTrip(frame)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f["type"].(string))
	}
	return out
}
