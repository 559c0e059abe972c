package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatService struct {
	mu      sync.Mutex
	heads   []domain.ChatHead
	history map[domain.ChatID][]domain.ChatMessage
	deleted []domain.ChatID
}

func (s *fakeChatService) CreateChat(_ context.Context, _ domain.UserID, name string) (domain.ChatID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := domain.ChatID("chat-" + name)
	s.heads = append(s.heads, domain.ChatHead{ChatID: id, Name: name})
	return id, nil
}

func (s *fakeChatService) DeleteChat(_ context.Context, _ domain.UserID, chatID domain.ChatID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, chatID)
	return nil
}

func (s *fakeChatService) ListChatHeads(context.Context, domain.UserID) ([]domain.ChatHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatHead(nil), s.heads...), nil
}

func (s *fakeChatService) History(_ context.Context, _ domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.history[chatID]...), nil
}

type inMemoryChatDirectory struct {
	mu    sync.Mutex
	heads map[domain.ChatID]domain.ChatHead
}

func (d *inMemoryChatDirectory) GetByID(_ context.Context, id domain.ChatID) (domain.ChatHead, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	head, ok := d.heads[id]
	if !ok {
		return domain.ChatHead{}, domain.ErrChatNotFound
	}
	return head, nil
}

func (d *inMemoryChatDirectory) List(context.Context) ([]domain.ChatHead, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.ChatHead, 0, len(d.heads))
	for _, head := range d.heads {
		out = append(out, head)
	}
	return out, nil
}

func (d *inMemoryChatDirectory) Save(_ context.Context, head domain.ChatHead) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heads[head.ChatID] = head
	return nil
}

func (d *inMemoryChatDirectory) Remove(_ context.Context, id domain.ChatID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.heads[id]; !ok {
		return domain.ErrChatNotFound
	}
	delete(d.heads, id)
	return nil
}

type clientFixture struct {
	client    *ChatClient
	dialer    *fakeDialer
	chats     *fakeChatService
	resources *inMemoryResourceStore
	directory *inMemoryChatDirectory
}

func newClientFixture(t *testing.T, resources ...domain.Resource) clientFixture {
	t.Helper()

	f := clientFixture{
		dialer:    newFakeDialer(),
		chats:     &fakeChatService{history: map[domain.ChatID][]domain.ChatMessage{}},
		resources: newInMemoryResourceStore(resources...),
		directory: &inMemoryChatDirectory{heads: map[domain.ChatID]domain.ChatHead{}},
	}
	next := 0
	client, err := NewChatClient(ClientDeps{
		Chats:     f.chats,
		Resources: f.resources,
		Dialer:    f.dialer,
		Directory: f.directory,
	}, ClientOptions{
		UserID: "u1",
		Logger: zerolog.Nop(),
		Clock:  fixedClock{now: testNow},
		NewMsgID: func() domain.MsgID {
			next++
			return domain.MsgID("msg-" + string(rune('0'+next)))
		},
	})
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)
	f.client = client
	return f
}

// serveReply answers the next user frame written on conn with chunks.
func serveReply(t *testing.T, conn *fakeConn, chunks ...string) {
	t.Helper()

	go func() {
		deadline := time.After(2 * time.Second)
		for {
			frames := conn.frames()
			if len(frames) > 0 {
				var out domain.OutboundFrame
				if err := json.Unmarshal(frames[len(frames)-1], &out); err != nil {
					return
				}
				for i, chunk := range chunks {
					conn.inbound <- mustJSON(domain.NewChunkFrame(out.MsgID, i, chunk))
				}
				conn.inbound <- mustJSON(domain.NewEndFrame(out.MsgID))
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
}

func TestChatClientOpenLoadsHistoryAndResources(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, domain.Resource{ID: "mem1", Kind: domain.ResourceMemory, Content: "likes go", Status: domain.StatusSuccess})
	f.chats.history["c1"] = []domain.ChatMessage{{MsgID: "m0", Role: domain.RoleUser, Content: "earlier"}}

	require.NoError(t, f.client.Open(context.Background(), "c1"))

	assert.True(t, f.client.Pool().IsConnected("c1"))
	assert.Equal(t, []string{"earlier"}, contents(f.client.History("c1")))
	assert.Len(t, f.client.Memories("c1").List(), 1)
}

func TestChatClientAskAssemblesReply(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t)
	require.NoError(t, f.client.Open(context.Background(), "c1"))
	serveReply(t, f.dialer.last("c1"), "Hel", "lo")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := f.client.Ask(ctx, "c1", "hi")
	require.NoError(t, err)

	assert.Equal(t, domain.MsgID("msg-1_ai_reply"), reply.MsgID)
	assert.Equal(t, "Hello", reply.Content)
	assert.False(t, reply.Streaming)
	assert.Equal(t, []string{"hi", "Hello"}, contents(f.client.History("c1")))
}

func TestChatClientSendCarriesSelectionsOnce(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t,
		domain.Resource{ID: "mem1", Kind: domain.ResourceMemory, Content: "a", Status: domain.StatusSuccess},
		domain.Resource{ID: "file1", Kind: domain.ResourceFile, Name: "b.pdf", Status: domain.StatusSuccess},
	)
	require.NoError(t, f.client.Open(context.Background(), "c1"))
	require.NoError(t, f.client.Memories("c1").Select("mem1"))
	require.NoError(t, f.client.Files("c1").Select("file1"))

	_, err := f.client.Send(context.Background(), "c1", "with context")
	require.NoError(t, err)
	_, err = f.client.Send(context.Background(), "c1", "without")
	require.NoError(t, err)

	frames := f.dialer.last("c1").frames()
	require.Len(t, frames, 2)

	var first, second domain.OutboundFrame
	require.NoError(t, json.Unmarshal(frames[0], &first))
	require.NoError(t, json.Unmarshal(frames[1], &second))
	assert.Equal(t, []domain.ResourceID{"mem1"}, first.MemIDs)
	assert.Equal(t, []domain.ResourceID{"file1"}, first.FileIDs)
	assert.Equal(t, domain.UserID("u1"), first.UserID)
	assert.Empty(t, second.MemIDs)
	assert.Empty(t, second.FileIDs)
}

func TestChatClientSendValidation(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t)

	_, err := f.client.Send(context.Background(), "c1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = f.client.Send(context.Background(), "c1", "hello")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestChatClientFailedSendTakesMessageBack(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t,
		domain.Resource{ID: "mem1", Kind: domain.ResourceMemory, Content: "a", Status: domain.StatusSuccess},
	)
	require.NoError(t, f.client.Open(context.Background(), "c1"))
	require.NoError(t, f.client.Memories("c1").Select("mem1"))

	conn := f.dialer.last("c1")
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	msgID, err := f.client.Send(context.Background(), "c1", "lost")
	require.Error(t, err)

	_, ok := f.client.Message("c1", msgID)
	assert.False(t, ok)
	assert.Empty(t, f.client.History("c1"))
	assert.Equal(t, []domain.ResourceID{"mem1"}, f.client.Memories("c1").SelectedIDs())
}

func TestChatClientAskFailsWhenConnectionDrops(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t)
	require.NoError(t, f.client.Open(context.Background(), "c1"))
	conn := f.dialer.last("c1")

	go func() {
		assert.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, 5*time.Millisecond)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.client.Ask(ctx, "c1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for reply")
}

func TestChatClientCreateAndDeleteChat(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t)

	head, err := f.client.CreateChat(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, domain.ChatID("chat-notes"), head.ChatID)

	_, err = f.directory.GetByID(context.Background(), head.ChatID)
	require.NoError(t, err)

	require.NoError(t, f.client.Open(context.Background(), head.ChatID))
	require.NoError(t, f.client.DeleteChat(context.Background(), head.ChatID))

	assert.False(t, f.client.Pool().IsConnected(head.ChatID))
	assert.Nil(t, f.client.History(head.ChatID))
	assert.Equal(t, []domain.ChatID{head.ChatID}, f.chats.deleted)
	_, err = f.directory.GetByID(context.Background(), head.ChatID)
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}

func TestChatClientRequiresUserID(t *testing.T) {
	t.Parallel()

	_, err := NewChatClient(ClientDeps{}, ClientOptions{})
	assert.Error(t, err)
}
