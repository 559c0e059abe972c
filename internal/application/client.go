package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ClientDeps struct {
	Chats     ports.ChatService
	Resources ports.ResourceStore
	Dialer    ports.Dialer
	// Directory is optional; when set it mirrors the chats the user knows.
	Directory ports.ChatDirectory
}

type ClientOptions struct {
	UserID           domain.UserID
	MaxConnections   int
	HistoryCacheSize int
	Logger           zerolog.Logger
	Metrics          PoolMetrics
	Clock            ports.Clock
	NewMsgID         func() domain.MsgID
}

// ChatClient is the client side of chat synchronization: it owns the
// connection pool, the cached histories and the per-chat resource state.
type ChatClient struct {
	userID    domain.UserID
	chats     ports.ChatService
	directory ports.ChatDirectory
	clock     ports.Clock
	newMsgID  func() domain.MsgID
	log       zerolog.Logger

	notifier  *Notifier
	histories *HistoryCache
	resources *ResourceRegistry
	assembler *Assembler
	pool      *ConnectionPool
}

func NewChatClient(deps ClientDeps, opts ClientOptions) (*ChatClient, error) {
	if strings.TrimSpace(string(opts.UserID)) == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.NewMsgID == nil {
		opts.NewMsgID = func() domain.MsgID { return domain.MsgID(uuid.NewString()) }
	}

	histories, err := NewHistoryCache(opts.HistoryCacheSize)
	if err != nil {
		return nil, err
	}

	notifier := NewNotifier(0)
	resources := NewResourceRegistry(opts.UserID, deps.Resources, opts.Logger.With().Str("component", "resources").Logger())
	assembler := NewAssembler(histories, resources, notifier, opts.Clock, opts.Logger.With().Str("component", "assembler").Logger())
	pool := NewConnectionPool(deps.Dialer, assembler.Apply, notifier, PoolOptions{
		MaxConnections: opts.MaxConnections,
		Logger:         opts.Logger.With().Str("component", "pool").Logger(),
		Metrics:        opts.Metrics,
		Clock:          opts.Clock,
	})

	return &ChatClient{
		userID:    opts.UserID,
		chats:     deps.Chats,
		directory: deps.Directory,
		clock:     opts.Clock,
		newMsgID:  opts.NewMsgID,
		log:       opts.Logger,
		notifier:  notifier,
		histories: histories,
		resources: resources,
		assembler: assembler,
		pool:      pool,
	}, nil
}

func (c *ChatClient) UserID() domain.UserID { return c.userID }
func (c *ChatClient) Pool() *ConnectionPool { return c.pool }
func (c *ChatClient) Notifier() *Notifier { return c.notifier }
func (c *ChatClient) Resources() *ResourceRegistry { return c.resources }

func (c *ChatClient) CreateChat(ctx context.Context, name string) (domain.ChatHead, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ChatHead{}, errors.New("chat name is required")
	}

	chatID, err := c.chats.CreateChat(ctx, c.userID, name)
	if err != nil {
		return domain.ChatHead{}, fmt.Errorf("create chat: %w", err)
	}

	head := domain.ChatHead{ChatID: chatID, Name: name, CreatedAt: c.clock.Now()}
	if c.directory != nil {
		if err := c.directory.Save(ctx, head); err != nil {
			return head, fmt.Errorf("save chat %s locally: %w", chatID, err)
		}
	}
	return head, nil
}

func (c *ChatClient) DeleteChat(ctx context.Context, chatID domain.ChatID) error {
	c.pool.Disconnect(chatID)
	if err := c.chats.DeleteChat(ctx, c.userID, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}

	c.histories.Forget(chatID)
	c.resources.Forget(chatID)
	c.assembler.Reset(chatID)
	if c.directory != nil {
		if err := c.directory.Remove(ctx, chatID); err != nil && !errors.Is(err, domain.ErrChatNotFound) {
			return fmt.Errorf("remove chat %s locally: %w", chatID, err)
		}
	}
	return nil
}

func (c *ChatClient) ListChats(ctx context.Context) ([]domain.ChatHead, error) {
	heads, err := c.chats.ListChatHeads(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if c.directory != nil {
		for _, head := range heads {
			if err := c.directory.Save(ctx, head); err != nil {
				c.log.Warn().Err(err).Str("chat", string(head.ChatID)).Msg("could not cache chat locally")
			}
		}
	}
	return heads, nil
}

// Open loads history and resources of chatID and connects to it. The
// history is loaded before connecting so streamed replies are not
// overwritten by the reload.
func (c *ChatClient) Open(ctx context.Context, chatID domain.ChatID) error {
	if !c.pool.IsConnected(chatID) {
		msgs, err := c.chats.History(ctx, c.userID, chatID)
		if err != nil {
			return fmt.Errorf("load history of %s: %w", chatID, err)
		}
		c.histories.Replace(c.userID, chatID, msgs)
		c.assembler.Reset(chatID)

		for _, kind := range []domain.ResourceKind{domain.ResourceMemory, domain.ResourceFile} {
			if err := c.resources.For(chatID, kind).Load(ctx); err != nil {
				return err
			}
		}
	}

	return c.pool.Connect(ctx, c.userID, chatID)
}

func (c *ChatClient) Close(chatID domain.ChatID) {
	c.pool.Disconnect(chatID)
}

// Send appends the user message locally and sends it with the current
// selections. Selections are cleared once the frame is written; a failed
// write takes the message back out of the history.
func (c *ChatClient) Send(ctx context.Context, chatID domain.ChatID, text string) (domain.MsgID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrEmptyMessage
	}
	if !c.pool.IsConnected(chatID) {
		return "", fmt.Errorf("send to chat %s: %w", chatID, domain.ErrNotConnected)
	}

	memories := c.resources.For(chatID, domain.ResourceMemory)
	files := c.resources.For(chatID, domain.ResourceFile)

	msgID := c.newMsgID()
	now := c.clock.Now().UnixMilli()
	frame := domain.OutboundFrame{
		MsgID:     msgID,
		ChatID:    chatID,
		UserID:    c.userID,
		Role:      domain.RoleUser,
		Content:   text,
		FileIDs:   files.SelectedIDs(),
		MemIDs:    memories.SelectedIDs(),
		Timestamp: now,
	}

	history := c.histories.Ensure(c.userID, chatID)
	if err := history.Append(domain.ChatMessage{MsgID: msgID, Role: domain.RoleUser, Content: text, Timestamp: now}); err != nil {
		return "", err
	}
	c.notifier.Publish(Event{Kind: EventMessageAppended, ChatID: chatID, MsgID: msgID})

	if err := c.pool.Send(ctx, chatID, frame); err != nil {
		// the server never saw it; selections stay for the retry
		if history.Remove(msgID) {
			c.notifier.Publish(Event{Kind: EventMessageRemoved, ChatID: chatID, MsgID: msgID})
		}
		return msgID, err
	}
	memories.ClearSelection()
	files.ClearSelection()
	return msgID, nil
}

// Ask sends text and waits until its reply is complete.
func (c *ChatClient) Ask(ctx context.Context, chatID domain.ChatID, text string) (domain.ChatMessage, error) {
	events, unsubscribe := c.notifier.Subscribe(chatID)
	defer unsubscribe()

	msgID, err := c.Send(ctx, chatID, text)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	replyID := domain.AssistantMsgID(msgID)

	for {
		select {
		case <-ctx.Done():
			return domain.ChatMessage{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return domain.ChatMessage{}, errors.New("event stream closed")
			}
			switch {
			case ev.Kind == EventMessageCompleted && ev.MsgID == replyID:
				msg, _ := c.Message(chatID, replyID)
				return msg, nil
			case ev.Kind == EventServerError && (ev.MsgID == msgID || ev.MsgID == ""):
				return domain.ChatMessage{}, fmt.Errorf("server: %s", ev.Text)
			case ev.Kind == EventDisconnected:
				cause := ev.Err
				if cause == nil {
					cause = domain.ErrNotConnected
				}
				return domain.ChatMessage{}, fmt.Errorf("waiting for reply: %w", cause)
			}
		}
	}
}

func (c *ChatClient) History(chatID domain.ChatID) []domain.ChatMessage {
	history, ok := c.histories.Get(chatID)
	if !ok {
		return nil
	}
	return history.Messages()
}

func (c *ChatClient) Message(chatID domain.ChatID, id domain.MsgID) (domain.ChatMessage, bool) {
	history, ok := c.histories.Get(chatID)
	if !ok {
		return domain.ChatMessage{}, false
	}
	return history.Get(id)
}

func (c *ChatClient) Memories(chatID domain.ChatID) *ResourceState {
	return c.resources.For(chatID, domain.ResourceMemory)
}

func (c *ChatClient) Files(chatID domain.ChatID) *ResourceState {
	return c.resources.For(chatID, domain.ResourceFile)
}

func (c *ChatClient) Shutdown() {
	c.pool.Close()
}
