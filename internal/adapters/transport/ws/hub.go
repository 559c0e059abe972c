package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024

	defaultSendBuffer = 64
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrSessionClosed  = errors.New("session closed")
	ErrHubClosed      = errors.New("hub closed")
	ErrHandlerPanic   = errors.New("frame handler panicked")
)

// FrameHandler processes the frames one client sends. Calls for one session
// are sequential.
type FrameHandler interface {
	HandleFrame(ctx context.Context, sink ports.FrameSink, raw []byte) error
}

type HubMetrics interface {
	SessionOpened()
	SessionClosed()
	FrameReceived()
}

type HubOptions struct {
	SendBuffer int
	Logger     zerolog.Logger
	Metrics    HubMetrics
	// SendWait bounds how long Send waits for room in a full send buffer.
	SendWait time.Duration
	// Fatal is told about a handler panic. The session is closed either way.
	Fatal func(error)
}

// Hub accepts server side websocket sessions, one per (user, chat). A newer
// session for the same chat replaces the older one.
type Hub struct {
	handler    FrameHandler
	log        zerolog.Logger
	metrics    HubMetrics
	sendBuffer int
	sendWait   time.Duration
	fatal      func(error)
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.ChatKey]*Session
	closed   bool
	wg       sync.WaitGroup
}

var _ ports.Pusher = (*Hub)(nil)

func NewHub(handler FrameHandler, opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.SendWait <= 0 {
		opts.SendWait = writeWait
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		handler:    handler,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		sendWait:   opts.SendWait,
		fatal:      opts.Fatal,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[domain.ChatKey]*Session{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := domain.ChatKey{
		UserID: domain.UserID(r.URL.Query().Get("userId")),
		ChatID: domain.ChatID(r.URL.Query().Get("chatId")),
	}
	if key.UserID == "" || key.ChatID == "" {
		http.Error(w, "userId and chatId are required", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("chat", key.String()).Msg("websocket upgrade failed")
		return
	}

	session := h.newSession(key, conn)
	if !h.register(session) {
		_ = conn.Close()
		return
	}

	h.wg.Add(2)
	go session.writePump()
	go session.readPump()
}

func (h *Hub) register(s *Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.sessions[s.key]
	h.sessions[s.key] = s
	h.mu.Unlock()

	if old != nil {
		h.log.Debug().Str("chat", s.key.String()).Msg("replacing previous session")
		old.close()
	}
	h.metrics.SessionOpened()
	h.log.Info().Str("chat", s.key.String()).Msg("session opened")
	return true
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.key]; ok && cur == s {
		delete(h.sessions, s.key)
	}
	h.mu.Unlock()

	h.metrics.SessionClosed()
	h.log.Info().Str("chat", s.key.String()).Msg("session closed")
}

func (h *Hub) Push(userID domain.UserID, chatID domain.ChatID, frame any) error {
	h.mu.Lock()
	session, ok := h.sessions[domain.ChatKey{UserID: userID, ChatID: chatID}]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("push to %s/%s: %w", userID, chatID, domain.ErrNotConnected)
	}
	return session.Send(frame)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops accepting sessions, closes the open ones and waits until
// their frame handlers returned.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return fmt.Errorf("close hub: %w", ctx.Err())
	}
}

type Session struct {
	hub  *Hub
	key  domain.ChatKey
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ ports.FrameSink = (*Session)(nil)

func (h *Hub) newSession(key domain.ChatKey, conn *websocket.Conn) *Session {
	return &Session{
		hub:  h,
		key:  key,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *Session) Key() domain.ChatKey {
	return s.key
}

func (s *Session) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(s.hub.sendWait)
	defer timer.Stop()
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		return fmt.Errorf("send to %s: %w", s.key, ErrSendBufferFull)
	}
}

// close signals the write pump, which drains queued frames and closes the
// connection.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) readPump() {
	defer s.hub.wg.Done()
	defer func() {
		s.close()
		s.hub.unregister(s)
	}()

	// The handler context outlives close() so a reply in flight can still be
	// buffered; it ends with the hub.
	ctx := s.hub.ctx

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn().Err(err).Str("chat", s.key.String()).Msg("websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.hub.log.Debug().Str("chat", s.key.String()).Msg("ignoring non-text frame")
			continue
		}

		s.hub.metrics.FrameReceived()
		err = s.handle(ctx, data)
		if errors.Is(err, ErrHandlerPanic) {
			s.hub.log.Error().Err(err).Str("chat", s.key.String()).Msg("closing session after handler panic")
			if s.hub.fatal != nil {
				s.hub.fatal(err)
			}
			return
		}
		if err != nil {
			s.hub.log.Warn().Err(err).Str("chat", s.key.String()).Msg("frame rejected")
		}
	}
}

func (s *Session) handle(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.hub.handler.HandleFrame(ctx, s, data)
}

func (s *Session) writePump() {
	defer s.hub.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.log.Debug().Err(err).Str("chat", s.key.String()).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.flushPending()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flushPending writes frames that were queued before close. Errors are
// ignored, the connection is going away.
func (s *Session) flushPending() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened() {}
func (noopMetrics) SessionClosed() {}
func (noopMetrics) FrameReceived() {}
