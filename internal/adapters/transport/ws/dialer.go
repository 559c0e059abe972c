package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Dialer opens client connections to the /ws endpoint of a server.
type Dialer struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
}

var _ ports.Dialer = (*Dialer)(nil)

func NewDialer(serverURL string) (*Dialer, error) {
	endpoint, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	switch endpoint.Scheme {
	case "http", "ws":
		endpoint.Scheme = "ws"
	case "https", "wss":
		endpoint.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", endpoint.Scheme)
	}
	endpoint.Path += "/ws"

	return &Dialer{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func (d *Dialer) Dial(ctx context.Context, userID domain.UserID, chatID domain.ChatID) (ports.Conn, error) {
	target := *d.endpoint
	query := url.Values{}
	query.Set("userId", string(userID))
	query.Set("chatId", string(chatID))
	target.RawQuery = query.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target.Redacted(), err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &clientConn{ws: conn}, nil
}

type clientConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *clientConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *clientConn) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err is the normal end of a connection.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
