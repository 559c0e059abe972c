package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

// Conn is one bidirectional chat connection. ReadFrame blocks until a frame
// arrives or the connection is closed.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, userID domain.UserID, chatID domain.ChatID) (Conn, error)
}

// FrameSink delivers server frames to one connected client.
type FrameSink interface {
	Send(frame any) error
}

// Pusher sends a frame to the client currently connected to a chat. It
// returns domain.ErrNotConnected when nobody is.
type Pusher interface {
	Push(userID domain.UserID, chatID domain.ChatID, frame any) error
}
