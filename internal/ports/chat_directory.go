package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

// ChatDirectory is the client's local index of known chats.
type ChatDirectory interface {
	GetByID(ctx context.Context, id domain.ChatID) (domain.ChatHead, error)
	List(ctx context.Context) ([]domain.ChatHead, error)
	Save(ctx context.Context, head domain.ChatHead) error
	Remove(ctx context.Context, id domain.ChatID) error
}

// ChatService is the client view of the server's chat routes.
type ChatService interface {
	CreateChat(ctx context.Context, userID domain.UserID, name string) (domain.ChatID, error)
	DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error
	ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error)
	History(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error)
}
