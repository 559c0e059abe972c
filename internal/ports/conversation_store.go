package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

// ConversationStore is the primary durable store of chats.
type ConversationStore interface {
	CreateChat(ctx context.Context, conv domain.Conversation) error
	DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error
	ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error)
	Messages(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error)
	// AppendMessages appends msgs atomically. Messages whose id is already
	// stored for the chat are skipped.
	AppendMessages(ctx context.Context, userID domain.UserID, chatID domain.ChatID, msgs []domain.ChatMessage) error
}
