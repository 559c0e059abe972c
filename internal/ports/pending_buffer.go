package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

// PendingBuffer is the durable write-ahead buffer in front of the
// ConversationStore. Records come back in the order they were appended.
type PendingBuffer interface {
	Append(ctx context.Context, rec domain.PendingWriteRecord) (uint64, error)
	Snapshot(ctx context.Context) ([]domain.PendingWriteRecord, error)
	ForChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.PendingWriteRecord, error)
	Remove(ctx context.Context, seqs []uint64) error
	// Quarantine moves seqs out of the pending set and keeps them aside with
	// reason. Quarantined records are never flushed.
	Quarantine(ctx context.Context, seqs []uint64, reason string) error
	Quarantined(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
