package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

type ResourceStore interface {
	ListResources(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID) ([]domain.Resource, error)
	AddResource(ctx context.Context, userID domain.UserID, chatID domain.ChatID, res domain.Resource) (domain.Resource, error)
	DeleteResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) error
	SetPersist(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, persist bool) error
}

// ResourceStatusStore is implemented by the server side store only.
type ResourceStatusStore interface {
	GetResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) (domain.Resource, error)
	SetStatus(ctx context.Context, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) (domain.Resource, error)
}
