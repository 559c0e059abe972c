package ports

import (
	"context"

	"github.com/bnema/chatsync/internal/domain"
)

type GenerateRequest struct {
	UserID   domain.UserID
	ChatID   domain.ChatID
	Prompt   string
	History  []domain.ChatMessage
	Memories []domain.Resource
	Files    []domain.Resource
}

// Generator produces a reply in pieces. emit is called once per piece, in
// order; an emit error aborts generation.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, emit func(chunk string) error) error
}
