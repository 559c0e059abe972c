package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// ServerStore is what the server needs from its primary store.
type ServerStore interface {
	ports.ConversationStore
	ports.ResourceStore
	ports.ResourceStatusStore
}

// ConversationService answers the HTTP routes of the server. Reads merge
// the primary store with records still waiting in the pending buffer.
type ConversationService struct {
	store   ServerStore
	buffer  ports.PendingBuffer
	flusher *Flusher
	pusher  ports.Pusher
	clock   ports.Clock
	log     zerolog.Logger
	newID   func() string
}

func NewConversationService(store ServerStore, buffer ports.PendingBuffer, flusher *Flusher, pusher ports.Pusher, clock ports.Clock, log zerolog.Logger) *ConversationService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &ConversationService{
		store:   store,
		buffer:  buffer,
		flusher: flusher,
		pusher:  pusher,
		clock:   clock,
		log:     log,
		newID:   shortuuid.New,
	}
}

// SetPusher attaches the websocket hub once it exists.
func (s *ConversationService) SetPusher(pusher ports.Pusher) {
	s.pusher = pusher
}

func (s *ConversationService) CreateChat(ctx context.Context, userID domain.UserID, name string, chatID domain.ChatID) (domain.ChatHead, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return domain.ChatHead{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ChatHead{}, fmt.Errorf("%w: chat name is required", domain.ErrInvalidArgument)
	}
	if chatID == "" {
		chatID = domain.ChatID(s.newID())
	}

	conv := domain.Conversation{UserID: userID, ChatID: chatID, Name: name, CreatedAt: s.clock.Now()}
	if err := s.store.CreateChat(ctx, conv); err != nil {
		return domain.ChatHead{}, err
	}
	return domain.ChatHead{ChatID: chatID, Name: name, CreatedAt: conv.CreatedAt}, nil
}

// DeleteChat removes the chat and its buffered records. It holds the flush
// lock so a running flush cannot bring the chat back.
func (s *ConversationService) DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error {
	deleteAll := func() error {
		pending, err := s.buffer.ForChat(ctx, userID, chatID)
		if err != nil {
			return fmt.Errorf("read pending records: %w", err)
		}
		if err := s.store.DeleteChat(ctx, userID, chatID); err != nil {
			return err
		}
		seqs := make([]uint64, 0, len(pending))
		for _, rec := range pending {
			seqs = append(seqs, rec.Seq)
		}
		if err := s.buffer.Remove(ctx, seqs); err != nil {
			return fmt.Errorf("drop pending records: %w", err)
		}
		return nil
	}

	if s.flusher != nil {
		return s.flusher.Exclusive(deleteAll)
	}
	return deleteAll()
}

func (s *ConversationService) ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error) {
	heads, err := s.store.ListChatHeads(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat heads: %w", err)
	}

	pending, err := s.buffer.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}
	latest := map[domain.ChatID]string{}
	for _, rec := range pending {
		if rec.UserID == userID {
			latest[rec.ChatID] = rec.Content
		}
	}
	for i := range heads {
		if preview, ok := latest[heads[i].ChatID]; ok {
			heads[i].Preview = preview
		}
	}
	return heads, nil
}

func (s *ConversationService) History(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error) {
	pending, err := s.buffer.ForChat(ctx, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}

	stored, err := s.store.Messages(ctx, userID, chatID)
	if err != nil {
		if !errors.Is(err, domain.ErrChatNotFound) || len(pending) == 0 {
			return nil, err
		}
		stored = nil
	}

	buffered := make([]domain.ChatMessage, 0, len(pending))
	for _, rec := range pending {
		buffered = append(buffered, rec.Message())
	}
	return domain.MergeMessages(stored, buffered), nil
}

func (s *ConversationService) ListResources(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID) ([]domain.Resource, error) {
	return s.store.ListResources(ctx, kind, userID, chatID)
}

func (s *ConversationService) AddResource(ctx context.Context, userID domain.UserID, chatID domain.ChatID, res domain.Resource) (domain.Resource, error) {
	if !res.Kind.Valid() {
		return domain.Resource{}, fmt.Errorf("%w: unsupported resource kind %q", domain.ErrInvalidArgument, res.Kind)
	}
	switch res.Kind {
	case domain.ResourceMemory:
		if strings.TrimSpace(res.Content) == "" {
			return domain.Resource{}, fmt.Errorf("%w: memory content is required", domain.ErrInvalidArgument)
		}
		res.Status = domain.StatusSuccess
	case domain.ResourceFile:
		if strings.TrimSpace(res.Name) == "" {
			return domain.Resource{}, fmt.Errorf("%w: file name is required", domain.ErrInvalidArgument)
		}
		res.Status = domain.StatusProcessing
	}
	if res.ID == "" {
		res.ID = domain.ResourceID(s.newID())
	}
	res.Error = ""
	res.CreatedAt = s.clock.Now()
	return s.store.AddResource(ctx, userID, chatID, res)
}

// DeleteResource deletes a resource. File deletions are reported to the
// connected client with a deletion_status frame, failures included.
func (s *ConversationService) DeleteResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) error {
	var name string
	if kind == domain.ResourceFile {
		if res, err := s.store.GetResource(ctx, kind, userID, chatID, id); err == nil {
			name = res.Name
		}
	}

	err := s.store.DeleteResource(ctx, kind, userID, chatID, id)
	if kind == domain.ResourceFile {
		s.push(userID, chatID, domain.NewDeletionFrame(id, name, err))
	}
	return err
}

func (s *ConversationService) SetPersist(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, persist bool) error {
	return s.store.SetPersist(ctx, kind, userID, chatID, id, persist)
}

// SetFileStatus records the outcome of file processing and pushes a
// vectorization_status frame to the connected client.
func (s *ConversationService) SetFileStatus(ctx context.Context, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) (domain.Resource, error) {
	res, err := s.store.SetStatus(ctx, userID, chatID, id, status, reason)
	if err != nil {
		return domain.Resource{}, err
	}
	s.push(userID, chatID, domain.NewVectorizationFrame(res))
	return res, nil
}

func (s *ConversationService) push(userID domain.UserID, chatID domain.ChatID, frame any) {
	if s.pusher == nil {
		return
	}
	if err := s.pusher.Push(userID, chatID, frame); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		s.log.Warn().Err(err).Str("chat", string(chatID)).Msg("status push failed")
	}
}
