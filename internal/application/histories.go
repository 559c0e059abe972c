package application

import (
	"fmt"
	"sync"

	"github.com/bnema/chatsync/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultHistoryCacheSize = 32

// HistoryCache holds the histories of recently used chats. Evicted chats are
// reloaded from the server on the next open.
type HistoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache[domain.ChatID, *domain.ConversationHistory]
}

func NewHistoryCache(size int) (*HistoryCache, error) {
	if size <= 0 {
		size = DefaultHistoryCacheSize
	}
	cache, err := lru.New[domain.ChatID, *domain.ConversationHistory](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &HistoryCache{cache: cache}, nil
}

func (c *HistoryCache) Ensure(userID domain.UserID, chatID domain.ChatID) *domain.ConversationHistory {
	c.mu.Lock()
	defer c.mu.Unlock()

	if history, ok := c.cache.Get(chatID); ok {
		return history
	}
	history := domain.NewConversationHistory(userID, chatID)
	c.cache.Add(chatID, history)
	return history
}

func (c *HistoryCache) Get(chatID domain.ChatID) (*domain.ConversationHistory, bool) {
	return c.cache.Get(chatID)
}

func (c *HistoryCache) Replace(userID domain.UserID, chatID domain.ChatID, msgs []domain.ChatMessage) *domain.ConversationHistory {
	history := c.Ensure(userID, chatID)
	history.Replace(msgs)
	return history
}

func (c *HistoryCache) Forget(chatID domain.ChatID) {
	c.cache.Remove(chatID)
}
