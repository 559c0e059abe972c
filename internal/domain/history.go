package domain

import (
	"fmt"
	"sync"
)

// ConversationHistory is the ordered message list of one chat. It is shared
// between a connection reader and callers, so every method locks.
type ConversationHistory struct {
	userID UserID
	chatID ChatID

	mu       sync.RWMutex
	messages map[MsgID]ChatMessage
	order    []MsgID
}

func NewConversationHistory(userID UserID, chatID ChatID) *ConversationHistory {
	return &ConversationHistory{
		userID:   userID,
		chatID:   chatID,
		messages: map[MsgID]ChatMessage{},
	}
}

func (h *ConversationHistory) UserID() UserID { return h.userID }
func (h *ConversationHistory) ChatID() ChatID { return h.chatID }

func (h *ConversationHistory) Append(msg ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.messages[msg.MsgID]; ok {
		return fmt.Errorf("append message %s: %w", msg.MsgID, ErrDuplicateMessage)
	}
	h.messages[msg.MsgID] = msg
	h.order = append(h.order, msg.MsgID)
	return nil
}

func (h *ConversationHistory) AppendContent(id MsgID, content string) error {
	return h.Update(id, func(msg *ChatMessage) {
		msg.Content += content
	})
}

func (h *ConversationHistory) Update(id MsgID, fn func(*ChatMessage)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[id]
	if !ok {
		return fmt.Errorf("update message %s: %w", id, ErrMessageNotFound)
	}
	fn(&msg)
	msg.MsgID = id
	h.messages[id] = msg
	return nil
}

// Remove drops id and reports whether it was present.
func (h *ConversationHistory) Remove(id MsgID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.messages[id]; !ok {
		return false
	}
	delete(h.messages, id)
	for i, cur := range h.order {
		if cur == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return true
}

func (h *ConversationHistory) Get(id MsgID) (ChatMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg, ok := h.messages[id]
	return msg, ok
}

func (h *ConversationHistory) Messages() []ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ChatMessage, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.messages[id])
	}
	return out
}

// Replace swaps the whole history for msgs. The first occurrence of a
// duplicated id wins.
func (h *ConversationHistory) Replace(msgs []ChatMessage) {
	messages := make(map[MsgID]ChatMessage, len(msgs))
	order := make([]MsgID, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := messages[msg.MsgID]; ok {
			continue
		}
		messages[msg.MsgID] = msg
		order = append(order, msg.MsgID)
	}

	h.mu.Lock()
	h.messages = messages
	h.order = order
	h.mu.Unlock()
}

func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

func (h *ConversationHistory) Last() (ChatMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.order) == 0 {
		return ChatMessage{}, false
	}
	return h.messages[h.order[len(h.order)-1]], true
}
