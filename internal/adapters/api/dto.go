package api

import (
	"time"

	"github.com/bnema/chatsync/internal/domain"
)

type result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type createChatRequest struct {
	Name   string `json:"name"`
	ChatID string `json:"chatId,omitempty"`
}

type createChatResponse struct {
	result
	ChatID string `json:"chatId"`
}

type chatHead struct {
	ChatID    string `json:"chatId"`
	Name      string `json:"name"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type message struct {
	MsgID     string `json:"msgId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type resource struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content,omitempty"`
	Persist   bool   `json:"persist"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type addResourceRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	Persist bool   `json:"persist,omitempty"`
}

type resourceResponse struct {
	result
	Resource resource `json:"resource"`
}

type persistRequest struct {
	Persist *bool `json:"persist"`
}

type statusRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func toChatHead(h domain.ChatHead) chatHead {
	return chatHead{ChatID: string(h.ChatID), Name: h.Name, Preview: h.Preview, CreatedAt: millis(h.CreatedAt)}
}

func (h chatHead) domain() domain.ChatHead {
	return domain.ChatHead{ChatID: domain.ChatID(h.ChatID), Name: h.Name, Preview: h.Preview, CreatedAt: fromMillis(h.CreatedAt)}
}

func toMessage(m domain.ChatMessage) message {
	return message{MsgID: string(m.MsgID), Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp}
}

func (m message) domain() domain.ChatMessage {
	return domain.ChatMessage{MsgID: domain.MsgID(m.MsgID), Role: domain.Role(m.Role), Content: m.Content, Timestamp: m.Timestamp}
}

func toResource(r domain.Resource) resource {
	return resource{
		ID:        string(r.ID),
		Kind:      string(r.Kind),
		Name:      r.Name,
		Content:   r.Content,
		Persist:   r.Persist,
		Status:    string(r.Status),
		Error:     r.Error,
		CreatedAt: millis(r.CreatedAt),
	}
}

func (r resource) domain() domain.Resource {
	status, err := domain.ParseResourceStatus(r.Status)
	if err != nil {
		status = domain.StatusFailed
	}
	return domain.Resource{
		ID:        domain.ResourceID(r.ID),
		Kind:      domain.ResourceKind(r.Kind),
		Name:      r.Name,
		Content:   r.Content,
		Persist:   r.Persist,
		Status:    status,
		Error:     r.Error,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
