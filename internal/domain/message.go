package domain

import (
	"fmt"
	"strings"
	"time"
)

type UserID string
type ChatID string
type MsgID string
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	assistantReplySuffix = "_ai_reply"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// AssistantMsgID is the id of the reply streamed for the user message id.
func AssistantMsgID(userMsgID MsgID) MsgID {
	return userMsgID + assistantReplySuffix
}

type ChatMessage struct {
	MsgID     MsgID
	Role      Role
	Content   string
	Timestamp int64

	// Streaming is true between the first chunk and the end signal.
	Streaming bool
	// Incomplete marks a reply assembled across a chunk gap.
	Incomplete bool
}

func (m ChatMessage) Validate() error {
	if strings.TrimSpace(string(m.MsgID)) == "" {
		return fmt.Errorf("msg id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("unsupported role %q", m.Role)
	}
	return nil
}

// ChatKey identifies one conversation of one user.
type ChatKey struct {
	UserID UserID
	ChatID ChatID
}

func (k ChatKey) String() string {
	return string(k.UserID) + "/" + string(k.ChatID)
}

type PendingWriteRecord struct {
	Seq        uint64
	UserID     UserID
	ChatID     ChatID
	MsgID      MsgID
	Role       Role
	Content    string
	Timestamp  int64
	ReceivedAt time.Time
}

func (r PendingWriteRecord) Key() ChatKey {
	return ChatKey{UserID: r.UserID, ChatID: r.ChatID}
}

func (r PendingWriteRecord) Message() ChatMessage {
	return ChatMessage{
		MsgID:     r.MsgID,
		Role:      r.Role,
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
}

func (r PendingWriteRecord) Validate() error {
	if strings.TrimSpace(string(r.UserID)) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(string(r.ChatID)) == "" {
		return fmt.Errorf("chat id is required")
	}
	return r.Message().Validate()
}

type Conversation struct {
	UserID    UserID
	ChatID    ChatID
	Name      string
	Messages  []ChatMessage
	CreatedAt time.Time
}

type ChatHead struct {
	ChatID    ChatID
	Name      string
	Preview   string
	CreatedAt time.Time
}

// MergeMessages appends extra to base, skipping ids already present.
func MergeMessages(base []ChatMessage, extra []ChatMessage) []ChatMessage {
	seen := make(map[MsgID]struct{}, len(base)+len(extra))
	merged := make([]ChatMessage, 0, len(base)+len(extra))
	for _, group := range [][]ChatMessage{base, extra} {
		for _, msg := range group {
			if _, ok := seen[msg.MsgID]; ok {
				continue
			}
			seen[msg.MsgID] = struct{}{}
			merged = append(merged, msg)
		}
	}
	return merged
}
