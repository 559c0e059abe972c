package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationHistoryAppendRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	history := NewConversationHistory("u1", "c1")
	require.NoError(t, history.Append(ChatMessage{MsgID: "m1", Role: RoleUser, Content: "hi"}))

	err := history.Append(ChatMessage{MsgID: "m1", Role: RoleUser, Content: "again"})
	require.ErrorIs(t, err, ErrDuplicateMessage)

	msgs := history.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestConversationHistoryAppendContentConcatenates(t *testing.T) {
	t.Parallel()

	history := NewConversationHistory("u1", "c1")
	require.NoError(t, history.Append(ChatMessage{MsgID: "r1", Role: RoleAssistant, Content: "Hel"}))
	require.NoError(t, history.AppendContent("r1", "lo"))

	msg, ok := history.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Content)

	err := history.AppendContent("missing", "x")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestConversationHistoryRemoveKeepsOrder(t *testing.T) {
	t.Parallel()

	history := NewConversationHistory("u1", "c1")
	for _, id := range []MsgID{"m1", "m2", "m3"} {
		require.NoError(t, history.Append(ChatMessage{MsgID: id, Role: RoleUser, Content: string(id)}))
	}

	assert.True(t, history.Remove("m2"))
	assert.False(t, history.Remove("m2"))

	msgs := history.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgID("m1"), msgs[0].MsgID)
	assert.Equal(t, MsgID("m3"), msgs[1].MsgID)

	require.NoError(t, history.Append(ChatMessage{MsgID: "m2", Role: RoleUser, Content: "again"}))
	assert.Equal(t, 3, history.Len())
}

func TestConversationHistoryReplaceKeepsFirstOccurrence(t *testing.T) {
	t.Parallel()

	history := NewConversationHistory("u1", "c1")
	require.NoError(t, history.Append(ChatMessage{MsgID: "old", Role: RoleUser}))

	history.Replace([]ChatMessage{
		{MsgID: "a", Role: RoleUser, Content: "first"},
		{MsgID: "b", Role: RoleAssistant, Content: "reply"},
		{MsgID: "a", Role: RoleUser, Content: "second"},
	})

	msgs := history.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgID("a"), msgs[0].MsgID)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, MsgID("b"), msgs[1].MsgID)

	_, ok := history.Get("old")
	assert.False(t, ok)

	last, ok := history.Last()
	require.True(t, ok)
	assert.Equal(t, MsgID("b"), last.MsgID)
}

func TestMergeMessagesSkipsKnownIDs(t *testing.T) {
	t.Parallel()

	stored := []ChatMessage{{MsgID: "1", Role: RoleUser}, {MsgID: "2", Role: RoleAssistant}}
	pending := []ChatMessage{{MsgID: "2", Role: RoleAssistant}, {MsgID: "3", Role: RoleUser}}

	merged := MergeMessages(stored, pending)

	ids := make([]MsgID, 0, len(merged))
	for _, msg := range merged {
		ids = append(ids, msg.MsgID)
	}
	assert.Equal(t, []MsgID{"1", "2", "3"}, ids)
}

func TestAssistantMsgID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MsgID("abc_ai_reply"), AssistantMsgID("abc"))
}
