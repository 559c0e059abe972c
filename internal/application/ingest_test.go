package application

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bnema/chatsync/internal/adapters/buffer/memory"
	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingGenerator struct {
	scriptedGenerator

	mu       sync.Mutex
	requests []ports.GenerateRequest
}

func (g *capturingGenerator) Generate(ctx context.Context, req ports.GenerateRequest, emit func(string) error) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	return g.scriptedGenerator.Generate(ctx, req, emit)
}

func (g *capturingGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type staticHistory []domain.ChatMessage

func (h staticHistory) History(context.Context, domain.UserID, domain.ChatID) ([]domain.ChatMessage, error) {
	return h, nil
}

func userFrame(msgID domain.MsgID, content string) domain.OutboundFrame {
	return domain.OutboundFrame{
		MsgID:     msgID,
		ChatID:    "c1",
		UserID:    "u1",
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: testNow.UnixMilli(),
	}
}

func newTestIngestor(t *testing.T, buffer ports.PendingBuffer, gen ports.Generator, resources ports.ResourceStore, history HistoryReader) *Ingestor {
	t.Helper()
	ingestor, err := NewIngestor(buffer, gen, resources, history, IngestOptions{Logger: zerolog.Nop(), Clock: fixedClock{now: testNow}})
	require.NoError(t, err)
	return ingestor
}

func TestIngestorStreamsAndBuffersReply(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	ingestor := newTestIngestor(t, buffer, scriptedGenerator{chunks: []string{"Hel", "lo"}}, nil, nil)
	sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}

	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, mustJSON(userFrame("m1", "hi"))))

	assert.Equal(t, []string{"chunk", "chunk", "control"}, sink.types())
	assert.Equal(t, "Hel", sink.frames[0]["content"])
	assert.EqualValues(t, 1, sink.frames[1]["chunkIdx"])
	assert.Equal(t, "end", sink.frames[2]["signal"])
	assert.Equal(t, "m1", sink.frames[2]["msgId"])

	records, err := buffer.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.MsgID("m1"), records[0].MsgID)
	assert.Equal(t, "hi", records[0].Content)
	assert.Equal(t, domain.MsgID("m1_ai_reply"), records[1].MsgID)
	assert.Equal(t, domain.RoleAssistant, records[1].Role)
	assert.Equal(t, "Hello", records[1].Content)
}

func TestIngestorDropsReplayedMessage(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	gen := &capturingGenerator{scriptedGenerator: scriptedGenerator{chunks: []string{"ok"}}}
	ingestor := newTestIngestor(t, buffer, gen, nil, nil)
	sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}
	raw := mustJSON(userFrame("m1", "hi"))

	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, raw))
	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, raw))

	assert.Equal(t, 1, gen.calls())
	depth, err := buffer.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestIngestorRejectsInvalidFrames(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `hello`},
		{name: "missing content", raw: `{"msgId":"m1","chatId":"c1","userId":"u1","role":"user"}`},
		{name: "empty content", raw: `{"msgId":"m1","chatId":"c1","userId":"u1","role":"user","content":""}`},
		{name: "assistant role", raw: `{"msgId":"m1","chatId":"c1","userId":"u1","role":"assistant","content":"x"}`},
		{name: "wrong chat", raw: `{"msgId":"m1","chatId":"c2","userId":"u1","role":"user","content":"x"}`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			buffer := memory.New()
			gen := &capturingGenerator{}
			ingestor := newTestIngestor(t, buffer, gen, nil, nil)
			sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}

			err := ingestor.HandleFrame(context.Background(), sink, []byte(tc.raw))
			require.ErrorIs(t, err, domain.ErrInvalidFrame)

			assert.Equal(t, []string{"error"}, sink.types())
			assert.Zero(t, gen.calls())
			depth, err := buffer.Len(context.Background())
			require.NoError(t, err)
			assert.Zero(t, depth)
		})
	}
}

func TestIngestorBufferFailureSkipsGeneration(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	require.NoError(t, buffer.Close())
	gen := &capturingGenerator{}
	ingestor := newTestIngestor(t, buffer, gen, nil, nil)
	sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}

	err := ingestor.HandleFrame(context.Background(), sink, mustJSON(userFrame("m1", "hi")))
	require.ErrorContains(t, err, "buffer user message")

	assert.Zero(t, gen.calls())
	assert.Equal(t, []string{"error"}, sink.types())
	assert.Equal(t, "m1", sink.frames[0]["msgId"])
}

func TestIngestorKeepsPartialReplyOnGenerationFailure(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	gen := scriptedGenerator{chunks: []string{"Hel"}, err: errors.New("model overloaded")}
	ingestor := newTestIngestor(t, buffer, gen, nil, nil)
	sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}

	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, mustJSON(userFrame("m1", "hi"))))

	assert.Equal(t, []string{"chunk", "error", "control"}, sink.types())
	records, err := buffer.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Hel", records[1].Content)
}

func TestIngestorBuildsGenerationContext(t *testing.T) {
	t.Parallel()

	resources := newInMemoryResourceStore(
		domain.Resource{ID: "m1", Kind: domain.ResourceMemory, Content: "persisted", Persist: true, Status: domain.StatusSuccess},
		domain.Resource{ID: "m2", Kind: domain.ResourceMemory, Content: "selected", Status: domain.StatusSuccess},
		domain.Resource{ID: "m3", Kind: domain.ResourceMemory, Content: "ignored", Status: domain.StatusSuccess},
		domain.Resource{ID: "f1", Kind: domain.ResourceFile, Name: "pending.pdf", Status: domain.StatusProcessing},
		domain.Resource{ID: "f2", Kind: domain.ResourceFile, Name: "ready.pdf", Status: domain.StatusSuccess},
	)
	history := staticHistory{
		{MsgID: "m0", Role: domain.RoleUser, Content: "earlier"},
		{MsgID: "m0_ai_reply", Role: domain.RoleAssistant, Content: "answer"},
		{MsgID: "q1", Role: domain.RoleUser, Content: "now"},
	}
	gen := &capturingGenerator{scriptedGenerator: scriptedGenerator{chunks: []string{"ok"}}}
	ingestor := newTestIngestor(t, memory.New(), gen, resources, history)

	frame := userFrame("q1", "now")
	frame.MemIDs = []domain.ResourceID{"m2"}
	frame.FileIDs = []domain.ResourceID{"f1", "f2"}
	require.NoError(t, ingestor.HandleFrame(context.Background(), &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}}, mustJSON(frame)))

	require.Equal(t, 1, gen.calls())
	req := gen.requests[0]
	assert.Equal(t, "now", req.Prompt)
	assert.Len(t, req.History, 2)

	var memIDs, fileIDs []domain.ResourceID
	for _, res := range req.Memories {
		memIDs = append(memIDs, res.ID)
	}
	for _, res := range req.Files {
		fileIDs = append(fileIDs, res.ID)
	}
	assert.Equal(t, []domain.ResourceID{"m1", "m2"}, memIDs)
	assert.Equal(t, []domain.ResourceID{"f2"}, fileIDs)
}

func TestIngestorInterruptedStreamIsNotEnded(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	ingestor := newTestIngestor(t, buffer, scriptedGenerator{chunks: []string{"Hel", "lo", "!"}}, nil, nil)
	sink := &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c1"}, failAt: 2}

	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, mustJSON(userFrame("m1", "hi"))))

	assert.Equal(t, []string{"chunk", "error"}, sink.types())
	assert.Equal(t, "m1", sink.frames[1]["msgId"])

	records, err := buffer.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Hello!", records[1].Content)
}

type staticOwners map[domain.ChatID]domain.UserID

func (o staticOwners) ChatOwner(_ context.Context, chatID domain.ChatID) (domain.UserID, error) {
	owner, ok := o[chatID]
	if !ok {
		return "", domain.ErrChatNotFound
	}
	return owner, nil
}

func TestIngestorRefusesAnotherUsersChat(t *testing.T) {
	t.Parallel()

	buffer := memory.New()
	gen := &capturingGenerator{scriptedGenerator: scriptedGenerator{chunks: []string{"ok"}}}
	ingestor, err := NewIngestor(buffer, gen, nil, nil, IngestOptions{
		Owners: staticOwners{"c1": "alice"},
		Logger: zerolog.Nop(),
		Clock:  fixedClock{now: testNow},
	})
	require.NoError(t, err)

	frame := userFrame("m1", "let me in")
	frame.UserID = "mallory"
	sink := &recordingSink{key: domain.ChatKey{UserID: "mallory", ChatID: "c1"}}

	err = ingestor.HandleFrame(context.Background(), sink, mustJSON(frame))
	require.ErrorIs(t, err, domain.ErrChatOwnedByOther)
	assert.Equal(t, []string{"error"}, sink.types())
	assert.Zero(t, gen.calls())

	n, err := buffer.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// an unknown chat is created by the flush
	fresh := userFrame("m2", "hello")
	fresh.ChatID = "c2"
	sink = &recordingSink{key: domain.ChatKey{UserID: "u1", ChatID: "c2"}}
	require.NoError(t, ingestor.HandleFrame(context.Background(), sink, mustJSON(fresh)))
	n, err = buffer.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
