package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	boltbuffer "github.com/bnema/chatsync/internal/adapters/buffer/bolt"
	"github.com/bnema/chatsync/internal/adapters/store/sqlstore"
	"github.com/bnema/chatsync/internal/adapters/transport/ws"
	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionPrintsBuildVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestChatCommandsRequireUserID(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_CLIENT_USER_ID", "")

	_, _, err := executeCLI(t, home, "chat", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id is required")
}

func TestChatCreateListAndHistory(t *testing.T) {
	home := t.TempDir()
	startTestServer(t, home)

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip", "plans")
	require.NoError(t, err)
	chatID := firstField(t, stdout)
	assert.Contains(t, stdout, "Trip plans")

	stdout, _, err = executeCLI(t, home, "chat", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "chats: 1")
	assert.Contains(t, stdout, "Trip plans ("+chatID+")")

	stdout, _, err = executeCLI(t, home, "chat", "history", chatID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Trip plans")
	assert.Contains(t, stdout, "No messages yet.")

	_, _, err = executeCLI(t, home, "chat", "delete", chatID)
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, home, "chat", "list", "--local")
	require.NoError(t, err)
	assert.Contains(t, stdout, "chats: 0")
}

func TestChatSendPrintsReplyAndKeepsHistory(t *testing.T) {
	home := t.TempDir()
	startTestServer(t, home)

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := firstField(t, stdout)

	stdout, stderr, err := executeCLI(t, home, "chat", "send", chatID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "You said: hi\n", stdout)
	assert.Contains(t, stderr, "Waiting for reply")

	stdout, _, err = executeCLI(t, home, "chat", "history", chatID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "messages: 2")
	assert.Contains(t, stdout, "You said: hi")
}

func TestChatSendRejectsUnknownMemory(t *testing.T) {
	home := t.TempDir()
	startTestServer(t, home)

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := firstField(t, stdout)

	_, _, err = executeCLI(t, home, "chat", "send", chatID, "hi", "--memory", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestMemoryAddListAndPersist(t *testing.T) {
	home := t.TempDir()
	startTestServer(t, home)

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := firstField(t, stdout)

	stdout, _, err = executeCLI(t, home, "memory", "add", chatID, "likes", "trains")
	require.NoError(t, err)
	memID := firstField(t, stdout)
	assert.Contains(t, stdout, "likes trains\tsuccess")

	stdout, _, err = executeCLI(t, home, "memory", "persist", chatID, memID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "persist=true")

	stdout, _, err = executeCLI(t, home, "memory", "list", chatID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "memory: 1")
	assert.Contains(t, stdout, "[success, persist]")

	_, _, err = executeCLI(t, home, "memory", "delete", chatID, memID)
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, home, "memory", "list", chatID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "No memory resources.")
}

func TestFileStatusCallbackUnlocksPersist(t *testing.T) {
	home := t.TempDir()
	startTestServer(t, home)

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := firstField(t, stdout)

	stdout, _, err = executeCLI(t, home, "file", "add", chatID, "plan.pdf")
	require.NoError(t, err)
	fileID := firstField(t, stdout)
	assert.Contains(t, stdout, "processing")

	_, _, err = executeCLI(t, home, "file", "persist", chatID, fileID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	stdout, _, err = executeCLI(t, home, "file", "status", chatID, fileID, "success")
	require.NoError(t, err)
	assert.Contains(t, stdout, fileID+"\tsuccess")

	stdout, _, err = executeCLI(t, home, "file", "persist", chatID, fileID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "persist=true")
}

func TestFileStatusRejectsUnknownStatus(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "file", "status", "c1", "f1", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported resource status")
}

func TestPendingListAndFlush(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_STORE_DSN", filepath.Join(home, "chats.db"))
	bufferPath := filepath.Join(home, "pending.db")
	t.Setenv("CHATSYNC_BUFFER_PATH", bufferPath)

	buffer, err := boltbuffer.Open(bufferPath)
	require.NoError(t, err)
	for _, id := range []domain.MsgID{"m1", "m1_ai_reply"} {
		_, err := buffer.Append(context.Background(), domain.PendingWriteRecord{
			UserID:     "u1",
			ChatID:     "c1",
			MsgID:      id,
			Role:       domain.RoleUser,
			Content:    "content of " + string(id),
			Timestamp:  time.Now().UnixMilli(),
			ReceivedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, buffer.Close())

	stdout, _, err := executeCLI(t, home, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "records: 2")
	assert.Contains(t, stdout, "u1/c1")
	assert.Contains(t, stdout, "2 pending")

	stdout, stderr, err := executeCLI(t, home, "flush")
	require.NoError(t, err)
	assert.Contains(t, stdout, "flushed 2 of 2 records in 1 groups")
	assert.Contains(t, stderr, "Flushing pending writes")

	stdout, _, err = executeCLI(t, home, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Buffer is empty.")

	store, err := sqlstore.Open(context.Background(), "sqlite", filepath.Join(home, "chats.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	msgs, err := store.Messages(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestServeDrainsBufferOnShutdown(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dsn := filepath.Join(home, "chats.db")
	t.Setenv("CHATSYNC_STORE_DSN", dsn)
	t.Setenv("CHATSYNC_BUFFER_PATH", filepath.Join(home, "pending.db"))
	t.Setenv("CHATSYNC_FLUSH_INTERVAL", "1h")
	t.Setenv("CHATSYNC_CLIENT_USER_ID", "u1")

	a := &app{}
	require.NoError(t, wireApp(a, "", io.Discard))
	stack, err := buildServerStack(context.Background(), a, false)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Setenv("CHATSYNC_CLIENT_SERVER_URL", "http://"+listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- stack.run(ctx, listener)
	}()

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := firstField(t, stdout)

	_, _, err = executeCLI(t, home, "chat", "send", chatID, "hi")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	stack.close()

	stdout, _, err = executeCLI(t, home, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Buffer is empty.")

	store, err := sqlstore.Open(context.Background(), "sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	msgs, err := store.Messages(context.Background(), "u1", domain.ChatID(chatID))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "You said: hi", msgs[1].Content)
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, ports.GenerateRequest, func(string) error) error {
	panic("generator blew up")
}

func TestServeDrainsAfterSessionPanic(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dsn := filepath.Join(home, "chats.db")
	t.Setenv("CHATSYNC_STORE_DSN", dsn)
	t.Setenv("CHATSYNC_BUFFER_PATH", filepath.Join(home, "pending.db"))
	t.Setenv("CHATSYNC_FLUSH_INTERVAL", "1h")
	t.Setenv("CHATSYNC_CLIENT_USER_ID", "u1")

	a := &app{}
	require.NoError(t, wireApp(a, "", io.Discard))
	a.generator = panickingGenerator{}
	stack, err := buildServerStack(context.Background(), a, false)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serverURL := "http://" + listener.Addr().String()
	t.Setenv("CHATSYNC_CLIENT_SERVER_URL", serverURL)

	done := make(chan error, 1)
	go func() {
		done <- stack.run(context.Background(), listener)
	}()

	stdout, _, err := executeCLI(t, home, "chat", "create", "Trip")
	require.NoError(t, err)
	chatID := domain.ChatID(firstField(t, stdout))

	dialer, err := ws.NewDialer(serverURL)
	require.NoError(t, err)
	conn, err := dialer.Dial(context.Background(), "u1", chatID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	frame, err := json.Marshal(domain.OutboundFrame{MsgID: "m1", ChatID: chatID, UserID: "u1", Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(context.Background(), frame))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ws.ErrHandlerPanic)
	case <-time.After(10 * time.Second):
		t.Fatal("serve kept running after the panic")
	}
	stack.close()

	stdout, _, err = executeCLI(t, home, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Buffer is empty.")

	store, err := sqlstore.Open(context.Background(), "sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	msgs, err := store.Messages(context.Background(), "u1", chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

// startTestServer runs the server stack with an in-memory buffer and points
// the client config at it.
func startTestServer(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("CHATSYNC_STORE_DSN", filepath.Join(home, "chats.db"))

	a := &app{}
	require.NoError(t, wireApp(a, "", io.Discard))
	stack, err := buildServerStack(context.Background(), a, true)
	require.NoError(t, err)

	srv := httptest.NewServer(stack.server.Handler())
	t.Cleanup(func() {
		_ = stack.hub.Close(context.Background())
		srv.Close()
		stack.close()
	})

	t.Setenv("CHATSYNC_CLIENT_SERVER_URL", srv.URL)
	t.Setenv("CHATSYNC_CLIENT_USER_ID", "u1")
}

func firstField(t *testing.T, line string) string {
	t.Helper()

	fields := strings.Fields(line)
	require.NotEmpty(t, fields, "empty output")
	return fields[0]
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
