package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Store persists conversations and chat resources in SQLite, PostgreSQL
// or MySQL.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   ports.Clock
}

var (
	_ ports.ConversationStore   = (*Store)(nil)
	_ ports.ResourceStore       = (*Store)(nil)
	_ ports.ResourceStatusStore = (*Store)(nil)
)

func Open(ctx context.Context, driver, dsn string, clock ports.Clock) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}

	switch d.name {
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	case "mysql":
		if !strings.Contains(dsn, "clientFoundRows") {
			dsn = appendParam(dsn, "clientFoundRows=true")
		}
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	store, err := New(ctx, db, d.name, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and migrates it to the latest schema.
func New(ctx context.Context, db *sql.DB, driver string, clock ports.Clock) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s store: %w", d.name, err)
	}

	s := &Store{db: db, dialect: d, clock: clock}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("load %s migrations: %w", s.dialect.name, err)
	}

	provider, err := goose.NewProvider(s.dialect.goose, s.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Join(err, fmt.Errorf("rollback transaction: %w", rollbackErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) CreateChat(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(string(conv.ChatID)) == "" || strings.TrimSpace(string(conv.UserID)) == "" {
		return fmt.Errorf("create chat: user id and chat id are required")
	}
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.dialect.insertIgnore("conversations", "chat_id", "user_id", "name", "created_at"),
			string(conv.ChatID), string(conv.UserID), conv.Name, createdAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("create chat %s: %w", conv.ChatID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("create chat %s: %w", conv.ChatID, domain.ErrChatExists)
		}
		return insertMessages(ctx, tx, s.dialect, conv.ChatID, conv.Messages)
	})
}

func (s *Store) DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM conversations WHERE chat_id = ? AND user_id = ?`),
			string(chatID), string(userID),
		)
		if err != nil {
			return fmt.Errorf("delete chat %s: %w", chatID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("delete chat %s: %w", chatID, domain.ErrChatNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE chat_id = ?`), string(chatID)); err != nil {
			return fmt.Errorf("delete chat %s messages: %w", chatID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM resources WHERE chat_id = ?`), string(chatID)); err != nil {
			return fmt.Errorf("delete chat %s resources: %w", chatID, err)
		}
		return nil
	})
}

func (s *Store) ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT c.chat_id, c.name, c.created_at,
		       COALESCE((SELECT m.content FROM messages m WHERE m.chat_id = c.chat_id ORDER BY m.seq DESC LIMIT 1), '')
		FROM conversations c
		WHERE c.user_id = ?
		ORDER BY c.created_at DESC, c.chat_id`), string(userID))
	if err != nil {
		return nil, fmt.Errorf("list chat heads: %w", err)
	}
	defer rows.Close()

	var heads []domain.ChatHead
	for rows.Next() {
		var (
			head      domain.ChatHead
			chatID    string
			createdAt int64
		)
		if err := rows.Scan(&chatID, &head.Name, &createdAt, &head.Preview); err != nil {
			return nil, fmt.Errorf("scan chat head: %w", err)
		}
		head.ChatID = domain.ChatID(chatID)
		head.CreatedAt = time.UnixMilli(createdAt).UTC()
		heads = append(heads, head)
	}
	return heads, rows.Err()
}

func (s *Store) Messages(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error) {
	if err := s.checkOwner(ctx, s.db, userID, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT msg_id, role, content, ts FROM messages WHERE chat_id = ? ORDER BY seq`),
		string(chatID),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var msgID, role string
		msg := domain.ChatMessage{}
		if err := rows.Scan(&msgID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.MsgID = domain.MsgID(msgID)
		msg.Role = domain.Role(role)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AppendMessages creates the conversation when missing and appends msgs in
// one transaction. Replayed message ids are skipped by the unique key.
func (s *Store) AppendMessages(ctx context.Context, userID domain.UserID, chatID domain.ChatID, msgs []domain.ChatMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.dialect.insertIgnore("conversations", "chat_id", "user_id", "name", "created_at"),
			string(chatID), string(userID), "", s.clock.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("ensure chat %s: %w", chatID, err)
		}
		owner, err := s.owner(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if owner != userID {
			return fmt.Errorf("chat %s: %w", chatID, domain.ErrChatOwnedByOther)
		}
		return insertMessages(ctx, tx, s.dialect, chatID, msgs)
	})
}

// ChatOwner returns the user a chat belongs to, or ErrChatNotFound.
func (s *Store) ChatOwner(ctx context.Context, chatID domain.ChatID) (domain.UserID, error) {
	return s.owner(ctx, s.db, chatID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) owner(ctx context.Context, q queryer, chatID domain.ChatID) (domain.UserID, error) {
	var owner string
	err := q.QueryRowContext(ctx, s.q(`SELECT user_id FROM conversations WHERE chat_id = ?`), string(chatID)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("chat %s: %w", chatID, domain.ErrChatNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup chat %s: %w", chatID, err)
	}
	return domain.UserID(owner), nil
}

// checkOwner reports another user's chat as not found.
func (s *Store) checkOwner(ctx context.Context, q queryer, userID domain.UserID, chatID domain.ChatID) error {
	owner, err := s.owner(ctx, q, chatID)
	if err != nil {
		return err
	}
	if owner != userID {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrChatNotFound)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, d dialect, chatID domain.ChatID, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, d.insertIgnore("messages", "chat_id", "msg_id", "role", "content", "ts"))
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(chatID), string(msg.MsgID), string(msg.Role), msg.Content, msg.Timestamp); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.MsgID, err)
		}
	}
	return nil
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}
