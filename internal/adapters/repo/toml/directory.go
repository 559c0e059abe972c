package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	chatsFileMode   = 0o600
	chatsDirMode    = 0o700
	tempFilePattern = ".chats-*.toml.tmp"
)

// Directory is the client's chats.toml: the chats this user has created or
// listed, so they can be named without a round trip to the server.
type Directory struct {
	path string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.ChatDirectory = (*Directory)(nil)

func NewDirectory(path string) (*Directory, error) {
	if path == "" {
		return nil, errors.New("chats path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve chats path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	return &Directory{path: absPath, mu: lockForPath(absPath)}, nil
}

func (d *Directory) Path() string {
	return d.path
}

func (d *Directory) Save(ctx context.Context, head domain.ChatHead) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := d.readSchema()
	if err != nil {
		return err
	}

	encoded := toSchema(head)
	updated := false
	for i := range file.Chats {
		if file.Chats[i].ID == encoded.ID {
			// a listing carries no creation time; keep the one we have
			if encoded.CreatedAt == "" {
				encoded.CreatedAt = file.Chats[i].CreatedAt
			}
			file.Chats[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Chats = append(file.Chats, encoded)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return d.writeSchema(file)
}

func (d *Directory) Remove(ctx context.Context, id domain.ChatID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := d.readSchema()
	if err != nil {
		return err
	}

	kept := file.Chats[:0]
	for _, entry := range file.Chats {
		if entry.ID != string(id) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(file.Chats) {
		return domain.ErrChatNotFound
	}
	file.Chats = kept

	return d.writeSchema(file)
}

func (d *Directory) GetByID(ctx context.Context, id domain.ChatID) (domain.ChatHead, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatHead{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	file, err := d.readSchema()
	if err != nil {
		return domain.ChatHead{}, err
	}

	for _, entry := range file.Chats {
		if entry.ID == string(id) {
			return fromSchema(entry), nil
		}
	}

	return domain.ChatHead{}, domain.ErrChatNotFound
}

func (d *Directory) List(ctx context.Context) ([]domain.ChatHead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	file, err := d.readSchema()
	if err != nil {
		return nil, err
	}

	heads := make([]domain.ChatHead, 0, len(file.Chats))
	for _, entry := range file.Chats {
		heads = append(heads, fromSchema(entry))
	}

	return heads, nil
}

func (d *Directory) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{Version: currentSchemaVersion}, nil
		}
		return fileSchema{}, fmt.Errorf("read chats file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode chats file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// writeSchema replaces the file through a temp file and a rename so a
// crash never leaves a half written directory.
func (d *Directory) writeSchema(file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(d.path), chatsDirMode); err != nil {
		return fmt.Errorf("create chats directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode chats file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(d.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp chats file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp chats file: %w", err)
	}
	if err := tempFile.Chmod(chatsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp chats file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp chats file: %w", err)
	}

	if err := os.Rename(tempName, d.path); err != nil {
		return fmt.Errorf("replace chats file: %w", err)
	}
	cleanup = false

	return nil
}

func toSchema(head domain.ChatHead) chatSchema {
	return chatSchema{
		ID:        string(head.ChatID),
		Name:      head.Name,
		Preview:   head.Preview,
		CreatedAt: formatTime(head.CreatedAt),
	}
}

func fromSchema(entry chatSchema) domain.ChatHead {
	return domain.ChatHead{
		ChatID:    domain.ChatID(entry.ID),
		Name:      entry.Name,
		Preview:   entry.Preview,
		CreatedAt: parseTime(entry.CreatedAt),
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(time.RFC3339)
}
