package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const (
	bufferFileMode = 0o600
	bufferDirMode  = 0o700
	openTimeout    = time.Second
)

var (
	pendingBucket    = []byte("pending_writes")
	quarantineBucket = []byte("quarantine")
)

const undecodableReason = "undecodable record"

// Buffer keeps pending writes in a bbolt file. Keys are the bucket sequence
// in big endian, so a cursor walk returns records in append order.
type Buffer struct {
	db  *bolt.DB
	log zerolog.Logger
}

type Option func(*Buffer)

func WithLogger(log zerolog.Logger) Option {
	return func(b *Buffer) { b.log = log }
}

var _ ports.PendingBuffer = (*Buffer)(nil)

type recordSchema struct {
	UserID     string `json:"userId"`
	ChatID     string `json:"chatId"`
	MsgID      string `json:"msgId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	ReceivedAt string `json:"receivedAt"`
}

// quarantineSchema keeps the original bytes, which may not decode.
type quarantineSchema struct {
	Reason        string `json:"reason"`
	QuarantinedAt string `json:"quarantinedAt"`
	Record        []byte `json:"record"`
}

func Open(path string, opts ...Option) (*Buffer, error) {
	if path == "" {
		return nil, errors.New("buffer path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), bufferDirMode); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}

	db, err := bolt.Open(path, bufferFileMode, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open buffer %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pendingBucket, quarantineBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buffer bucket: %w", err)
	}

	b := &Buffer{db: db, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Buffer) Append(ctx context.Context, rec domain.PendingWriteRecord) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("append pending record: %w", err)
	}

	value, err := json.Marshal(toSchema(rec))
	if err != nil {
		return 0, fmt.Errorf("encode pending record: %w", err)
	}

	var seq uint64
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		return bucket.Put(seqKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("append pending record: %w", err)
	}

	return seq, nil
}

func (b *Buffer) Snapshot(ctx context.Context) ([]domain.PendingWriteRecord, error) {
	return b.collect(ctx, func(domain.PendingWriteRecord) bool { return true })
}

func (b *Buffer) ForChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.PendingWriteRecord, error) {
	return b.collect(ctx, func(rec domain.PendingWriteRecord) bool {
		return rec.UserID == userID && rec.ChatID == chatID
	})
}

func (b *Buffer) collect(ctx context.Context, keep func(domain.PendingWriteRecord) bool) ([]domain.PendingWriteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		records []domain.PendingWriteRecord
		broken  []uint64
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			seq := binary.BigEndian.Uint64(k)
			var entry recordSchema
			if err := json.Unmarshal(v, &entry); err != nil {
				b.log.Error().Err(err).Uint64("seq", seq).Msg("undecodable pending record, moving it to quarantine")
				broken = append(broken, seq)
				return nil
			}
			rec := fromSchema(seq, entry)
			if keep(rec) {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}

	// a write transaction cannot be opened inside the read above
	if len(broken) > 0 {
		if err := b.Quarantine(ctx, broken, undecodableReason); err != nil {
			b.log.Warn().Err(err).Int("records", len(broken)).Msg("undecodable records stay in place")
		}
	}
	return records, nil
}

// Remove deletes seqs in one transaction. Unknown seqs are ignored.
func (b *Buffer) Remove(ctx context.Context, seqs []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		for _, seq := range seqs {
			if err := bucket.Delete(seqKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove pending records: %w", err)
	}
	return nil
}

// Quarantine moves seqs into the quarantine bucket in one transaction.
// Unknown seqs are ignored.
func (b *Buffer) Quarantine(ctx context.Context, seqs []uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	now := formatTime(time.Now())
	err := b.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		quarantine := tx.Bucket(quarantineBucket)
		for _, seq := range seqs {
			key := seqKey(seq)
			raw := pending.Get(key)
			if raw == nil {
				continue
			}
			value, err := json.Marshal(quarantineSchema{Reason: reason, QuarantinedAt: now, Record: raw})
			if err != nil {
				return err
			}
			if err := quarantine.Put(key, value); err != nil {
				return err
			}
			if err := pending.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("quarantine pending records: %w", err)
	}
	return nil
}

func (b *Buffer) Quarantined(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(quarantineBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count quarantined records: %w", err)
	}
	return n, nil
}

func (b *Buffer) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	return n, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func toSchema(rec domain.PendingWriteRecord) recordSchema {
	return recordSchema{
		UserID:     string(rec.UserID),
		ChatID:     string(rec.ChatID),
		MsgID:      string(rec.MsgID),
		Role:       string(rec.Role),
		Content:    rec.Content,
		Timestamp:  rec.Timestamp,
		ReceivedAt: formatTime(rec.ReceivedAt),
	}
}

func fromSchema(seq uint64, entry recordSchema) domain.PendingWriteRecord {
	return domain.PendingWriteRecord{
		Seq:        seq,
		UserID:     domain.UserID(entry.UserID),
		ChatID:     domain.ChatID(entry.ChatID),
		MsgID:      domain.MsgID(entry.MsgID),
		Role:       domain.Role(entry.Role),
		Content:    entry.Content,
		Timestamp:  entry.Timestamp,
		ReceivedAt: parseTime(entry.ReceivedAt),
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
