package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
)

var errClosed = errors.New("buffer is closed")

// Buffer is a process-local PendingBuffer. Nothing survives a restart; it
// backs tests and `serve --ephemeral`.
type Buffer struct {
	mu          sync.Mutex
	seq         uint64
	records     []domain.PendingWriteRecord
	quarantined []quarantined
	closed      bool
}

type quarantined struct {
	record domain.PendingWriteRecord
	reason string
}

var _ ports.PendingBuffer = (*Buffer)(nil)

func New() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(ctx context.Context, rec domain.PendingWriteRecord) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("append pending record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errClosed
	}

	b.seq++
	rec.Seq = b.seq
	b.records = append(b.records, rec)
	return rec.Seq, nil
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

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	var out []domain.PendingWriteRecord
	for _, rec := range b.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *Buffer) Remove(ctx context.Context, seqs []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	drop := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		drop[seq] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	kept := b.records[:0]
	for _, rec := range b.records {
		if _, ok := drop[rec.Seq]; !ok {
			kept = append(kept, rec)
		}
	}
	b.records = kept
	return nil
}

func (b *Buffer) Quarantine(ctx context.Context, seqs []uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	move := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		move[seq] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	kept := b.records[:0]
	for _, rec := range b.records {
		if _, ok := move[rec.Seq]; ok {
			b.quarantined = append(b.quarantined, quarantined{record: rec, reason: reason})
			continue
		}
		kept = append(kept, rec)
	}
	b.records = kept
	return nil
}

func (b *Buffer) Quarantined(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quarantined), nil
}

func (b *Buffer) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), nil
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
