package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const DefaultFlushConcurrency = 4

type FlushReport struct {
	Groups        int
	Records       int
	FlushedGroups int
	Flushed       int
	Failed        []GroupFailure
	Elapsed       time.Duration
	// Quarantined counts records the store refused for good.
	Quarantined int
}

type GroupFailure struct {
	Key domain.ChatKey
	Err error
}

func (r FlushReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("flush %s: %w", f.Key, f.Err))
	}
	return errors.Join(errs...)
}

type FlusherOptions struct {
	Concurrency int
	Logger      zerolog.Logger
	Metrics     FlushMetrics
	Clock       ports.Clock
}

// Flusher moves buffered records into the primary store, one atomic append
// per (user, chat) group. A group's records leave the buffer only after the
// store acknowledged the group.
type Flusher struct {
	buffer      ports.PendingBuffer
	store       ports.ConversationStore
	concurrency int
	log         zerolog.Logger
	metrics     FlushMetrics
	clock       ports.Clock

	mu sync.Mutex
}

type flushGroup struct {
	key     domain.ChatKey
	records []domain.PendingWriteRecord
}

func NewFlusher(buffer ports.PendingBuffer, store ports.ConversationStore, opts FlusherOptions) *Flusher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultFlushConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	return &Flusher{
		buffer:      buffer,
		store:       store,
		concurrency: opts.Concurrency,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
	}
}

// Flush runs one pass over the buffer. Flushes never overlap; a second
// caller waits for the running pass and then starts its own. The returned
// error covers the snapshot only, group failures are in the report.
func (f *Flusher) Flush(ctx context.Context) (FlushReport, error) {
	return f.FlushWithProgress(ctx, nil)
}

// FlushWithProgress is Flush calling onGroup with the number of settled
// groups out of the total, once before the first group and after each one.
func (f *Flusher) FlushWithProgress(ctx context.Context, onGroup func(done, total int)) (FlushReport, error) {
	if onGroup == nil {
		onGroup = func(int, int) {}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.clock.Now()
	records, err := f.buffer.Snapshot(ctx)
	if err != nil {
		return FlushReport{}, fmt.Errorf("snapshot pending buffer: %w", err)
	}

	report := FlushReport{Records: len(records)}
	if len(records) == 0 {
		f.metrics.SetBufferDepth(0)
		return report, nil
	}

	groups := groupRecords(records)
	report.Groups = len(groups)
	settled := 0
	onGroup(settled, len(groups))

	var resultsMu sync.Mutex
	p := pool.New().WithMaxGoroutines(f.concurrency)
	for _, group := range groups {
		group := group
		p.Go(func() {
			err := f.flushGroup(ctx, group)

			resultsMu.Lock()
			defer resultsMu.Unlock()
			settled++
			onGroup(settled, len(groups))
			if errors.Is(err, errGroupQuarantined) {
				report.Quarantined += len(group.records)
				return
			}
			if err != nil {
				report.Failed = append(report.Failed, GroupFailure{Key: group.key, Err: err})
				f.log.Warn().Err(err).Str("chat", group.key.String()).Int("records", len(group.records)).Msg("group flush failed, keeping records")
				return
			}
			report.FlushedGroups++
			report.Flushed += len(group.records)
		})
	}
	p.Wait()

	report.Elapsed = f.clock.Now().Sub(start)
	f.metrics.FlushCompleted(report.Groups, report.Flushed, len(report.Failed), report.Elapsed)
	if depth, err := f.buffer.Len(ctx); err == nil {
		f.metrics.SetBufferDepth(depth)
	}

	f.log.Info().
		Int("groups", report.Groups).
		Int("flushed", report.Flushed).
		Int("failed_groups", len(report.Failed)).
		Int("quarantined", report.Quarantined).
		Dur("elapsed", report.Elapsed).
		Msg("flush finished")
	return report, nil
}

func (f *Flusher) flushGroup(ctx context.Context, group flushGroup) error {
	msgs := make([]domain.ChatMessage, 0, len(group.records))
	seqs := make([]uint64, 0, len(group.records))
	for _, rec := range group.records {
		msgs = append(msgs, rec.Message())
		seqs = append(seqs, rec.Seq)
	}

	if err := f.store.AppendMessages(ctx, group.key.UserID, group.key.ChatID, msgs); err != nil {
		if errors.Is(err, domain.ErrChatOwnedByOther) {
			return f.quarantine(ctx, group, seqs, err)
		}
		return fmt.Errorf("append messages: %w", err)
	}
	// A crash here leaves the group buffered; the next flush replays it and
	// the store skips the message ids it already has.
	if err := f.buffer.Remove(ctx, seqs); err != nil {
		return fmt.Errorf("remove flushed records: %w", err)
	}
	return nil
}

var errGroupQuarantined = errors.New("group quarantined")

// quarantine takes a group the store will never accept out of the buffer,
// so it does not fail every later flush.
func (f *Flusher) quarantine(ctx context.Context, group flushGroup, seqs []uint64, cause error) error {
	if err := f.buffer.Quarantine(ctx, seqs, cause.Error()); err != nil {
		return fmt.Errorf("quarantine refused group: %w", errors.Join(cause, err))
	}
	f.log.Error().Err(cause).Str("chat", group.key.String()).Int("records", len(group.records)).Msg("store refused group, records quarantined")
	return errGroupQuarantined
}

// groupRecords groups records by chat, keeping buffer order inside each
// group and ordering groups by their first record.
func groupRecords(records []domain.PendingWriteRecord) []flushGroup {
	index := map[domain.ChatKey]int{}
	var groups []flushGroup
	for _, rec := range records {
		key := rec.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, flushGroup{key: key})
		}
		groups[i].records = append(groups[i].records, rec)
	}
	return groups
}

// Exclusive runs fn while no flush is in progress.
func (f *Flusher) Exclusive(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn()
}
