package application

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultFlushInterval = 10 * time.Second

// Scheduler triggers a flush every interval until its context ends.
type Scheduler struct {
	flusher  *Flusher
	interval time.Duration
	log      zerolog.Logger
}

func NewScheduler(flusher *Flusher, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Scheduler{flusher: flusher, interval: interval, log: log}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.flusher.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("scheduled flush failed")
			}
		}
	}
}
