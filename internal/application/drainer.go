package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const DefaultDrainTimeout = 15 * time.Second

// Stopper is something that must stop accepting work before the final
// flush, such as the HTTP listener or the websocket hub.
type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (f StopFunc) Stop(ctx context.Context) error { return f(ctx) }

// Drainer runs the shutdown sequence: stop the inputs, then flush whatever
// is still buffered within the drain timeout. Records left behind stay in
// the buffer for the next start.
type Drainer struct {
	flusher *Flusher
	timeout time.Duration
	log     zerolog.Logger
}

func NewDrainer(flusher *Flusher, timeout time.Duration, log zerolog.Logger) *Drainer {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	return &Drainer{flusher: flusher, timeout: timeout, log: log}
}

func (d *Drainer) Drain(reason string, inputs ...Stopper) (FlushReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.log.Info().Str("reason", reason).Dur("timeout", d.timeout).Msg("draining pending writes")

	var stopErrs []error
	for _, input := range inputs {
		if err := input.Stop(ctx); err != nil {
			stopErrs = append(stopErrs, err)
			d.log.Warn().Err(err).Msg("input did not stop cleanly")
		}
	}

	report, err := d.flusher.Flush(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("drain flush failed, records stay buffered")
		return report, errors.Join(append(stopErrs, fmt.Errorf("drain: %w", err))...)
	}
	if flushErr := report.Err(); flushErr != nil {
		d.log.Error().Err(flushErr).Int("failed_groups", len(report.Failed)).Msg("drain left groups buffered")
		return report, errors.Join(append(stopErrs, flushErr)...)
	}

	d.log.Info().Int("flushed", report.Flushed).Msg("drain complete")
	return report, errors.Join(stopErrs...)
}
