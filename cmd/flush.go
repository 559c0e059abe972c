package cmd

import (
	"context"
	"fmt"

	"github.com/bnema/chatsync/internal/adapters/render/console"
	"github.com/bnema/chatsync/internal/application"
	"github.com/bnema/chatsync/internal/logging"
	"github.com/spf13/cobra"
)

func newFlushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush buffered messages into the store",
		Long:  "Run one flush against the configured pending buffer and store. Use it when the server is stopped and records were left behind.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFlush(cmd, a)
		},
	}
}

func runFlush(cmd *cobra.Command, a *app) error {
	buffer, err := a.openBuffer()
	if err != nil {
		return err
	}
	defer func() { _ = buffer.Close() }()

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	flusher := application.NewFlusher(buffer, store, application.FlusherOptions{
		Concurrency: a.cfg.Flush.Concurrency,
		Logger:      logging.For(a.log, "flusher"),
	})

	var report application.FlushReport
	progress := console.NewProgress("group")
	err = console.RunTask(cmd.Context(), cmd.ErrOrStderr(), "Flushing pending writes...", progress, func(ctx context.Context) error {
		var flushErr error
		report, flushErr = flusher.FlushWithProgress(ctx, progress.Set)
		return flushErr
	})
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	output, err := console.RenderFlush(flushSummary(report))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), output); err != nil {
		return err
	}
	return report.Err()
}

func flushSummary(report application.FlushReport) console.FlushSummary {
	summary := console.FlushSummary{
		Records:       report.Records,
		Groups:        report.Groups,
		Flushed:       report.Flushed,
		FlushedGroups: report.FlushedGroups,
		Quarantined:   report.Quarantined,
		Elapsed:       report.Elapsed,
	}
	for _, failed := range report.Failed {
		summary.Failed = append(summary.Failed, console.FailedGroup{Chat: failed.Key.String(), Err: failed.Err.Error()})
	}
	return summary
}
