package cmd

import (
	"fmt"

	"github.com/bnema/chatsync/internal/adapters/render/console"
	"github.com/spf13/cobra"
)

func newPendingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the pending write buffer",
	}

	cmd.AddCommand(newPendingListCmd(a))

	return cmd
}

func newPendingListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List buffered records grouped by chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			buffer, err := a.openBuffer()
			if err != nil {
				return err
			}
			defer func() { _ = buffer.Close() }()

			records, err := buffer.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("read pending buffer: %w", err)
			}

			output, err := console.RenderPending(records, a.renderOptions())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
			return err
		},
	}
}
