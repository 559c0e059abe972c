package cmd

import (
	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync: real-time chat synchronization server and client",
		Long:          "chatsync streams assistant replies over websockets, buffers every message durably before it reaches the database, and keeps chat memories and files in sync between clients and the server.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return wireApp(a, configPath, cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/chatsync/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newFlushCmd(a),
		newPendingCmd(a),
		newChatCmd(a),
		newResourceCmd(a, resourceMemoryCommand),
		newResourceCmd(a, resourceFileCommand),
	)

	return rootCmd
}
