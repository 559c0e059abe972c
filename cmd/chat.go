package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/adapters/render/console"
	"github.com/bnema/chatsync/internal/domain"
	"github.com/spf13/cobra"
)

const defaultReplyTimeout = 2 * time.Minute

func newChatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Create, list and talk to chats",
	}

	cmd.AddCommand(
		newChatCreateCmd(a),
		newChatListCmd(a),
		newChatDeleteCmd(a),
		newChatHistoryCmd(a),
		newChatSendCmd(a),
	)

	return cmd
}

func newChatCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := a.clientSide()
			if err != nil {
				return err
			}

			head, err := side.chats.CreateChat(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", head.ChatID, head.Name)
			return err
		},
	}
}

func newChatListCmd(a *app) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chats of the configured user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			side, err := a.clientSide()
			if err != nil {
				return err
			}

			var heads []domain.ChatHead
			if local {
				heads, err = side.directory.List(cmd.Context())
			} else {
				heads, err = side.chats.ListChats(cmd.Context())
			}
			if err != nil {
				return err
			}

			output, err := console.RenderChats(heads, a.renderOptions())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
			return err
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "List the chats known locally without asking the server")

	return cmd
}

func newChatDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat with its messages, memories and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := a.clientSide()
			if err != nil {
				return err
			}

			if err := side.chats.DeleteChat(cmd.Context(), domain.ChatID(args[0])); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}

func newChatHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Show the messages of a chat, including ones not yet flushed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := a.clientSide()
			if err != nil {
				return err
			}

			chatID := domain.ChatID(args[0])
			messages, err := side.api.History(cmd.Context(), side.chats.UserID(), chatID)
			if err != nil {
				return err
			}

			output, err := console.RenderHistory(side.head(cmd.Context(), chatID), messages, a.renderOptions())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
			return err
		},
	}
}

type sendOptions struct {
	memories []string
	files    []string
	timeout  time.Duration
}

func newChatSendCmd(a *app) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send <chat-id> <message>",
		Short: "Send a message and print the streamed reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatSend(cmd, a, domain.ChatID(args[0]), strings.Join(args[1:], " "), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.memories, "memory", nil, "Memory ids to send as context")
	cmd.Flags().StringSliceVar(&opts.files, "file", nil, "File ids to send as context")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultReplyTimeout, "How long to wait for the reply")

	return cmd
}

func runChatSend(cmd *cobra.Command, a *app, chatID domain.ChatID, text string, opts sendOptions) error {
	side, err := a.clientSide()
	if err != nil {
		return err
	}
	defer side.chats.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	if err := side.chats.Open(ctx, chatID); err != nil {
		return err
	}
	for _, id := range opts.memories {
		if err := side.chats.Memories(chatID).Select(domain.ResourceID(id)); err != nil {
			return fmt.Errorf("select memory: %w", err)
		}
	}
	for _, id := range opts.files {
		if err := side.chats.Files(chatID).Select(domain.ResourceID(id)); err != nil {
			return fmt.Errorf("select file: %w", err)
		}
	}

	var reply domain.ChatMessage
	err = console.RunTask(ctx, cmd.ErrOrStderr(), "Waiting for reply...", nil, func(ctx context.Context) error {
		var askErr error
		reply, askErr = side.chats.Ask(ctx, chatID, text)
		return askErr
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
	return err
}
