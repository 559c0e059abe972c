package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/chatsync/internal/adapters/render/console"
	"github.com/bnema/chatsync/internal/application"
	"github.com/bnema/chatsync/internal/domain"
	"github.com/spf13/cobra"
)

type resourceCommand struct {
	use   string
	kind  domain.ResourceKind
	short string
	// payload names the positional argument of add.
	payload string
}

var (
	resourceMemoryCommand = resourceCommand{
		use:     "memory",
		kind:    domain.ResourceMemory,
		short:   "Manage the memories of a chat",
		payload: "content",
	}
	resourceFileCommand = resourceCommand{
		use:     "file",
		kind:    domain.ResourceFile,
		short:   "Manage the files of a chat",
		payload: "name",
	}
)

func newResourceCmd(a *app, rc resourceCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   rc.use,
		Short: rc.short,
	}

	cmd.AddCommand(
		newResourceAddCmd(a, rc),
		newResourceListCmd(a, rc),
		newResourceDeleteCmd(a, rc),
		newResourcePersistCmd(a, rc),
	)
	if rc.kind == domain.ResourceFile {
		cmd.AddCommand(newFileStatusCmd(a))
	}

	return cmd
}

// loadState fetches the chat's resources of rc.kind so guards and
// rollbacks work against the server's view.
func loadState(cmd *cobra.Command, a *app, rc resourceCommand, chatID domain.ChatID) (*application.ResourceState, error) {
	side, err := a.clientSide()
	if err != nil {
		return nil, err
	}

	state := side.chats.Resources().For(chatID, rc.kind)
	if err := state.Load(cmd.Context()); err != nil {
		return nil, err
	}
	return state, nil
}

func newResourceAddCmd(a *app, rc resourceCommand) *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("add <chat-id> <%s>", rc.payload),
		Short: fmt.Sprintf("Add a %s to a chat", rc.kind),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := a.clientSide()
			if err != nil {
				return err
			}

			res := domain.Resource{Persist: persist}
			payload := strings.Join(args[1:], " ")
			if rc.kind == domain.ResourceMemory {
				res.Content = payload
			} else {
				res.Name = payload
			}

			created, err := side.chats.Resources().For(domain.ChatID(args[0]), rc.kind).Add(cmd.Context(), res)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", created.ID, created.Label(), created.Status)
			return err
		},
	}

	cmd.Flags().BoolVar(&persist, "persist", false, fmt.Sprintf("Send the %s with every message", rc.kind))

	return cmd
}

func newResourceListCmd(a *app, rc resourceCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "list <chat-id>",
		Short: fmt.Sprintf("List the %s resources of a chat", rc.kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(cmd, a, rc, domain.ChatID(args[0]))
			if err != nil {
				return err
			}

			output, err := console.RenderResources(rc.kind, state.List(), nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
			return err
		},
	}
}

func newResourceDeleteCmd(a *app, rc resourceCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id> <id>",
		Short: fmt.Sprintf("Delete a %s", rc.kind),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(cmd, a, rc, domain.ChatID(args[0]))
			if err != nil {
				return err
			}

			if err := resultErr(state.Delete(cmd.Context(), domain.ResourceID(args[1]))); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
			return err
		},
	}
}

func newResourcePersistCmd(a *app, rc resourceCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "persist <chat-id> <id>",
		Short: fmt.Sprintf("Toggle whether a %s is sent with every message", rc.kind),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(cmd, a, rc, domain.ChatID(args[0]))
			if err != nil {
				return err
			}

			id := domain.ResourceID(args[1])
			if err := resultErr(state.TogglePersist(cmd.Context(), id)); err != nil {
				return err
			}

			res, _ := state.Get(id)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\tpersist=%t\n", id, res.Persist)
			return err
		},
	}
}

func newFileStatusCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "status <chat-id> <file-id> <processing|success|failed>",
		Short: "Report the processing status of a file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseResourceStatus(args[2])
			if err != nil {
				return err
			}

			side, err := a.clientSide()
			if err != nil {
				return err
			}

			res, err := side.api.SetFileStatus(cmd.Context(), side.chats.UserID(), domain.ChatID(args[0]), domain.ResourceID(args[1]), status, reason)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.ID, res.Status)
			return err
		},
	}

	cmd.Flags().StringVar(&reason, "error", "", "Failure reason for a failed file")

	return cmd
}

func resultErr(r domain.Result) error {
	if r.Success {
		return nil
	}
	if err := r.Err(); err != nil {
		return err
	}
	return errors.New(r.Error)
}
