package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"chatrelay/internal/chatstore"
	"chatrelay/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newChatsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage locally stored chats",
	}
	cmd.AddCommand(
		newChatsListCommand(a),
		newChatsShowCommand(a),
		newChatsNewCommand(a),
		newChatsRenameCommand(a),
		newChatsDeleteCommand(a),
	)
	return cmd
}

// withStore runs fn against an opened store and closes it afterwards.
func (a *app) withStore(cmd *cobra.Command, fn func(*chatstore.Store) error) error {
	store, closeStore, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func printChatList(w io.Writer, list []models.ChatListItem, current string) {
	if len(list) == 0 {
		dimColor.Fprintln(w, "no chats yet")
		return
	}
	for _, item := range list {
		marker := "  "
		if item.ID == current {
			marker = "* "
		}
		fmt.Fprintf(w, "%s%s  %s  %s\n", marker,
			dimColor.Sprint(item.ID),
			item.UpdatedAt.Local().Format("2006-01-02 15:04"),
			item.Title)
	}
}

func newChatsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(store *chatstore.Store) error {
				printChatList(os.Stdout, store.List(), store.CurrentChat())
				return nil
			})
		},
	}
}

func newChatsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withStore(cmd, func(store *chatstore.Store) error {
				chat, ok, err := store.LoadChat(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Wrap(chatstore.ErrChatNotFound, args[0])
				}
				r := newRenderer(ctx, a.cfg.Client.Markdown, a.cfg.Client.WordWrap)
				b := newBoundary(ctx, store, func() string { return chat.ID }, r)
				printChatHeader(os.Stdout, chat)
				printHistory(os.Stdout, chat, b)
				return nil
			})
		},
	}
}

func newChatsNewCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create an empty chat and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(store *chatstore.Store) error {
				id, err := store.CreateChat(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func newChatsRenameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Change a chat's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *chatstore.Store) error {
				return store.UpdateChatTitle(cmd.Context(), args[0], strings.Join(args[1:], " "))
			})
		},
	}
}

func newChatsDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete chats",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *chatstore.Store) error {
				for _, id := range args {
					if _, err := store.DeleteChat(cmd.Context(), id); err != nil {
						return errors.Wrapf(err, "delete %s", id)
					}
					dimColor.Printf("deleted %s\n", id)
				}
				return nil
			})
		},
	}
}
