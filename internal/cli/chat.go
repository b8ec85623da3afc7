package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"chatrelay/internal/chatstore"
	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/render"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const historyFileName = ".chatrelay_history"

func newChatCommand(a *app) *cobra.Command {
	var (
		chatID string
		newOne bool
		url    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively through the relay",
		Long: "Chat interactively through the relay. Ctrl-C stops the reply " +
			"being streamed; Ctrl-D or /quit leaves.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			id, err := pickChat(ctx, store, chatID, newOne)
			if err != nil {
				return err
			}
			if url == "" {
				url = a.cfg.Client.RelayURL
			}
			s := newSession(ctx, store, id, url, newRenderer(ctx, a.cfg.Client.Markdown, a.cfg.Client.WordWrap), os.Stdout)
			return s.run()
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id to continue")
	cmd.Flags().BoolVar(&newOne, "new", false, "start a new chat")
	cmd.Flags().StringVar(&url, "url", "", "relay chat endpoint (overrides config)")
	return cmd
}

// pickChat resolves the chat to open: an explicit id, a new chat, or the
// newest one.
func pickChat(ctx context.Context, store *chatstore.Store, id string, newOne bool) (string, error) {
	switch {
	case newOne:
	case id != "":
		if _, ok, err := store.LoadChat(ctx, id); err != nil {
			return "", err
		} else if !ok {
			return "", errors.Wrap(chatstore.ErrChatNotFound, id)
		}
		store.SetCurrentChat(id)
		return id, nil
	default:
		if current := store.CurrentChat(); current != "" {
			return current, nil
		}
		if list := store.List(); len(list) > 0 {
			store.SetCurrentChat(list[0].ID)
			return list[0].ID, nil
		}
	}
	return store.CreateChat(ctx)
}

type session struct {
	ctx      context.Context
	store    *chatstore.Store
	orch     *orchestrator.Orchestrator
	boundary *render.Boundary
	out      io.Writer

	chatID  string
	printed map[string]int
}

func newSession(ctx context.Context, store *chatstore.Store, chatID, url string, r render.Renderer, out io.Writer) *session {
	s := &session{
		ctx:     ctx,
		store:   store,
		out:     out,
		chatID:  chatID,
		printed: make(map[string]int),
	}
	s.boundary = newBoundary(ctx, store, func() string { return s.chatID }, r)
	s.orch = orchestrator.New(store, orchestrator.Options{
		Endpoint: url,
		OnUpdate: s.onUpdate,
	})
	return s
}

// onUpdate prints the part of the streaming reply not shown yet.
func (s *session) onUpdate(chat *models.Chat) {
	if chat.ID != s.chatID {
		return
	}
	last := chat.LastMessage()
	if last == nil || last.Role != models.RoleAssistant {
		return
	}
	n, seen := s.printed[last.ID]
	if !seen {
		fmt.Fprint(s.out, rolePrefix(models.RoleAssistant))
	}
	if len(last.Content) > n {
		fmt.Fprint(s.out, last.Content[n:])
	}
	s.printed[last.ID] = len(last.Content)
}

func (s *session) run() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := historyFile()
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	// While a reply streams the terminal is in cooked mode, so Ctrl-C
	// arrives as a signal and stops the turn.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			s.orch.Stop()
		}
	}()

	if err := s.showCurrent(); err != nil {
		return err
	}
	dimColor.Fprintln(s.out, "Type /help for commands.")

	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return errors.Wrap(err, "read input")
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := s.command(input)
			if err != nil {
				errColor.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		s.send(input)
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), historyFileName)
	}
	return filepath.Join(home, historyFileName)
}

func (s *session) send(input string) {
	s.report(s.orch.Send(s.ctx, s.chatID, input))
}

// retry posts the chat again after a turn that got no reply.
func (s *session) retry() error {
	outcome, err := s.orch.Resend(s.ctx, s.chatID)
	if errors.Is(err, orchestrator.ErrNothingToResend) {
		return err
	}
	s.report(outcome, err)
	return nil
}

func (s *session) report(outcome orchestrator.Outcome, err error) {
	if outcome != orchestrator.OutcomeFailedBeforeResponse {
		fmt.Fprintln(s.out)
		s.markLastRendered()
	}

	switch outcome {
	case orchestrator.OutcomeCompleted:
	case orchestrator.OutcomeCanceled:
		dimColor.Fprintln(s.out, "[stopped]")
	case orchestrator.OutcomeFailedMidStream:
		warnColor.Fprintf(s.out, "response interrupted: %v\n", err)
	case orchestrator.OutcomeFailedBeforeResponse:
		switch {
		case errors.Is(err, orchestrator.ErrEmptyInput), errors.Is(err, orchestrator.ErrTurnInFlight):
			warnColor.Fprintln(s.out, err)
		default:
			errColor.Fprintf(s.out, "request failed: %v\n", err)
			dimColor.Fprintln(s.out, "Type /retry to send it again.")
		}
	}
}

func (s *session) markLastRendered() {
	chat, ok, err := s.store.LoadChat(s.ctx, s.chatID)
	if err != nil || !ok {
		return
	}
	if last := chat.LastMessage(); last != nil && last.Role == models.RoleAssistant && !last.Rendered {
		s.store.MarkMessageAsRendered(s.ctx, s.chatID, last.ID)
	}
}

func (s *session) showCurrent() error {
	chat, ok, err := s.store.LoadChat(s.ctx, s.chatID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(chatstore.ErrChatNotFound, s.chatID)
	}
	printChatHeader(s.out, chat)
	printHistory(s.out, chat, s.boundary)
	return nil
}

const chatHelp = `/new               start a new chat
/list              list chats
/switch <id>       open another chat
/title <text>      rename this chat
/delete            delete this chat
/history           show this chat again
/rerender <msgId>  retry rendering a message shown raw
/retry             resend a message that got no reply
/quit              leave`

// command runs a slash command and reports whether the session should end.
func (s *session) command(input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/new":
		id, err := s.store.CreateChat(s.ctx)
		if err != nil {
			return false, err
		}
		s.chatID = id
		return false, s.showCurrent()
	case "/list":
		printChatList(s.out, s.store.List(), s.chatID)
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <id>")
		}
		if _, ok, err := s.store.LoadChat(s.ctx, arg); err != nil {
			return false, err
		} else if !ok {
			return false, errors.Wrap(chatstore.ErrChatNotFound, arg)
		}
		s.store.SetCurrentChat(arg)
		s.chatID = arg
		return false, s.showCurrent()
	case "/title":
		return false, s.store.UpdateChatTitle(s.ctx, s.chatID, arg)
	case "/delete":
		if _, err := s.store.DeleteChat(s.ctx, s.chatID); err != nil {
			return false, err
		}
		dimColor.Fprintf(s.out, "deleted %s\n", s.chatID)
		id, err := pickChat(s.ctx, s.store, "", false)
		if err != nil {
			return false, err
		}
		s.chatID = id
		return false, s.showCurrent()
	case "/history":
		return false, s.showCurrent()
	case "/rerender":
		if !s.boundary.Retry(arg) {
			return false, errors.Errorf("message %q has no render failure", arg)
		}
		return false, s.showCurrent()
	case "/retry":
		return false, s.retry()
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}
