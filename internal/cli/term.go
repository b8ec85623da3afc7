package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"chatrelay/internal/chatstore"
	"chatrelay/internal/models"
	"chatrelay/internal/render"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var (
	userColor  = color.New(color.Bold)
	aiColor    = color.New(color.FgCyan)
	titleColor = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
	dimColor   = color.New(color.Faint)
)

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newRenderer picks markdown output only for a terminal.
func newRenderer(ctx context.Context, markdown bool, width int) render.Renderer {
	if !markdown || !stdoutIsTerminal() {
		return render.Plain{}
	}
	md, err := render.NewMarkdown("auto", width)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("markdown disabled")
		return render.Plain{}
	}
	return md
}

// newBoundary renders through r and records each shown message as rendered.
func newBoundary(ctx context.Context, store *chatstore.Store, chatID func() string, r render.Renderer) *render.Boundary {
	return render.NewBoundary(r, func(messageID string) {
		store.MarkMessageAsRendered(ctx, chatID(), messageID)
	})
}

func rolePrefix(role models.Role) string {
	switch role {
	case models.RoleUser:
		return userColor.Sprint("you> ")
	case models.RoleAssistant:
		return aiColor.Sprint("assistant> ")
	default:
		return dimColor.Sprintf("%s> ", role)
	}
}

func printChatHeader(w io.Writer, chat *models.Chat) {
	titleColor.Fprintln(w, chat.Title)
	dimColor.Fprintf(w, "%s  updated %s\n\n", chat.ID, chat.UpdatedAt.Local().Format("2006-01-02 15:04"))
}

func printHistory(w io.Writer, chat *models.Chat, b *render.Boundary) {
	for _, m := range chat.Messages {
		res := b.Render(m)
		fmt.Fprint(w, rolePrefix(m.Role))
		fmt.Fprintln(w, res.Output)
		if res.Fallback {
			warnColor.Fprintf(w, "  (shown raw: %v; /rerender %s to try again)\n", res.Err, m.ID)
		}
	}
}
