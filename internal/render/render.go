// Package render turns stored message content into terminal output.
package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/pkg/errors"
)

// Renderer formats one message body.
type Renderer interface {
	Render(content string) (string, error)
}

// Markdown renders message bodies as styled terminal markdown.
type Markdown struct {
	tr *glamour.TermRenderer
}

// NewMarkdown builds a renderer wrapping at width. Style "auto" picks a
// style from the terminal background; any other value names a glamour style.
func NewMarkdown(style string, width int) (*Markdown, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	switch style {
	case "", "auto":
		opts = append(opts, glamour.WithAutoStyle())
	default:
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create markdown renderer")
	}
	return &Markdown{tr: tr}, nil
}

// NewPlainMarkdown renders without colors, for output that is not a terminal.
func NewPlainMarkdown(width int) (*Markdown, error) {
	return NewMarkdown(styles.NoTTYStyle, width)
}

func (m *Markdown) Render(content string) (string, error) {
	out, err := m.tr.Render(content)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return strings.Trim(out, "\n"), nil
}

// Plain prints content unchanged.
type Plain struct{}

func (Plain) Render(content string) (string, error) { return content, nil }
