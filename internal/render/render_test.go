package render

import (
	"testing"

	"chatrelay/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRenderer struct {
	panicWith any
	err       error
	calls     int
}

func (s *scriptedRenderer) Render(content string) (string, error) {
	s.calls++
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.err != nil {
		return "", s.err
	}
	return "<" + content + ">", nil
}

func TestBoundaryRendersAndMarks(t *testing.T) {
	var marked []string
	b := NewBoundary(&scriptedRenderer{}, func(id string) { marked = append(marked, id) })

	res := b.Render(models.Message{ID: "m1", Content: "hi"})
	assert.False(t, res.Fallback)
	assert.Equal(t, "<hi>", res.Output)

	b.Render(models.Message{ID: "m2", Content: "again", Rendered: true})
	assert.Equal(t, []string{"m1"}, marked)
}

func TestBoundaryRecoversPanic(t *testing.T) {
	r := &scriptedRenderer{panicWith: "boom"}
	var marked int
	b := NewBoundary(r, func(string) { marked++ })

	res := b.Render(models.Message{ID: "m1", Content: "**raw**"})
	assert.True(t, res.Fallback)
	assert.Equal(t, "**raw**", res.Output)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "boom")
	assert.Zero(t, marked)

	// Other messages are unaffected by the failure.
	r.panicWith = nil
	assert.False(t, b.Render(models.Message{ID: "m2", Content: "ok"}).Fallback)
}

func TestBoundaryStaysFailedUntilRetry(t *testing.T) {
	r := &scriptedRenderer{err: errors.New("bad markdown")}
	b := NewBoundary(r, nil)
	msg := models.Message{ID: "m1", Content: "x"}

	assert.True(t, b.Render(msg).Fallback)
	r.err = nil
	assert.True(t, b.Render(msg).Fallback)
	assert.Equal(t, 1, r.calls, "failed message is not re-rendered")
	assert.EqualError(t, b.Failure("m1"), "bad markdown")

	assert.True(t, b.Retry("m1"))
	assert.False(t, b.Retry("m1"))
	res := b.Render(msg)
	assert.False(t, res.Fallback)
	assert.Equal(t, "<x>", res.Output)
}

func TestMarkdownRenderer(t *testing.T) {
	md, err := NewPlainMarkdown(80)
	require.NoError(t, err)
	out, err := md.Render("# Title\n\nSome *text*.")
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "text")

	out, err = Plain{}.Render("as is")
	require.NoError(t, err)
	assert.Equal(t, "as is", out)
}
