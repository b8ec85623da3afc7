package chatstore

import (
	"strings"
	"unicode/utf8"
)

// MaxTitleRunes caps derived chat titles.
const MaxTitleRunes = 50

// DeriveTitle normalizes text into a chat title: surrounding space trimmed,
// inner whitespace runs collapsed, cut at MaxTitleRunes with an ellipsis.
func DeriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimRight(string(runes[:MaxTitleRunes]), " ") + "..."
}
