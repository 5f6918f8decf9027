package chat

import "strings"

// Button is a single inline button.
type Button struct {
	Text string
	Data string
}

// NewButton builds a button whose payload is the encoded action.
func NewButton(text string, a Action) Button {
	return Button{Text: text, Data: a.Encode()}
}

// Keyboard is an inline keyboard as rows of buttons. A nil and an empty
// keyboard both mean "no buttons".
type Keyboard [][]Button

// Row is a convenience constructor for a keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}

// Equal reports whether two keyboards render the same buttons.
func (k Keyboard) Equal(other Keyboard) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if len(k[i]) != len(other[i]) {
			return false
		}
		for j := range k[i] {
			if k[i][j] != other[i][j] {
				return false
			}
		}
	}
	return true
}

// Empty reports whether the keyboard has no rows.
func (k Keyboard) Empty() bool {
	return len(k) == 0
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// EscapeMarkdown escapes text for Telegram's legacy Markdown parse mode.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
