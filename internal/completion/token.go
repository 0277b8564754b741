package completion

import (
	"regexp"
	"strings"
)

var doiPattern = regexp.MustCompile(`(?i)\b10\.\d{4,9}/[-._;()/:a-z0-9<>\[\]]+`)

// HasDOI reports whether token contains a DOI.
func HasDOI(token string) bool {
	return doiPattern.MatchString(token)
}

const trailingPunctuation = ",!?.:"

// TrimTrailingPunctuation drops sentence punctuation typed after a key. A
// token made only of punctuation is returned unchanged.
func TrimTrailingPunctuation(token string) string {
	trimmed := strings.TrimRight(token, trailingPunctuation)
	if trimmed == "" {
		return token
	}
	return trimmed
}

// EditorState is the text around the cursor. Cursor is a byte offset.
type EditorState struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

// Context is an in-progress citation: the token typed after '@' and the byte
// offset where it starts.
type Context struct {
	Token string `json:"token"`
	Pos   int    `json:"pos"`
}

// ContextParser finds the citation being typed at the cursor.
type ContextParser interface {
	Parse(state EditorState) (Context, bool)
}

// AtParser recognizes pandoc citations: '@' at the start of text or after
// whitespace, '[', ';' or '-', followed by citation key characters.
type AtParser struct{}

func (AtParser) Parse(state EditorState) (Context, bool) {
	cursor := state.Cursor
	if cursor < 0 || cursor > len(state.Text) {
		return Context{}, false
	}
	i := cursor
	for i > 0 && isKeyChar(state.Text[i-1]) {
		i--
	}
	if i == 0 || state.Text[i-1] != '@' {
		return Context{}, false
	}
	at := i - 1
	if at > 0 {
		switch state.Text[at-1] {
		case ' ', '\t', '\n', '[', ';', '-':
		default:
			return Context{}, false
		}
	}
	return Context{Token: state.Text[i:cursor], Pos: i}, true
}

func isKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c >= 0x80:
		return true
	}
	return strings.IndexByte("_:.#$%&-+?<>~/()", c) >= 0
}
