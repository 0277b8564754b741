package bibliography

import (
	"strconv"
	"strings"
	"unicode"
)

// SuggestID derives a deterministic citation id for a source that arrived
// without one: first author family name plus year, then the first title word,
// then the upstream item key.
func SuggestID(s Source) string {
	base := ""
	if len(s.Author) > 0 {
		base = idFragment(s.Author[0].DisplayName())
	}
	if base == "" {
		for _, word := range strings.Fields(s.Title) {
			if base = idFragment(word); base != "" {
				break
			}
		}
	}
	if base == "" {
		base = idFragment(s.Key)
	}
	if base == "" {
		base = "item"
	}
	if year := s.Year(); year > 0 {
		base += strconv.Itoa(year)
	}
	return base
}

func idFragment(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
