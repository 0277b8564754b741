package search

import (
	"sort"
	"strconv"
	"strings"

	"citekit/api/internal/bibliography"
)

// Match ranks.
const (
	rankIDPrefix = iota
	rankIDContains
	rankAuthor
	rankOther
)

// MatchSources returns the page of sources matching text and the total number
// of matches. Every whitespace-separated word must appear in the id, title,
// an author name, the year or the container title. Sources whose id starts
// with the text rank first, then id matches, then author matches. An empty
// text matches everything in input order.
func MatchSources(sources []bibliography.Source, text string, limit, offset int) ([]bibliography.Source, int) {
	words := strings.Fields(strings.ToLower(text))
	full := strings.ToLower(strings.TrimSpace(text))

	type hit struct {
		source bibliography.Source
		rank   int
	}
	hits := make([]hit, 0, len(sources))
	for _, s := range sources {
		if rank, ok := matchSource(s, words, full); ok {
			hits = append(hits, hit{source: s, rank: rank})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].rank < hits[j].rank
	})

	total := len(hits)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []bibliography.Source{}, total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]bibliography.Source, 0, end-offset)
	for _, h := range hits[offset:end] {
		page = append(page, h.source)
	}
	return page, total
}

func matchSource(s bibliography.Source, words []string, full string) (int, bool) {
	if len(words) == 0 {
		return rankOther, true
	}
	id := strings.ToLower(s.ID)
	title := strings.ToLower(s.Title)
	container := strings.ToLower(s.ContainerTitle)
	year := ""
	if y := s.Year(); y > 0 {
		year = strconv.Itoa(y)
	}
	authors := make([]string, 0, len(s.Author))
	for _, a := range s.Author {
		authors = append(authors, strings.ToLower(a.Family+" "+a.Given+" "+a.Literal))
	}

	authorHit := false
	for _, w := range words {
		inAuthor := false
		for _, a := range authors {
			if strings.Contains(a, w) {
				inAuthor = true
				break
			}
		}
		authorHit = authorHit || inAuthor
		if inAuthor || strings.Contains(id, w) || strings.Contains(title, w) ||
			strings.Contains(container, w) || (year != "" && strings.Contains(year, w)) {
			continue
		}
		return 0, false
	}

	switch {
	case strings.HasPrefix(id, full):
		return rankIDPrefix, true
	case strings.Contains(id, full):
		return rankIDContains, true
	case authorHit:
		return rankAuthor, true
	default:
		return rankOther, true
	}
}

// Memory searches a session's loaded sources without any index.
type Memory struct {
	sources func(sessionID, collection string) []bibliography.Source
}

// NewMemory creates an in-memory searcher over the sources returned by fn.
func NewMemory(fn func(sessionID, collection string) []bibliography.Source) *Memory {
	return &Memory{sources: fn}
}

// Healthy is always true.
func (m *Memory) Healthy() bool {
	return true
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	page, total := MatchSources(uniqueSources(m.sources(q.SessionID, q.Collection)), q.Text, limit, q.Offset)
	results := make([]Result, 0, len(page))
	for _, s := range page {
		results = append(results, resultFromSource(s))
	}
	return results, total, nil
}

// uniqueSources drops repeats of a source listed under several collections.
func uniqueSources(sources []bibliography.Source) []bibliography.Source {
	seen := make(map[string]struct{}, len(sources))
	out := make([]bibliography.Source, 0, len(sources))
	for _, s := range sources {
		key := s.ID + "\x00" + s.Key
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
