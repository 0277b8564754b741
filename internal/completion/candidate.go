// Package completion merges citation completions from several providers into
// one ranked, deduplicated list that is painted immediately from loaded data
// and refreshed when providers finish reloading.
package completion

import (
	"context"
	"sort"
)

// Kind tells candidates from different providers apart. The same id may
// legitimately appear under two kinds.
type Kind string

const (
	KindBibliography Kind = "bibliography"
	KindCrossref     Kind = "xref"
)

// Editor applies a text replacement to the open document.
type Editor interface {
	Replace(ctx context.Context, from, to int, text string) error
}

// CommitFunc performs the document edit for a selected candidate. pos is the
// offset where the typed token starts.
type CommitFunc func(ctx context.Context, editor Editor, pos int, token string) error

// Candidate is one presentable completion. Candidates are built per query and
// never cached by the orchestrator.
type Candidate struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	PrimaryText   string `json:"primaryText"`
	SecondaryText string `json:"secondaryText,omitempty"`
	DetailText    string `json:"detailText,omitempty"`
	Image         string `json:"image,omitempty"`
	ProviderKey   string `json:"providerKey,omitempty"`

	commit CommitFunc
}

// WithCommit returns a copy of c that commits through fn.
func (c Candidate) WithCommit(fn CommitFunc) Candidate {
	c.commit = fn
	return c
}

// Commit replaces the typed token with the candidate. Candidates without a
// custom commit insert their id.
func (c Candidate) Commit(ctx context.Context, editor Editor, pos int, token string) error {
	if c.commit != nil {
		return c.commit(ctx, editor, pos, token)
	}
	return editor.Replace(ctx, pos, pos+len(token), c.ID)
}

type dedupeKey struct {
	id   string
	kind Kind
}

// Dedupe drops candidates whose (id, kind) was already seen, keeping the
// first occurrence.
func Dedupe(entries []Candidate) []Candidate {
	seen := make(map[dedupeKey]struct{}, len(entries))
	out := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		key := dedupeKey{id: entry.ID, kind: entry.Kind}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// Sort dedupes entries and orders them by id. The sort is stable so equal ids
// of different kinds keep provider order.
func Sort(entries []Candidate) []Candidate {
	out := Dedupe(entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func concat(groups [][]Candidate) []Candidate {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]Candidate, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
