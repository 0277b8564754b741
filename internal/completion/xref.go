package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"citekit/api/internal/xref"
)

// XrefIndex looks up a document's cross-reference targets.
type XrefIndex interface {
	Xrefs(ctx context.Context, documentID string) ([]xref.Xref, error)
}

// XrefProvider completes cross-reference keys such as @fig-plot.
type XrefProvider struct {
	index  XrefIndex
	logger *zap.Logger

	mu      sync.RWMutex
	entries []xref.Xref
	loaded  bool
}

// NewXrefProvider creates a provider over index.
func NewXrefProvider(index XrefIndex, logger *zap.Logger) *XrefProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &XrefProvider{index: index, logger: logger}
}

func (x *XrefProvider) ExactMatch(token string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.entries {
		if e.Key() == token {
			return true
		}
	}
	return false
}

// Search matches token against keys first, then titles.
func (x *XrefProvider) Search(token string, max int) ([]Candidate, error) {
	if !utf8.ValidString(token) {
		return nil, ErrMalformedQuery
	}
	needle := strings.ToLower(token)

	x.mu.RLock()
	defer x.mu.RUnlock()
	var byKey, byTitle []xref.Xref
	for _, e := range x.entries {
		switch {
		case strings.Contains(strings.ToLower(e.Key()), needle):
			byKey = append(byKey, e)
		case strings.Contains(strings.ToLower(e.Title), needle):
			byTitle = append(byTitle, e)
		}
	}
	matches := append(byKey, byTitle...)
	if max > 0 && len(matches) > max {
		matches = matches[:max]
	}
	return xrefCandidates(matches), nil
}

func (x *XrefProvider) CurrentEntries() []Candidate {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.loaded {
		return nil
	}
	return xrefCandidates(x.entries)
}

func (x *XrefProvider) StreamEntries(ctx context.Context, doc Document, onReady func([]Candidate)) <-chan struct{} {
	return streamAwait(ctx, doc, x.logger, x.AwaitEntries, onReady)
}

func (x *XrefProvider) AwaitEntries(ctx context.Context, doc Document) ([]Candidate, error) {
	entries, err := x.index.Xrefs(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load xrefs: %w", err)
	}
	x.mu.Lock()
	x.entries = entries
	x.loaded = true
	x.mu.Unlock()
	return xrefCandidates(entries), nil
}

func (x *XrefProvider) WarningMessage() string { return "" }

func xrefCandidates(entries []xref.Xref) []Candidate {
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, Candidate{
			ID:            e.Key(),
			Kind:          KindCrossref,
			PrimaryText:   e.Key(),
			SecondaryText: e.File,
			DetailText:    e.Title,
			Image:         e.Type,
		})
	}
	return out
}
