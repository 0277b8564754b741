package completion

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
	"citekit/api/internal/search"
)

// BibliographyProvider completes citation keys from a document's synced
// library.
type BibliographyProvider struct {
	sync     *bibliography.SyncProvider
	logger   *zap.Logger
	onUpdate func([]bibliography.Source)
	loaded   atomic.Bool
}

// BibliographyOption configures a BibliographyProvider.
type BibliographyOption func(*BibliographyProvider)

// WithBibliographyLogger sets the provider's logger.
func WithBibliographyLogger(logger *zap.Logger) BibliographyOption {
	return func(b *BibliographyProvider) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithUpdateHook calls fn with the full item set after every load that
// changed it.
func WithUpdateHook(fn func([]bibliography.Source)) BibliographyOption {
	return func(b *BibliographyProvider) { b.onUpdate = fn }
}

// NewBibliographyProvider wraps a sync provider.
func NewBibliographyProvider(sync *bibliography.SyncProvider, opts ...BibliographyOption) *BibliographyProvider {
	b := &BibliographyProvider{sync: sync, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BibliographyProvider) ExactMatch(token string) bool {
	for _, item := range b.sync.Items() {
		if item.ID == token {
			return true
		}
	}
	return false
}

func (b *BibliographyProvider) Search(token string, max int) ([]Candidate, error) {
	if !utf8.ValidString(token) {
		return nil, ErrMalformedQuery
	}
	page, _ := search.MatchSources(b.sync.Items(), token, max, 0)
	return sourceCandidates(page), nil
}

func (b *BibliographyProvider) CurrentEntries() []Candidate {
	if !b.loaded.Load() {
		return nil
	}
	return sourceCandidates(b.sync.Items())
}

// StreamEntries reloads the library and reports the entries only when the
// load changed them.
func (b *BibliographyProvider) StreamEntries(ctx context.Context, doc Document, onReady func([]Candidate)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if !b.load(ctx, doc) || ctx.Err() != nil {
			return
		}
		onReady(sourceCandidates(b.sync.Items()))
	}()
	return done
}

func (b *BibliographyProvider) AwaitEntries(ctx context.Context, doc Document) ([]Candidate, error) {
	b.load(ctx, doc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sourceCandidates(b.sync.Items()), nil
}

func (b *BibliographyProvider) WarningMessage() string {
	return b.sync.Warning()
}

// Load runs one sync cycle for doc and reports whether the items changed.
func (b *BibliographyProvider) Load(ctx context.Context, doc Document) bool {
	return b.load(ctx, doc)
}

func (b *BibliographyProvider) load(ctx context.Context, doc Document) bool {
	directive := bibliography.ParseDirective(doc.FrontMatter)
	updated := b.sync.Load(ctx, doc.DocumentContext, directive)
	// Only a usable snapshot counts as loaded; otherwise queries stay cold.
	b.loaded.Store(b.sync.IsActive())
	if updated {
		b.logger.Debug("bibliography updated", zap.String("document", doc.ID), zap.Int("items", len(b.sync.Items())))
		if b.onUpdate != nil {
			b.onUpdate(b.sync.Items())
		}
	}
	return updated
}

func sourceCandidates(sources []bibliography.Source) []Candidate {
	out := make([]Candidate, 0, len(sources))
	for _, s := range sources {
		out = append(out, Candidate{
			ID:            s.ID,
			Kind:          KindBibliography,
			PrimaryText:   s.ID,
			SecondaryText: authorsAndYear(s),
			DetailText:    s.Title,
			Image:         s.Type,
			ProviderKey:   s.ProviderKey,
		})
	}
	return out
}

func authorsAndYear(s bibliography.Source) string {
	var names string
	switch len(s.Author) {
	case 0:
	case 1:
		names = s.Author[0].DisplayName()
	case 2:
		names = s.Author[0].DisplayName() + " and " + s.Author[1].DisplayName()
	default:
		names = s.Author[0].DisplayName() + " et al."
	}
	if y := s.Year(); y > 0 {
		return strings.TrimSpace(names + " " + strconv.Itoa(y))
	}
	return names
}
