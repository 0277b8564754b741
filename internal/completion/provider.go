package completion

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
)

// ErrMalformedQuery is returned by Search when the token cannot be matched.
var ErrMalformedQuery = errors.New("malformed completion query")

// Document is the document a completion runs against.
type Document struct {
	bibliography.DocumentContext
	FrontMatter []string
}

// Provider is one source of citation completions.
type Provider interface {
	// ExactMatch reports whether token is already a complete, known id.
	ExactMatch(token string) bool
	// Search returns at most max loaded candidates matching token.
	Search(token string, max int) ([]Candidate, error)
	// CurrentEntries returns already-loaded candidates without blocking, or
	// nil when nothing has been loaded yet.
	CurrentEntries() []Candidate
	// StreamEntries starts a refresh and returns immediately. onReady is
	// called at most once with the refreshed candidates. The returned channel
	// closes when the refresh has finished, whether or not onReady ran.
	StreamEntries(ctx context.Context, doc Document, onReady func([]Candidate)) <-chan struct{}
	// AwaitEntries refreshes and returns the candidates.
	AwaitEntries(ctx context.Context, doc Document) ([]Candidate, error)
	// WarningMessage returns a persistent problem to show, or "".
	WarningMessage() string
}

// streamAwait runs await in its own goroutine and hands the result to onReady.
func streamAwait(ctx context.Context, doc Document, logger *zap.Logger, await func(context.Context, Document) ([]Candidate, error), onReady func([]Candidate)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		entries, err := await(ctx, doc)
		if err != nil {
			logger.Warn("completion refresh failed", zap.String("document", doc.ID), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		onReady(entries)
	}()
	return done
}
