package completion

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"citekit/api/internal/metrics"
)

const (
	// DefaultMaxCompletions caps each provider's search.
	DefaultMaxCompletions = 100
	// PlaceholderDOI hints that a DOI may be typed instead of a key.
	PlaceholderDOI = "or DOI"
)

// Orchestrator fans completion queries out to its providers in registration
// order. Every query gets a generation; refreshes that finish after a newer
// query started are dropped.
type Orchestrator struct {
	providers []Provider
	parser    ContextParser
	max       int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	ctx        context.Context
	cancel     context.CancelFunc
	generation atomic.Uint64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithParser replaces the default '@' citation parser.
func WithParser(parser ContextParser) OrchestratorOption {
	return func(o *Orchestrator) {
		if parser != nil {
			o.parser = parser
		}
	}
}

// WithMaxCompletions caps each provider's search results.
func WithMaxCompletions(max int) OrchestratorOption {
	return func(o *Orchestrator) {
		if max > 0 {
			o.max = max
		}
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records queries into m.
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator over providers. Close stops any
// refresh still running.
func NewOrchestrator(providers []Provider, opts ...OrchestratorOption) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		providers: providers,
		parser:    AtParser{},
		max:       DefaultMaxCompletions,
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels in-flight refreshes.
func (o *Orchestrator) Close() {
	o.cancel()
}

// ComputeContext returns the citation being typed at the cursor, if any.
func (o *Orchestrator) ComputeContext(state EditorState) (Context, bool) {
	return o.parser.Parse(state)
}

// Filter narrows entries to token. Empty and DOI tokens pass everything
// through. A token that already names a known entry, ignoring trailing
// punctuation, yields no completions. Otherwise every provider is searched
// and the union is deduplicated in relevance order.
func (o *Orchestrator) Filter(entries []Candidate, token string) []Candidate {
	if strings.TrimSpace(token) == "" || HasDOI(token) {
		return entries
	}

	id := TrimTrailingPunctuation(token)
	for _, p := range o.providers {
		if p.ExactMatch(id) {
			return []Candidate{}
		}
	}

	results := make([][]Candidate, 0, len(o.providers))
	for _, p := range o.providers {
		found, err := p.Search(token, o.max)
		if err != nil {
			o.logger.Debug("completion search failed, returning unfiltered", zap.String("token", token), zap.Error(err))
			return entries
		}
		results = append(results, found)
	}
	return Dedupe(concat(results))
}

// Warning returns the first provider warning in registration order.
func (o *Orchestrator) Warning() string {
	for _, p := range o.providers {
		if msg := p.WarningMessage(); msg != "" {
			return msg
		}
	}
	return ""
}

// IsCurrent reports whether generation belongs to the latest query.
func (o *Orchestrator) IsCurrent(generation uint64) bool {
	return o.generation.Load() == generation
}

// Complete runs one query. When any provider has loaded entries, the result
// carries them immediately and refreshes stream in behind it. On a cold start
// it waits for every provider instead. The only error is ctx's.
func (o *Orchestrator) Complete(ctx context.Context, doc Document, cctx Context) (*Completion, error) {
	c := &Completion{
		Generation: o.generation.Add(1),
		Token:      cctx.Token,
		Pos:        cctx.Pos,
		done:       make(chan struct{}),
	}
	if cctx.Token == "" {
		c.Placeholder = PlaceholderDOI
	}

	slots := make([][]Candidate, len(o.providers))
	loaded := false
	for i, p := range o.providers {
		if entries := p.CurrentEntries(); entries != nil {
			slots[i] = entries
			loaded = true
		}
	}

	if loaded {
		o.metrics.CompletionQuery(metrics.ModeFirstPaint)
		c.Items = Sort(concat(slots))
		c.Streaming = true
		o.stream(doc, c, slots)
		return c, nil
	}

	o.metrics.CompletionQuery(metrics.ModeCold)
	entries, err := o.awaitAll(ctx, doc)
	if err != nil {
		return nil, err
	}
	c.Items = Sort(entries)
	close(c.done)
	return c, nil
}

// stream starts every provider's refresh. Each arrival replaces that
// provider's slot and republishes the merged list, unless a newer query has
// started since.
func (o *Orchestrator) stream(doc Document, c *Completion, slots [][]Candidate) {
	pending := make([]<-chan struct{}, 0, len(o.providers))
	for i, p := range o.providers {
		pending = append(pending, p.StreamEntries(o.ctx, doc, func(entries []Candidate) {
			if !o.IsCurrent(c.Generation) {
				o.metrics.StaleRefresh()
				o.logger.Debug("discarding stale completion refresh", zap.Uint64("generation", c.Generation))
				return
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			slots[i] = entries
			c.streamed = Sort(concat(slots))
			c.updated = true
		}))
	}

	go func() {
		defer close(c.done)
		for _, done := range pending {
			select {
			case <-done:
			case <-o.ctx.Done():
				return
			}
		}
	}()
}

// awaitAll refreshes every provider in parallel and concatenates the results
// in registration order. A failing provider contributes nothing.
func (o *Orchestrator) awaitAll(ctx context.Context, doc Document) ([]Candidate, error) {
	results := make([][]Candidate, len(o.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range o.providers {
		g.Go(func() error {
			entries, err := p.AwaitEntries(gctx, doc)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Warn("completion provider failed", zap.String("document", doc.ID), zap.Error(err))
				return nil
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return concat(results), nil
}

// Completion is the result of one query.
type Completion struct {
	Generation  uint64
	Token       string
	Pos         int
	Items       []Candidate
	Placeholder string
	// Streaming is set when Items is a first paint that refreshes may replace.
	Streaming bool

	mu       sync.RWMutex
	streamed []Candidate
	updated  bool
	done     chan struct{}
}

// Stream returns the latest refreshed list, if any has arrived.
func (c *Completion) Stream() ([]Candidate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamed, c.updated
}

// Done closes once every refresh has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}
