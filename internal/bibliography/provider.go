package bibliography

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"citekit/api/internal/metrics"
)

// ErrExportUnavailable is returned when the library cannot format an export.
var ErrExportUnavailable = errors.New("bibliography export unavailable")

// SyncProvider reconciles a CollectionStore against the library server. One
// provider belongs to one document session.
type SyncProvider struct {
	client  RemoteClient
	store   *CollectionStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	loadMu sync.Mutex
	flight singleflight.Group

	mu      sync.RWMutex
	specs   []CollectionSpec
	warning string
	enabled bool
}

// Option configures a SyncProvider.
type Option func(*SyncProvider)

// WithLogger sets the provider's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *SyncProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records sync cycles into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *SyncProvider) { p.metrics = m }
}

// WithStore uses an existing store instead of a fresh one.
func WithStore(store *CollectionStore) Option {
	return func(p *SyncProvider) {
		if store != nil {
			p.store = store
		}
	}
}

// NewSyncProvider creates a provider with an empty cache.
func NewSyncProvider(client RemoteClient, opts ...Option) *SyncProvider {
	p := &SyncProvider{
		client:  client,
		store:   NewCollectionStore(),
		logger:  zap.NewNop(),
		enabled: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name is the provider's display name.
func (p *SyncProvider) Name() string { return ProviderName }

// Key is the provider key stamped on every source.
func (p *SyncProvider) Key() string { return ProviderKey }

// Load runs one sync cycle and reports whether the flattened item set changed.
// Remote failures are logged and leave the previous cache in place. Identical
// loads that overlap share one cycle.
func (p *SyncProvider) Load(ctx context.Context, doc DocumentContext, directive Directive) bool {
	key := doc.ID + "\x00" + doc.Path + "\x00" + directive.String()
	v, _, _ := p.flight.Do(key, func() (any, error) {
		p.loadMu.Lock()
		defer p.loadMu.Unlock()
		return p.load(ctx, doc, directive), nil
	})
	return v.(bool)
}

func (p *SyncProvider) load(ctx context.Context, doc DocumentContext, directive Directive) bool {
	started := time.Now()

	if !directive.Enabled() {
		hadState := p.store.Len() > 0
		p.store.Replace(nil)
		p.mu.Lock()
		p.enabled = false
		p.specs = nil
		p.mu.Unlock()
		p.metrics.SyncCycle(metrics.SyncDisabled, started)
		return hadState
	}

	p.mu.Lock()
	p.enabled = true
	// A pending warning means the cache may be stale: bypass it until the
	// server stops reporting one.
	useCache := p.warning == ""
	p.mu.Unlock()

	roots := directive.Roots()
	log := p.logger.With(zap.String("document", doc.ID), zap.Bool("use_cache", useCache))

	specsResult, err := p.client.GetCollectionSpecs(ctx, doc, roots)
	switch {
	case err != nil:
		log.Warn("get collection specs failed", zap.Error(err))
	case specsResult.Status != StatusOK:
		log.Warn("get collection specs rejected", zap.String("status", string(specsResult.Status)))
	default:
		p.mu.Lock()
		p.specs = specsResult.Specs
		p.mu.Unlock()
	}

	previous := p.store.Current()
	result, err := p.client.GetCollections(ctx, doc, roots, p.store.Specs(), useCache)
	if err != nil {
		log.Warn("get collections failed", zap.Error(err))
		p.metrics.SyncCycle(metrics.SyncFailed, started)
		return false
	}

	p.mu.Lock()
	p.warning = result.Warning
	p.mu.Unlock()

	if result.Status != StatusOK {
		log.Warn("get collections rejected", zap.String("status", string(result.Status)), zap.String("warning", result.Warning))
		p.metrics.SyncCycle(metrics.SyncFailed, started)
		return false
	}
	if result.Collections == nil {
		p.metrics.SyncCycle(metrics.SyncUnchanged, started)
		return false
	}

	merged, hasUpdates := p.merge(previous, result.Collections, useCache)
	hasUpdates = hasUpdates || len(merged) != len(previous)
	p.store.Replace(merged)

	outcome := metrics.SyncUnchanged
	if hasUpdates {
		outcome = metrics.SyncUpdated
	}
	p.metrics.SyncCycle(outcome, started)
	log.Debug("sync cycle complete",
		zap.Int("collections", len(merged)),
		zap.Bool("has_updates", hasUpdates),
	)
	return hasUpdates
}

// merge carries forward the previous cycle's items for every collection whose
// version is unchanged. Collections are matched by name, not key, so a key
// change on the server does not throw the cache away; two collections renamed
// to the same name across a cycle will share the first match.
func (p *SyncProvider) merge(previous, incoming []Collection, useCache bool) ([]Collection, bool) {
	byName := make(map[string]Collection, len(previous))
	for _, c := range previous {
		if _, ok := byName[c.Name]; !ok {
			byName[c.Name] = c
		}
	}

	hasUpdates := false
	merged := make([]Collection, 0, len(incoming))
	for _, c := range incoming {
		existing, ok := byName[c.Name]
		if useCache && ok && existing.Version == c.Version {
			c.Items = existing.Items
			if existing.Key != c.Key {
				// Same collection under a new key: membership moved with it.
				c.Items = restampItems(existing.Items, existing.Key, c.Key)
				hasUpdates = true
			}
			p.metrics.CollectionMerged(true)
		} else {
			c.Items = resolveItems(c)
			hasUpdates = true
			p.metrics.CollectionMerged(false)
		}
		merged = append(merged, c)
	}
	return merged, hasUpdates
}

// restampItems copies items with every membership in from moved to to.
func restampItems(items []Source, from, to string) []Source {
	if items == nil {
		return nil
	}
	out := make([]Source, len(items))
	for i, item := range items {
		keys := make([]string, 0, len(item.CollectionKeys))
		for _, key := range item.CollectionKeys {
			if key == from {
				key = to
			}
			keys = append(keys, key)
		}
		item.CollectionKeys = keys
		out[i] = item
	}
	return out
}

// resolveItems stamps ids, provider key and collection membership once so
// reused collections keep them across cycles.
func resolveItems(c Collection) []Source {
	if c.Items == nil {
		return nil
	}
	items := make([]Source, len(c.Items))
	for i, item := range c.Items {
		if item.ID == "" {
			item.ID = SuggestID(item)
		}
		item.ProviderKey = ProviderKey
		if len(item.CollectionKeys) == 0 {
			item.CollectionKeys = []string{c.Key}
		}
		items[i] = item
	}
	return items
}

// IsActive is false when the document disabled the integration or no
// collections are available.
func (p *SyncProvider) IsActive() bool {
	p.mu.RLock()
	enabled := p.enabled
	specs := len(p.specs)
	p.mu.RUnlock()
	return enabled && (specs > 0 || p.store.Len() > 0)
}

// Collections returns the library tree from the last cycle.
func (p *SyncProvider) Collections() []CollectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(p.specs))
	for _, spec := range p.specs {
		out = append(out, CollectionInfo{
			Name:      spec.Name,
			Key:       spec.Key,
			ParentKey: spec.ParentKey,
			Provider:  ProviderKey,
		})
	}
	return out
}

// Items returns every source from the last merged cycle.
func (p *SyncProvider) Items() []Source {
	return p.store.Flatten()
}

// ItemsInCollection returns the sources tagged with key, or all sources when
// key is empty.
func (p *SyncProvider) ItemsInCollection(key string) []Source {
	items := p.Items()
	if key == "" {
		return items
	}
	filtered := make([]Source, 0, len(items))
	for _, item := range items {
		if item.InCollection(key) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// Warning returns the most recent non-fatal problem reported by the server.
func (p *SyncProvider) Warning() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.warning
}

// GenerateBibLaTeX asks the library's Better BibTeX export for the source.
func (p *SyncProvider) GenerateBibLaTeX(ctx context.Context, source Source, useBetterBibTeX bool) (string, error) {
	if source.Key == "" || !useBetterBibTeX {
		return "", ErrExportUnavailable
	}
	result, err := p.client.ExportFormat(ctx, []string{source.Key}, TranslatorBibLaTeX, MyLibrary)
	if err != nil {
		return "", fmt.Errorf("export %s: %w", source.Key, err)
	}
	if result == nil {
		return "", ErrExportUnavailable
	}
	return result.Message, nil
}
