package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxSources = "citekit_sources"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	indexed map[string][]string // session id -> record ids
	pending map[string][]string // added, not yet confirmed
}

// NewMeili creates a Meilisearch client and configures the sources index.
// The client starts unhealthy if Meilisearch is unreachable and recovers in
// the background.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:  client,
		logger:  logger,
		done:    make(chan struct{}),
		indexed: make(map[string][]string),
		pending: make(map[string][]string),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSources,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxSources), zap.Error(err))
	}

	index := m.client.Index(idxSources)
	filterable := []interface{}{"sessionId", "collectionKeys", "type", "year"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.String("index", idxSources), zap.Error(err))
	}
	searchable := []string{"citeId", "title", "authors", "containerTitle", "doi"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.String("index", idxSources), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the sources index within one session.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	req := &meili.SearchRequest{
		IndexUID:              idxSources,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		Filter:                sessionFilter(q),
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{req},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func sessionFilter(q Query) []string {
	filters := []string{fmt.Sprintf("sessionId = %q", q.SessionID)}
	if q.Collection != "" {
		filters = append(filters, fmt.Sprintf("collectionKeys = %q", q.Collection))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		CiteID:         decodeString(hit, "citeId"),
		Title:          decodeString(hit, "title"),
		Type:           decodeString(hit, "type"),
		ContainerTitle: decodeString(hit, "containerTitle"),
		Snippet:        decodeFormattedString(hit, "title"),
	}
	if raw, ok := hit["authors"]; ok {
		_ = json.Unmarshal(raw, &r.Authors)
	}
	if raw, ok := hit["year"]; ok {
		_ = json.Unmarshal(raw, &r.Year)
	}
	if r.Authors == nil {
		r.Authors = []string{}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// taskTimeout bounds how long indexing waits for Meilisearch to apply a task.
const taskTimeout = 30 * time.Second

// IndexSources replaces the session's records in the index and waits until
// they are searchable. Until then Indexed reports false for the session.
func (m *Meili) IndexSources(sessionID string, records []SourceRecord) error {
	if err := m.DeleteSession(sessionID); err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	if len(records) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()

		task, err := m.client.Index(idxSources).AddDocumentsWithContext(ctx, records, nil)
		if err != nil {
			return fmt.Errorf("add sources: %w", err)
		}
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		// Remember the ids first so a failed task still gets cleaned up.
		m.mu.Lock()
		m.pending[sessionID] = ids
		m.mu.Unlock()
		if err := m.waitForTask(ctx, task); err != nil {
			return fmt.Errorf("add sources: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.pending, sessionID)
	m.indexed[sessionID] = ids
	m.mu.Unlock()
	return nil
}

// Indexed reports whether the session's sources are searchable.
func (m *Meili) Indexed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indexed[sessionID]
	return ok
}

// DeleteSession removes every record indexed for the session in one batch.
func (m *Meili) DeleteSession(sessionID string) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.indexed[sessionID])+len(m.pending[sessionID]))
	ids = append(ids, m.indexed[sessionID]...)
	ids = append(ids, m.pending[sessionID]...)
	delete(m.indexed, sessionID)
	delete(m.pending, sessionID)
	m.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	task, err := m.client.Index(idxSources).DeleteDocumentsWithContext(ctx, ids, nil)
	if err != nil {
		return fmt.Errorf("delete sources for %s: %w", sessionID, err)
	}
	if err := m.waitForTask(ctx, task); err != nil {
		return fmt.Errorf("delete sources for %s: %w", sessionID, err)
	}
	return nil
}

func (m *Meili) waitForTask(ctx context.Context, info *meili.TaskInfo) error {
	task, err := m.client.WaitForTaskWithContext(ctx, info.TaskUID, 50*time.Millisecond)
	if err != nil {
		return err
	}
	if task.Status != meili.TaskStatusSucceeded {
		return fmt.Errorf("task %d %s", info.TaskUID, task.Status)
	}
	return nil
}
