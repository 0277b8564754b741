package search

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
)

// closedRetention is how long a closed session is remembered so a late
// reindex cannot recreate its records.
const closedRetention = 10 * time.Minute

// Service is the facade that searches Meilisearch once a session's sources
// are indexed there and the in-memory matcher otherwise.
type Service struct {
	meili  *Meili
	memory *Memory
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*indexQueue
	closed map[string]time.Time
}

// indexQueue runs one session's index and delete jobs in submission order.
type indexQueue struct {
	jobs []func()
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, memory *Memory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		meili:  meili,
		memory: memory,
		logger: logger,
		queues: make(map[string]*indexQueue),
		closed: make(map[string]time.Time),
	}
}

// Search uses Meilisearch when it is healthy and holds the session's
// sources, otherwise the in-memory matcher. A healthy Meilisearch that has
// not seen the session gets it indexed for later queries.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		if s.meili.Indexed(q.SessionID) {
			results, total, err := s.meili.Search(q)
			if err == nil {
				return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
			}
			s.logger.Warn("meilisearch error, falling back to memory", zap.Error(err))
		} else if !s.queued(q.SessionID) {
			if sources := s.memory.sources(q.SessionID, ""); len(sources) > 0 {
				s.IndexSession(q.SessionID, sources)
			}
		}
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		s.logger.Warn("memory search error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "memory"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "memory"}
}

// IndexSession reindexes a session's sources in the background.
func (s *Service) IndexSession(sessionID string, sources []bibliography.Source) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]SourceRecord, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, source := range uniqueSources(sources) {
		record := NewSourceRecord(sessionID, source)
		if _, ok := seen[record.ID]; ok {
			continue
		}
		seen[record.ID] = struct{}{}
		records = append(records, record)
	}
	s.enqueue(sessionID, false, func() {
		if s.isClosed(sessionID) {
			return
		}
		if err := s.meili.IndexSources(sessionID, records); err != nil {
			s.logger.Warn("index session sources", zap.String("session", sessionID), zap.Error(err))
		}
	})
}

// DeleteSession removes a closed session from the index in the background.
// Index jobs submitted after it are dropped.
func (s *Service) DeleteSession(sessionID string) {
	if s.meili == nil {
		return
	}
	s.enqueue(sessionID, true, func() {
		if err := s.meili.DeleteSession(sessionID); err != nil {
			s.logger.Warn("delete session sources", zap.String("session", sessionID), zap.Error(err))
		}
	})
}

func (s *Service) enqueue(sessionID string, closing bool, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closing {
		now := time.Now()
		for id, at := range s.closed {
			if now.Sub(at) > closedRetention {
				delete(s.closed, id)
			}
		}
		s.closed[sessionID] = now
	}

	if q, ok := s.queues[sessionID]; ok {
		q.jobs = append(q.jobs, job)
		return
	}
	q := &indexQueue{jobs: []func(){job}}
	s.queues[sessionID] = q
	go s.drain(sessionID, q)
}

func (s *Service) drain(sessionID string, q *indexQueue) {
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			delete(s.queues, sessionID)
			s.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		s.mu.Unlock()
		job()
	}
}

func (s *Service) queued(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[sessionID]
	return ok
}

func (s *Service) isClosed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.closed[sessionID]
	return ok
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
