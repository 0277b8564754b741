// Package session ties each open document to its own library cache and
// completion pipeline. Nothing is shared between sessions.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
	"citekit/api/internal/completion"
	"citekit/api/internal/metrics"
	"citekit/api/internal/util"
)

var ErrSessionNotFound = errors.New("session not found")

// Deps are the collaborators every new session is built from.
type Deps struct {
	Library bibliography.RemoteClient
	// Xrefs enables cross-reference completion when set.
	Xrefs          completion.XrefIndex
	MaxCompletions int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// OnUpdate runs after a load changed the session's sources.
	OnUpdate func(sessionID string, sources []bibliography.Source)
	// OnClose runs after a session is torn down.
	OnClose func(sessionID string)
}

// Session is one open document.
type Session struct {
	ID         string
	DocumentID string
	CreatedAt  time.Time

	Library      *bibliography.SyncProvider
	Bibliography *completion.BibliographyProvider
	Completions  *completion.Orchestrator

	lastUsed atomic.Int64

	mu     sync.Mutex
	latest *completion.Completion
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns when the session was last touched.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Track remembers c as the session's latest completion.
func (s *Session) Track(c *completion.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = c
}

// Latest returns the most recent completion, or nil.
func (s *Session) Latest() *completion.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Registry owns every open session.
type Registry struct {
	deps Deps
	ttl  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry. Sessions idle for longer than ttl are
// closed by the sweeper; a zero ttl keeps them until closed explicitly.
func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		deps:     deps,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Open creates a session for documentID.
func (r *Registry) Open(documentID string) *Session {
	id := util.NewID("ses")
	logger := r.deps.Logger.With(zap.String("session", id))

	library := bibliography.NewSyncProvider(r.deps.Library,
		bibliography.WithLogger(logger),
		bibliography.WithMetrics(r.deps.Metrics),
	)
	bib := completion.NewBibliographyProvider(library,
		completion.WithBibliographyLogger(logger),
		completion.WithUpdateHook(func(sources []bibliography.Source) {
			if r.deps.OnUpdate != nil {
				r.deps.OnUpdate(id, sources)
			}
		}),
	)
	providers := []completion.Provider{bib}
	if r.deps.Xrefs != nil {
		providers = append(providers, completion.NewXrefProvider(r.deps.Xrefs, logger))
	}

	s := &Session{
		ID:           id,
		DocumentID:   documentID,
		CreatedAt:    time.Now().UTC(),
		Library:      library,
		Bibliography: bib,
		Completions: completion.NewOrchestrator(providers,
			completion.WithMaxCompletions(r.deps.MaxCompletions),
			completion.WithLogger(logger),
			completion.WithMetrics(r.deps.Metrics),
		),
	}
	s.Touch()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.deps.Metrics.SessionOpened()
	logger.Info("session opened", zap.String("document", documentID))
	return s
}

// Get returns an open session and marks it used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Close tears a session down.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	r.teardown(s, "closed")
	return nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now minus the ttl and returns how
// many it closed.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastUsed().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.teardown(s, "expired")
	}
	return len(expired)
}

// StartSweeper sweeps every interval until Shutdown.
func (r *Registry) StartSweeper(interval time.Duration) {
	if r.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case now := <-ticker.C:
				if n := r.Sweep(now); n > 0 {
					r.deps.Logger.Info("expired idle sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown stops the sweeper and closes every session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.teardown(s, "shutdown")
	}
}

func (r *Registry) teardown(s *Session, reason string) {
	s.Completions.Close()
	r.deps.Metrics.SessionClosed()
	if r.deps.OnClose != nil {
		r.deps.OnClose(s.ID)
	}
	r.deps.Logger.Info("session "+reason, zap.String("session", s.ID), zap.String("document", s.DocumentID))
}
