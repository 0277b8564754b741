package app

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"citekit/api/internal/auth"
	"citekit/api/internal/bibliography"
	"citekit/api/internal/completion"
	"citekit/api/internal/config"
	"citekit/api/internal/metrics"
	"citekit/api/internal/search"
	"citekit/api/internal/session"
	"citekit/api/internal/store"
	"citekit/api/internal/util"
	"citekit/api/internal/xref"
)

// DocumentStore persists documents and their front matter.
type DocumentStore interface {
	Ping(ctx context.Context) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpsertDocument(ctx context.Context, documentID, path string, frontMatter []string) (store.Document, error)
}

// XrefStore persists cross-reference targets.
type XrefStore interface {
	completion.XrefIndex
	SaveXrefs(ctx context.Context, documentID string, xrefs []xref.Xref, ttl time.Duration) error
}

type PutDocumentInput struct {
	Path        string   `json:"path" validate:"required,max=4096"`
	FrontMatter []string `json:"frontMatter"`
}

type PutXrefsInput struct {
	Xrefs []xref.Xref `json:"xrefs" validate:"dive"`
}

type OpenSessionInput struct {
	DocumentID string `json:"documentId" validate:"required"`
}

type OpenSessionResult struct {
	SessionID  string    `json:"sessionId"`
	DocumentID string    `json:"documentId"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type LoadResult struct {
	HasUpdates bool   `json:"hasUpdates"`
	Active     bool   `json:"active"`
	Warning    string `json:"warning,omitempty"`
	Items      int    `json:"items"`
}

type ExportInput struct {
	ID string `json:"id" validate:"required"`
}

type CompleteInput struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor" validate:"gte=0"`
}

type CompletionResponse struct {
	Active      bool                   `json:"active"`
	Generation  uint64                 `json:"generation,omitempty"`
	Token       string                 `json:"token"`
	Pos         int                    `json:"pos"`
	Items       []completion.Candidate `json:"items"`
	Placeholder string                 `json:"placeholder,omitempty"`
	Streaming   bool                   `json:"streaming"`
	Warning     string                 `json:"warning,omitempty"`
}

type StreamResponse struct {
	Generation uint64                 `json:"generation"`
	Stale      bool                   `json:"stale"`
	Ready      bool                   `json:"ready"`
	Done       bool                   `json:"done"`
	Items      []completion.Candidate `json:"items"`
}

// Service is the citation API behind the HTTP layer.
type Service struct {
	cfg      config.Config
	store    DocumentStore
	xrefs    XrefStore
	sessions *session.Registry
	search   *search.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewService wires the session registry to the library client and search.
// xrefs and meili may be nil.
func NewService(cfg config.Config, documents DocumentStore, library bibliography.RemoteClient, xrefs XrefStore, meili *search.Meili, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		store:    documents,
		xrefs:    xrefs,
		metrics:  m,
		logger:   logger,
		validate: newValidator(),
	}

	s.search = search.NewService(meili, search.NewMemory(s.sessionSources), logger.Named("search"))

	deps := session.Deps{
		Library:        library,
		MaxCompletions: cfg.MaxCompletions,
		Logger:         logger.Named("session"),
		Metrics:        m,
		OnUpdate:       s.search.IndexSession,
		OnClose:        s.search.DeleteSession,
	}
	if xrefs != nil {
		deps.Xrefs = xrefs
	}
	s.sessions = session.NewRegistry(deps, cfg.SessionTTL)
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Sessions exposes the registry for lifecycle management.
func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// Metrics returns the collectors, or nil.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) sessionSources(sessionID, collection string) []bibliography.Source {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	return sess.Library.ItemsInCollection(collection)
}

func (s *Service) PutDocument(ctx context.Context, documentID string, input PutDocumentInput) (store.Document, error) {
	if err := s.validate.Struct(input); err != nil {
		return store.Document{}, validationError(err)
	}
	return s.store.UpsertDocument(ctx, documentID, strings.TrimSpace(input.Path), input.FrontMatter)
}

func (s *Service) PutXrefs(ctx context.Context, documentID string, input PutXrefsInput) error {
	if s.xrefs == nil {
		return domainError(http.StatusServiceUnavailable, "XREFS_UNAVAILABLE", "Cross-reference index is not configured", nil)
	}
	if err := s.validate.Struct(input); err != nil {
		return validationError(err)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	return s.xrefs.SaveXrefs(ctx, documentID, input.Xrefs, 0)
}

// OpenSession starts a session for an existing document and issues the
// bearer token that guards it.
func (s *Service) OpenSession(ctx context.Context, input OpenSessionInput) (OpenSessionResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return OpenSessionResult{}, validationError(err)
	}
	if _, err := s.store.GetDocument(ctx, input.DocumentID); err != nil {
		return OpenSessionResult{}, err
	}

	sess := s.sessions.Open(input.DocumentID)
	ttl := s.cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	expiresAt := time.Now().Add(ttl).UTC()
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret),
		auth.NewClaims(sess.ID, sess.DocumentID, util.NewID("jti"), expiresAt))
	if err != nil {
		_ = s.sessions.Close(sess.ID)
		return OpenSessionResult{}, err
	}
	return OpenSessionResult{
		SessionID:  sess.ID,
		DocumentID: sess.DocumentID,
		Token:      token,
		ExpiresAt:  expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer token to the session it was issued for.
func (s *Service) SessionFromToken(token, sessionID string) (*session.Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return nil, err
	}
	if claims.Session != sessionID {
		return nil, auth.ErrInvalidToken
	}
	return s.sessions.Get(sessionID)
}

func (s *Service) CloseSession(sessionID string) error {
	return s.sessions.Close(sessionID)
}

func (s *Service) document(ctx context.Context, sess *session.Session) (completion.Document, error) {
	doc, err := s.store.GetDocument(ctx, sess.DocumentID)
	if err != nil {
		return completion.Document{}, err
	}
	return completion.Document{
		DocumentContext: bibliography.DocumentContext{ID: doc.ID, Path: doc.Path},
		FrontMatter:     doc.FrontMatter,
	}, nil
}

// LoadBibliography runs one sync cycle against the document's current front
// matter.
func (s *Service) LoadBibliography(ctx context.Context, sess *session.Session) (LoadResult, error) {
	doc, err := s.document(ctx, sess)
	if err != nil {
		return LoadResult{}, err
	}
	hasUpdates := sess.Bibliography.Load(ctx, doc)
	return LoadResult{
		HasUpdates: hasUpdates,
		Active:     sess.Library.IsActive(),
		Warning:    sess.Library.Warning(),
		Items:      len(sess.Library.Items()),
	}, nil
}

func (s *Service) Collections(sess *session.Session) []bibliography.CollectionInfo {
	return sess.Library.Collections()
}

func (s *Service) Items(sess *session.Session, collection string) []bibliography.Source {
	return sess.Library.ItemsInCollection(collection)
}

func (s *Service) SearchLibrary(sess *session.Session, text, collection string, limit, offset int) search.Response {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		SessionID:  sess.ID,
		Text:       strings.TrimSpace(text),
		Collection: collection,
		Limit:      limit,
		Offset:     offset,
	})
}

// ExportBibLaTeX formats one loaded source through the library's export.
func (s *Service) ExportBibLaTeX(ctx context.Context, sess *session.Session, input ExportInput) (string, error) {
	if err := s.validate.Struct(input); err != nil {
		return "", validationError(err)
	}
	for _, source := range sess.Library.Items() {
		if source.ID != input.ID {
			continue
		}
		bibLaTeX, err := sess.Library.GenerateBibLaTeX(ctx, source, s.cfg.UseBetterBibTeX)
		if errors.Is(err, bibliography.ErrExportUnavailable) {
			return "", domainError(http.StatusConflict, "EXPORT_UNAVAILABLE", "BibLaTeX export is not available for this source", nil)
		}
		if err != nil {
			s.logger.Warn("biblatex export failed", zap.String("session", sess.ID), zap.String("source", input.ID), zap.Error(err))
			return "", domainError(http.StatusBadGateway, "LIBRARY_ERROR", "Library server export failed", nil)
		}
		return bibLaTeX, nil
	}
	return "", domainError(http.StatusNotFound, "SOURCE_NOT_FOUND", "Source not found", map[string]any{"id": input.ID})
}

// Complete runs the completion pipeline at the cursor. A cursor outside a
// citation yields an inactive response.
func (s *Service) Complete(ctx context.Context, sess *session.Session, input CompleteInput) (CompletionResponse, error) {
	if err := s.validate.Struct(input); err != nil {
		return CompletionResponse{}, validationError(err)
	}
	if input.Cursor > len(input.Text) {
		return CompletionResponse{}, domainError(http.StatusBadRequest, "VALIDATION_FAILED", "Invalid request", []FieldError{{Field: "cursor", Message: "is past the end of text"}})
	}

	orchestrator := sess.Completions
	cctx, ok := orchestrator.ComputeContext(completion.EditorState{Text: input.Text, Cursor: input.Cursor})
	if !ok {
		return CompletionResponse{Active: false, Items: []completion.Candidate{}}, nil
	}

	doc, err := s.document(ctx, sess)
	if err != nil {
		return CompletionResponse{}, err
	}
	c, err := orchestrator.Complete(ctx, doc, cctx)
	if err != nil {
		return CompletionResponse{}, err
	}
	sess.Track(c)

	return CompletionResponse{
		Active:      true,
		Generation:  c.Generation,
		Token:       c.Token,
		Pos:         c.Pos,
		Items:       nonNilCandidates(orchestrator.Filter(c.Items, c.Token)),
		Placeholder: c.Placeholder,
		Streaming:   c.Streaming,
		Warning:     orchestrator.Warning(),
	}, nil
}

// Stream reports the refreshed list for generation. Any generation other
// than the session's latest is stale.
func (s *Service) Stream(sess *session.Session, generation uint64) StreamResponse {
	resp := StreamResponse{Generation: generation, Items: []completion.Candidate{}}
	latest := sess.Latest()
	if latest == nil || latest.Generation != generation || !sess.Completions.IsCurrent(generation) {
		resp.Stale = true
		return resp
	}

	select {
	case <-latest.Done():
		resp.Done = true
	default:
	}
	if items, ok := latest.Stream(); ok {
		resp.Ready = true
		resp.Items = nonNilCandidates(sess.Completions.Filter(items, latest.Token))
	}
	return resp
}

func nonNilCandidates(c []completion.Candidate) []completion.Candidate {
	if c == nil {
		return []completion.Candidate{}
	}
	return c
}
