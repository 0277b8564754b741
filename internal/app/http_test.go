package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citekit/api/internal/bibliography"
	"citekit/api/internal/config"
	"citekit/api/internal/metrics"
	"citekit/api/internal/store"
	"citekit/api/internal/xref"
)

type fakeStore struct {
	mu     sync.Mutex
	docs   map[string]store.Document
	pingFn func(context.Context) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("get document %s: %w", documentID, sql.ErrNoRows)
	}
	return doc, nil
}

func (f *fakeStore) UpsertDocument(_ context.Context, documentID, path string, frontMatter []string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = map[string]store.Document{}
	}
	doc := store.Document{ID: documentID, Path: path, FrontMatter: frontMatter, UpdatedAt: time.Now()}
	f.docs[documentID] = doc
	return doc, nil
}

type fakeLibrary struct {
	mu    sync.Mutex
	roots [][]string
}

func (f *fakeLibrary) GetCollectionSpecs(_ context.Context, _ bibliography.DocumentContext, roots []string) (bibliography.SpecsResult, error) {
	return bibliography.SpecsResult{Status: bibliography.StatusOK, Specs: []bibliography.CollectionSpec{
		{Name: "CS", Key: "K1", Version: 1},
	}}, nil
}

func (f *fakeLibrary) GetCollections(_ context.Context, _ bibliography.DocumentContext, roots []string, _ []bibliography.CollectionSpec, _ bool) (bibliography.CollectionsResult, error) {
	f.mu.Lock()
	f.roots = append(f.roots, roots)
	f.mu.Unlock()
	return bibliography.CollectionsResult{Status: bibliography.StatusOK, Collections: []bibliography.Collection{{
		CollectionSpec: bibliography.CollectionSpec{Name: "CS", Key: "K1", Version: 1},
		Items: []bibliography.Source{
			{ID: "knuth1984", Key: "ABCD", Title: "Literate Programming", Author: []bibliography.Author{{Family: "Knuth"}}},
			{ID: "dijkstra1968", Title: "Go To Statement Considered Harmful", Author: []bibliography.Author{{Family: "Dijkstra"}}},
		},
	}}}, nil
}

func (f *fakeLibrary) ExportFormat(_ context.Context, keys []string, _ string, _ int) (*bibliography.ExportResult, error) {
	return &bibliography.ExportResult{Message: "@article{" + strings.Join(keys, ",") + "}"}, nil
}

type testEnv struct {
	server  http.Handler
	service *Service
	store   *fakeStore
	library *fakeLibrary
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		TokenSecret:     "test-secret",
		SessionTTL:      time.Hour,
		UseBetterBibTeX: true,
		MaxCompletions:  50,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	redis := miniredis.RunT(t)
	index, err := xref.NewRedisIndex("redis://" + redis.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	fs := &fakeStore{}
	lib := &fakeLibrary{}
	svc := NewService(cfg, fs, lib, index, nil, metrics.New(), nil)
	t.Cleanup(svc.Sessions().Shutdown)
	return &testEnv{
		server:  NewHTTPServer(svc, "*", nil).Handler(),
		service: svc,
		store:   fs,
		library: lib,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr.Code, payload
}

func (e *testEnv) openSession(t *testing.T, frontMatter ...string) (string, string) {
	t.Helper()
	status, _ := e.do(t, http.MethodPut, "/api/documents/doc-1", "", map[string]any{
		"path":        "/papers/thesis.qmd",
		"frontMatter": frontMatter,
	})
	require.Equal(t, http.StatusOK, status)

	status, payload := e.do(t, http.MethodPost, "/api/sessions", "", map[string]any{"documentId": "doc-1"})
	require.Equal(t, http.StatusCreated, status, payload)
	return payload["sessionId"].(string), payload["token"].(string)
}

func itemIDs(t *testing.T, payload map[string]any) []string {
	t.Helper()
	raw, ok := payload["items"].([]any)
	require.True(t, ok, payload)
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		ids = append(ids, item.(map[string]any)["id"].(string))
	}
	return ids
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	status, payload := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["ok"])

	status, payload = env.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", payload["status"])

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	status, payload = env.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not_ready", payload["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openSession(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "citekit_open_sessions 1")
}

func TestPutDocumentValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	status, payload := env.do(t, http.MethodPut, "/api/documents/doc-1", "", map[string]any{"frontMatter": []string{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", payload["code"])
	details := payload["details"].([]any)
	assert.Equal(t, "path", details[0].(map[string]any)["field"])

	status, payload = env.do(t, http.MethodPut, "/api/documents/doc-1/xrefs", "", map[string]any{
		"xrefs": []map[string]any{{"type": "fig"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "xrefs[0].id", payload["details"].([]any)[0].(map[string]any)["field"])
}

func TestOpenSessionRequiresDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	status, payload := env.do(t, http.MethodPost, "/api/sessions", "", map[string]any{"documentId": "missing"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	status, _ = env.do(t, http.MethodPost, "/api/sessions", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionRoutesRequireMatchingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID, token := env.openSession(t)
	otherID, otherToken := env.openSession(t)

	status, _ := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/bibliography/load", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/bibliography/load", otherToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+otherID+"/bibliography/load", otherToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, token, nil)
	assert.Equal(t, http.StatusOK, status)
	status, payload := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/bibliography/load", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SESSION_NOT_FOUND", payload["code"])
}

func TestBibliographyRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID, token := env.openSession(t, "title: Thesis\n", "zotero: CS\n")
	base := "/api/sessions/" + sessionID + "/bibliography"

	status, payload := env.do(t, http.MethodPost, base+"/load", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["hasUpdates"])
	assert.Equal(t, true, payload["active"])
	assert.Equal(t, float64(2), payload["items"])
	assert.Equal(t, [][]string{{"CS"}}, env.library.roots)

	status, payload = env.do(t, http.MethodPost, base+"/load", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["hasUpdates"])

	status, payload = env.do(t, http.MethodGet, base+"/collections", token, nil)
	require.Equal(t, http.StatusOK, status)
	collections := payload["collections"].([]any)
	require.Len(t, collections, 1)
	assert.Equal(t, bibliography.ProviderKey, collections[0].(map[string]any)["provider"])

	status, payload = env.do(t, http.MethodGet, base+"/items?collection=K1", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"knuth1984", "dijkstra1968"}, itemIDs(t, payload))

	status, payload = env.do(t, http.MethodGet, base+"/items?collection=nope", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), payload["total"])

	status, payload = env.do(t, http.MethodGet, base+"/search?q=harmful&limit=5", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "memory", payload["backend"])
	results := payload["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "dijkstra1968", results[0].(map[string]any)["citeId"])

	status, payload = env.do(t, http.MethodPost, base+"/export", token, map[string]any{"id": "knuth1984"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "@article{ABCD}", payload["biblatex"])

	status, payload = env.do(t, http.MethodPost, base+"/export", token, map[string]any{"id": "dijkstra1968"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "EXPORT_UNAVAILABLE", payload["code"])

	status, payload = env.do(t, http.MethodPost, base+"/export", token, map[string]any{"id": "missing"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SOURCE_NOT_FOUND", payload["code"])
}

func TestExportRespectsPreference(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.UseBetterBibTeX = false })
	sessionID, token := env.openSession(t)
	base := "/api/sessions/" + sessionID + "/bibliography"

	status, _ := env.do(t, http.MethodPost, base+"/load", token, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, base+"/export", token, map[string]any{"id": "knuth1984"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestCompletionRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID, token := env.openSession(t)
	status, _ := env.do(t, http.MethodPut, "/api/documents/doc-1/xrefs", "", map[string]any{
		"xrefs": []map[string]any{{"type": "fig", "id": "plot", "title": "A plot"}},
	})
	require.Equal(t, http.StatusOK, status)
	base := "/api/sessions/" + sessionID + "/completions"

	status, payload := env.do(t, http.MethodPost, base, token, map[string]any{"text": "no citation here", "cursor": 2})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["active"])

	status, _ = env.do(t, http.MethodPost, base, token, map[string]any{"text": "x", "cursor": 5})
	assert.Equal(t, http.StatusBadRequest, status)

	// Cold start: nothing loaded, so the result waits for every provider.
	status, payload = env.do(t, http.MethodPost, base, token, map[string]any{"text": "see @", "cursor": 5})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["active"])
	assert.Equal(t, false, payload["streaming"])
	assert.Equal(t, "or DOI", payload["placeholder"])
	assert.Equal(t, []string{"dijkstra1968", "fig-plot", "knuth1984"}, itemIDs(t, payload))

	// Loaded: first paint plus a streamed refresh.
	status, payload = env.do(t, http.MethodPost, base, token, map[string]any{"text": "see @kn", "cursor": 7})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["streaming"])
	assert.Equal(t, "kn", payload["token"])
	assert.Equal(t, float64(5), payload["pos"])
	assert.Equal(t, []string{"knuth1984"}, itemIDs(t, payload))
	generation := fmt.Sprint(payload["generation"])

	require.Eventually(t, func() bool {
		_, p := env.do(t, http.MethodGet, base+"/stream?generation="+generation, token, nil)
		return p["done"] == true
	}, 2*time.Second, 10*time.Millisecond)
	status, payload = env.do(t, http.MethodGet, base+"/stream?generation="+generation, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["stale"])
	assert.Equal(t, true, payload["ready"])
	assert.Equal(t, []string{"knuth1984"}, itemIDs(t, payload))

	status, payload = env.do(t, http.MethodPost, base, token, map[string]any{"text": "see @knuth1984.", "cursor": 15})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["active"])
	assert.Empty(t, itemIDs(t, payload))

	status, payload = env.do(t, http.MethodGet, base+"/stream?generation="+generation, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["stale"])

	status, _ = env.do(t, http.MethodGet, base+"/stream?generation=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	status, payload := env.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	status, _ = env.do(t, http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	sessionID, token := env.openSession(t)
	status, _ = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/unknown", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
