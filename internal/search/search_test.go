package search

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citekit/api/internal/bibliography"
)

func year(y int) *bibliography.Date {
	return &bibliography.Date{DateParts: [][]bibliography.DatePart{{bibliography.DatePart(y)}}}
}

var library = []bibliography.Source{
	{ID: "knuth1984", Title: "Literate Programming", Author: []bibliography.Author{{Family: "Knuth", Given: "Donald"}}, Issued: year(1984), CollectionKeys: []string{"CS"}},
	{ID: "dijkstra1968", Title: "Go To Statement Considered Harmful", Author: []bibliography.Author{{Family: "Dijkstra"}}, Issued: year(1968), CollectionKeys: []string{"CS"}},
	{ID: "smith2020", Title: "Knuth's Legacy", Author: []bibliography.Author{{Family: "Smith"}}, Issued: year(2020), CollectionKeys: []string{"HIST"}},
	{ID: "theknuthbook", Title: "A Book", Author: []bibliography.Author{{Family: "Doe"}}, CollectionKeys: []string{"HIST"}},
}

func ids(sources []bibliography.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.ID)
	}
	return out
}

func TestMatchSourcesRanking(t *testing.T) {
	page, total := MatchSources(library, "knuth", 10, 0)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"knuth1984", "theknuthbook", "smith2020"}, ids(page))
}

func TestMatchSourcesAllWordsMustMatch(t *testing.T) {
	page, _ := MatchSources(library, "dijkstra harmful", 10, 0)
	assert.Equal(t, []string{"dijkstra1968"}, ids(page))

	page, _ = MatchSources(library, "dijkstra 2020", 10, 0)
	assert.Empty(t, page)

	page, _ = MatchSources(library, "1984", 10, 0)
	assert.Equal(t, []string{"knuth1984"}, ids(page))
}

func TestMatchSourcesPaging(t *testing.T) {
	page, total := MatchSources(library, "", 2, 1)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"dijkstra1968", "smith2020"}, ids(page))

	page, total = MatchSources(library, "", 2, 10)
	assert.Equal(t, 4, total)
	assert.Empty(t, page)
	assert.NotNil(t, page)
}

func TestServiceFallsBackToMemory(t *testing.T) {
	var gotSession, gotCollection string
	memory := NewMemory(func(sessionID, collection string) []bibliography.Source {
		gotSession, gotCollection = sessionID, collection
		// Duplicated across collections.
		return append(library, library[0])
	})
	svc := NewService(nil, memory, nil)

	resp := svc.Search(Query{SessionID: "s1", Text: "knuth", Collection: "CS"})
	assert.Equal(t, "s1", gotSession)
	assert.Equal(t, "CS", gotCollection)
	assert.Equal(t, "memory", resp.Backend)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "knuth1984", resp.Results[0].CiteID)
	assert.Equal(t, []string{"Knuth"}, resp.Results[0].Authors)
	assert.Equal(t, 1984, resp.Results[0].Year)
}

func TestNewSourceRecordIDIsIndexSafe(t *testing.T) {
	r := NewSourceRecord("session/1", bibliography.Source{ID: "smith:2020", Title: "T"})
	assert.Regexp(t, `^[a-f0-9]{40}$`, r.ID)
	assert.Equal(t, "session/1", r.SessionID)
	assert.Equal(t, "smith:2020", r.CiteID)
	assert.NotEqual(t, r.ID, NewSourceRecord("session/2", bibliography.Source{ID: "smith:2020"}).ID)
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"citeId":     json.RawMessage(`"knuth1984"`),
		"title":      json.RawMessage(`"Literate Programming"`),
		"authors":    json.RawMessage(`["Knuth"]`),
		"year":       json.RawMessage(`1984`),
		"_formatted": json.RawMessage(`{"title":" <mark>Literate</mark> Programming ","year":"1984"}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "knuth1984", r.CiteID)
	assert.Equal(t, []string{"Knuth"}, r.Authors)
	assert.Equal(t, 1984, r.Year)
	assert.Equal(t, "<mark>Literate</mark> Programming", r.Snippet)
}

func TestSessionFilter(t *testing.T) {
	assert.Equal(t, []string{`sessionId = "s1"`}, sessionFilter(Query{SessionID: "s1"}))
	assert.Equal(t, []string{`sessionId = "s1"`, `collectionKeys = "CS"`}, sessionFilter(Query{SessionID: "s1", Collection: "CS"}))
}

// fakeMeili answers the Meilisearch routes the client uses. Every write is
// accepted as task 1, which always reports success.
type fakeMeili struct {
	mu       sync.Mutex
	requests []string
}

func newFakeMeili(t *testing.T) (*fakeMeili, *Meili) {
	t.Helper()
	f := &fakeMeili{}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	m := NewMeili(srv.URL, "", nil)
	t.Cleanup(m.Close)
	require.True(t, m.Healthy())
	return f, m
}

func (f *fakeMeili) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/health":
		fmt.Fprint(w, `{"status":"available"}`)
	case strings.HasPrefix(r.URL.Path, "/tasks/"):
		uid := strings.TrimPrefix(r.URL.Path, "/tasks/")
		fmt.Fprintf(w, `{"uid":%s,"taskUid":%s,"status":"succeeded","indexUid":"citekit_sources","type":"documentAdditionOrUpdate"}`, uid, uid)
	case r.URL.Path == "/multi-search":
		fmt.Fprint(w, `{"results":[{"indexUid":"citekit_sources","hits":[{"citeId":"knuth1984","title":"Literate Programming","authors":["Knuth"],"year":1984}],"estimatedTotalHits":1}]}`)
	default:
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"taskUid":1,"indexUid":"citekit_sources","status":"enqueued","type":"documentAdditionOrUpdate"}`)
	}
}

func (f *fakeMeili) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeMeili) count(request string) int {
	n := 0
	for _, r := range f.seen() {
		if r == request {
			n++
		}
	}
	return n
}

func TestServiceSearchesMemoryUntilSessionIndexed(t *testing.T) {
	fake, m := newFakeMeili(t)
	svc := NewService(m, NewMemory(func(string, string) []bibliography.Source { return library }), nil)

	resp := svc.Search(Query{SessionID: "s1", Text: "literate"})
	assert.Equal(t, "memory", resp.Backend)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "knuth1984", resp.Results[0].CiteID)

	// The miss schedules the session for indexing.
	require.Eventually(t, func() bool { return m.Indexed("s1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fake.count("POST /indexes/citekit_sources/documents"))

	resp = svc.Search(Query{SessionID: "s1", Text: "literate"})
	assert.Equal(t, "meilisearch", resp.Backend)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, []string{"Knuth"}, resp.Results[0].Authors)
}

func TestServiceSkipsIndexingEmptySession(t *testing.T) {
	fake, m := newFakeMeili(t)
	svc := NewService(m, NewMemory(func(string, string) []bibliography.Source { return nil }), nil)

	resp := svc.Search(Query{SessionID: "s1", Text: "knuth"})
	assert.Equal(t, "memory", resp.Backend)
	assert.Empty(t, resp.Results)
	assert.False(t, svc.queued("s1"))
	assert.Zero(t, fake.count("POST /indexes/citekit_sources/documents"))
}

func TestMeiliDeleteSessionBatches(t *testing.T) {
	fake, m := newFakeMeili(t)
	records := make([]SourceRecord, 0, len(library))
	for _, s := range library {
		records = append(records, NewSourceRecord("s1", s))
	}

	require.NoError(t, m.IndexSources("s1", records))
	assert.True(t, m.Indexed("s1"))
	assert.False(t, m.Indexed("s2"))

	require.NoError(t, m.DeleteSession("s1"))
	assert.False(t, m.Indexed("s1"))
	assert.Equal(t, 1, fake.count("POST /indexes/citekit_sources/documents/delete-batch"))
	for _, r := range fake.seen() {
		assert.NotContains(t, r, "DELETE /indexes/citekit_sources/documents/")
	}

	// Nothing left to remove.
	require.NoError(t, m.DeleteSession("s1"))
	assert.Equal(t, 1, fake.count("POST /indexes/citekit_sources/documents/delete-batch"))
}

func TestServiceDropsIndexJobsAfterClose(t *testing.T) {
	_, m := newFakeMeili(t)
	svc := NewService(m, NewMemory(func(string, string) []bibliography.Source { return library }), nil)

	svc.IndexSession("s1", library)
	svc.DeleteSession("s1")
	svc.IndexSession("s1", library)
	require.Eventually(t, func() bool { return !svc.queued("s1") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.Indexed("s1"))

	svc.IndexSession("s2", library)
	require.Eventually(t, func() bool { return m.Indexed("s2") }, 2*time.Second, 10*time.Millisecond)
}
