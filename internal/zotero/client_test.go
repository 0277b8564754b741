package zotero

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citekit/api/internal/bibliography"
)

var _ bibliography.RemoteClient = (*Client)(nil)

type recorded struct {
	path    string
	request rpcRequest
}

func newServer(t *testing.T, reply func(method string) (int, string)) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		calls = append(calls, recorded{path: r.URL.Path, request: req})
		mu.Unlock()
		status, body := reply(req.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

var doc = bibliography.DocumentContext{ID: "d1", Path: "/home/me/paper.qmd"}

func TestGetCollectionSpecs(t *testing.T) {
	srv, calls := newServer(t, func(string) (int, string) {
		return http.StatusOK, `{"result":{"status":"ok","message":[{"name":"CS","key":"K1","version":3},{"name":"Sub","key":"K2","parentKey":"K1","version":1}]}}`
	})
	c := NewClient(srv.URL+"/", time.Second, nil)

	result, err := c.GetCollectionSpecs(context.Background(), doc, []string{"CS"})
	require.NoError(t, err)
	assert.Equal(t, bibliography.StatusOK, result.Status)
	assert.Equal(t, []bibliography.CollectionSpec{
		{Name: "CS", Key: "K1", Version: 3},
		{Name: "Sub", Key: "K2", ParentKey: "K1", Version: 1},
	}, result.Specs)

	require.Len(t, calls(), 1)
	call := calls()[0]
	assert.Equal(t, "/rpc/"+MethodGetCollectionSpecs, call.path)
	assert.Equal(t, MethodGetCollectionSpecs, call.request.Method)
	assert.Equal(t, []any{"/home/me/paper.qmd", []any{"CS"}}, call.request.Params)
}

func TestGetCollectionsSendsKnownSpecs(t *testing.T) {
	srv, calls := newServer(t, func(string) (int, string) {
		return http.StatusOK, `{"result":{"status":"ok","warning":"Better BibTeX not installed","message":[
			{"name":"CS","key":"K1","version":3},
			{"name":"Math","key":"K3","version":2,"items":[{"id":"euler1748","title":"Introductio","issued":{"date-parts":[["1748"]]}}]}
		]}}`
	})
	c := NewClient(srv.URL, time.Second, nil)

	known := []bibliography.CollectionSpec{{Name: "CS", Key: "K1", Version: 3}}
	result, err := c.GetCollections(context.Background(), doc, []string{}, known, false)
	require.NoError(t, err)
	assert.Equal(t, "Better BibTeX not installed", result.Warning)
	require.Len(t, result.Collections, 2)
	assert.Nil(t, result.Collections[0].Items)
	require.Len(t, result.Collections[1].Items, 1)
	assert.Equal(t, 1748, result.Collections[1].Items[0].Year())

	params := calls()[0].request.Params
	require.Len(t, params, 4)
	assert.Equal(t, []any{map[string]any{"name": "CS", "key": "K1", "version": float64(3)}}, params[2])
	assert.Equal(t, false, params[3])
}

func TestGetCollectionsNonOKStatusDropsMessage(t *testing.T) {
	srv, _ := newServer(t, func(string) (int, string) {
		return http.StatusOK, `{"result":{"status":"nohost","message":[{"name":"x","key":"k","version":1}],"warning":"Zotero is not running"}}`
	})
	c := NewClient(srv.URL, time.Second, nil)

	result, err := c.GetCollections(context.Background(), doc, nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, bibliography.StatusNoHost, result.Status)
	assert.Nil(t, result.Collections)
	assert.Equal(t, "Zotero is not running", result.Warning)
}

func TestExportFormat(t *testing.T) {
	var n atomic.Int32
	srv, calls := newServer(t, func(string) (int, string) {
		// Better BibTeX goes away after the first export.
		status := "ok"
		if n.Add(1) > 1 {
			status = "error"
		}
		return http.StatusOK, `{"result":{"status":"` + status + `","message":"@article{knuth1984}"}}`
	})
	c := NewClient(srv.URL, time.Second, nil)

	result, err := c.ExportFormat(context.Background(), []string{"ABCD"}, bibliography.TranslatorBibLaTeX, bibliography.MyLibrary)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "@article{knuth1984}", result.Message)
	assert.Equal(t, []any{[]any{"ABCD"}, "Better BibLaTeX", float64(1)}, calls()[0].request.Params)

	result, err = c.ExportFormat(context.Background(), []string{"ABCD"}, bibliography.TranslatorBibLaTeX, bibliography.MyLibrary)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRPCErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		rpc    bool
	}{
		{"rpc error", http.StatusOK, `{"error":{"code":2,"message":"no such method"}}`, true},
		{"http error", http.StatusInternalServerError, `boom`, false},
		{"bad json", http.StatusOK, `{`, false},
		{"empty result", http.StatusOK, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, func(string) (int, string) { return tt.status, tt.body })
			c := NewClient(srv.URL, time.Second, nil)

			_, err := c.GetCollectionSpecs(context.Background(), doc, nil)
			require.Error(t, err)
			var rpcErr *RPCError
			assert.Equal(t, tt.rpc, errors.As(err, &rpcErr))
		})
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil)

	for i := 0; i < 5; i++ {
		_, err := c.GetCollectionSpecs(context.Background(), doc, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.GetCollectionSpecs(context.Background(), doc, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load())
}

func TestRPCErrorsDoNotTripBreaker(t *testing.T) {
	srv, calls := newServer(t, func(string) (int, string) {
		return http.StatusOK, `{"error":{"code":1,"message":"bad params"}}`
	})
	c := NewClient(srv.URL, time.Second, nil)

	for i := 0; i < 8; i++ {
		_, err := c.GetCollectionSpecs(context.Background(), doc, nil)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Len(t, calls(), 8)
}
