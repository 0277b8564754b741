// Package zotero is the RPC client for the library server that fronts a
// user's Zotero library.
package zotero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"citekit/api/internal/bibliography"
)

// RPC method names served by the library server.
const (
	MethodGetCollectionSpecs = "zotero_get_active_collection_specs"
	MethodGetCollections     = "zotero_get_collections"
	MethodBetterBibTeXExport = "zotero_better_bibtex_export"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("library server unavailable")

// RPCError is an error reported by the server inside a well-formed reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// reply is the status envelope every library method returns.
type reply[T any] struct {
	Status  bibliography.Status `json:"status"`
	Message T                   `json:"message"`
	Warning string              `json:"warning"`
}

// Client implements bibliography.RemoteClient over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a client for the server at baseURL. Every call is bounded
// by timeout in addition to the caller's context.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "zotero",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Server-side errors mean the transport works.
			var rpcErr *RPCError
			return err == nil || errors.As(err, &rpcErr) || errors.Is(err, context.Canceled)
		},
	})
	return c
}

// GetCollectionSpecs fetches the collection tree below roots.
func (c *Client) GetCollectionSpecs(ctx context.Context, doc bibliography.DocumentContext, roots []string) (bibliography.SpecsResult, error) {
	var r reply[[]bibliography.CollectionSpec]
	if err := c.call(ctx, MethodGetCollectionSpecs, []any{doc.Path, roots}, &r); err != nil {
		return bibliography.SpecsResult{}, err
	}
	result := bibliography.SpecsResult{Status: r.Status, Warning: r.Warning}
	if r.Status == bibliography.StatusOK {
		result.Specs = r.Message
	}
	return result, nil
}

// GetCollections fetches collections below roots. known lets the server skip
// items for collections whose version the caller already has.
func (c *Client) GetCollections(ctx context.Context, doc bibliography.DocumentContext, roots []string, known []bibliography.CollectionSpec, useCache bool) (bibliography.CollectionsResult, error) {
	if known == nil {
		known = []bibliography.CollectionSpec{}
	}
	var r reply[[]bibliography.Collection]
	if err := c.call(ctx, MethodGetCollections, []any{doc.Path, roots, known, useCache}, &r); err != nil {
		return bibliography.CollectionsResult{}, err
	}
	result := bibliography.CollectionsResult{Status: r.Status, Warning: r.Warning}
	if r.Status == bibliography.StatusOK {
		result.Collections = r.Message
	}
	return result, nil
}

// ExportFormat runs a Better BibTeX export. It returns nil when Better BibTeX
// is not available on the server.
func (c *Client) ExportFormat(ctx context.Context, keys []string, translator string, libraryID int) (*bibliography.ExportResult, error) {
	var r reply[string]
	if err := c.call(ctx, MethodBetterBibTeXExport, []any{keys, translator, libraryID}, &r); err != nil {
		return nil, err
	}
	if r.Status != bibliography.StatusOK {
		return nil, nil
	}
	return &bibliography.ExportResult{Message: r.Message}, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, method, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", method, ErrUnavailable)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("call %s: %w", method, envelope.Error)
	}
	if len(envelope.Result) == 0 {
		return fmt.Errorf("call %s: empty result", method)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	c.logger.Debug("rpc call", zap.String("method", method), zap.Duration("duration", time.Since(started)))
	return nil
}
