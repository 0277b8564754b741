// Package xref stores the cross-reference targets (figures, tables, sections,
// equations) that a document can cite with @type-label.
package xref

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Xref is one citable cross-reference target.
type Xref struct {
	Type   string `json:"type" validate:"required"`
	ID     string `json:"id" validate:"required"`
	Suffix string `json:"suffix,omitempty"`
	Title  string `json:"title,omitempty"`
	File   string `json:"file,omitempty"`
}

// Key returns the citation key, e.g. "fig-plot".
func (x Xref) Key() string {
	return x.Type + "-" + x.ID + x.Suffix
}

// RedisIndex keeps each document's cross-references in Redis, where the
// project indexer publishes them.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex creates a new Redis-backed index
func NewRedisIndex(redisURL string) (*RedisIndex, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisIndex{
		client: client,
		prefix: "xref:",
	}, nil
}

// NewRedisIndexWithClient creates an index from an existing Redis client
func NewRedisIndexWithClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{
		client: client,
		prefix: "xref:",
	}
}

func (s *RedisIndex) key(documentID string) string {
	return s.prefix + documentID
}

// SaveXrefs replaces a document's cross-references. A zero ttl keeps them
// until replaced.
func (s *RedisIndex) SaveXrefs(ctx context.Context, documentID string, xrefs []Xref, ttl time.Duration) error {
	if xrefs == nil {
		xrefs = []Xref{}
	}
	data, err := json.Marshal(xrefs)
	if err != nil {
		return fmt.Errorf("marshal xrefs: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save xrefs: %w", err)
	}
	return nil
}

// Xrefs returns a document's cross-references; none is not an error.
func (s *RedisIndex) Xrefs(ctx context.Context, documentID string) ([]Xref, error) {
	data, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if err == redis.Nil {
		return []Xref{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup xrefs: %w", err)
	}

	var xrefs []Xref
	if err := json.Unmarshal(data, &xrefs); err != nil {
		return nil, fmt.Errorf("unmarshal xrefs: %w", err)
	}
	return xrefs, nil
}

// DeleteXrefs drops a document's cross-references.
func (s *RedisIndex) DeleteXrefs(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("delete xrefs: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisIndex) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisIndex) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
