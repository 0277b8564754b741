// Package search finds sources in a session's synced library, through
// Meilisearch when it is reachable and an in-memory matcher otherwise.
package search

import (
	"crypto/sha1"
	"encoding/hex"

	"citekit/api/internal/bibliography"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CiteID         string   `json:"citeId"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Year           int      `json:"year,omitempty"`
	Type           string   `json:"type,omitempty"`
	ContainerTitle string   `json:"containerTitle,omitempty"`
	Snippet        string   `json:"snippet,omitempty"`
}

// Query describes a search request scoped to one document session.
type Query struct {
	SessionID  string
	Text       string
	Collection string // empty = all collections
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a library search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SourceRecord is the data we index for a source.
type SourceRecord struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionId"`
	CiteID         string   `json:"citeId"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Year           int      `json:"year"`
	Type           string   `json:"type"`
	ContainerTitle string   `json:"containerTitle"`
	DOI            string   `json:"doi"`
	CollectionKeys []string `json:"collectionKeys"`
}

// NewSourceRecord builds the index record for a source in a session.
// Meilisearch primary keys only allow [A-Za-z0-9_-], so the id is hashed.
func NewSourceRecord(sessionID string, s bibliography.Source) SourceRecord {
	sum := sha1.Sum([]byte(sessionID + "\x00" + s.ID + "\x00" + s.Key))
	return SourceRecord{
		ID:             hex.EncodeToString(sum[:]),
		SessionID:      sessionID,
		CiteID:         s.ID,
		Title:          s.Title,
		Authors:        authorNames(s.Author),
		Year:           s.Year(),
		Type:           s.Type,
		ContainerTitle: s.ContainerTitle,
		DOI:            s.DOI,
		CollectionKeys: s.CollectionKeys,
	}
}

func resultFromSource(s bibliography.Source) Result {
	return Result{
		CiteID:         s.ID,
		Title:          s.Title,
		Authors:        authorNames(s.Author),
		Year:           s.Year(),
		Type:           s.Type,
		ContainerTitle: s.ContainerTitle,
	}
}

func authorNames(authors []bibliography.Author) []string {
	names := make([]string, 0, len(authors))
	for _, a := range authors {
		if name := a.DisplayName(); name != "" {
			names = append(names, name)
		}
	}
	return names
}
