// Package bibliography keeps a document's view of a remote reference library
// in sync with the library server and exposes the flattened, citable sources.
package bibliography

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ProviderKey identifies sources that came from the Zotero library.
const ProviderKey = "2509FBBE-5BB0-44C4-B119-6083A81ED673"

// ProviderName is the display name of the Zotero provider.
const ProviderName = "Zotero"

// CollectionSpec describes a collection's place in the library tree without
// its items.
type CollectionSpec struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	ParentKey string `json:"parentKey,omitempty"`
	Version   int    `json:"version"`
}

// Collection is a named grouping of sources. Items is nil when the server only
// returned the tree shape for this collection.
type Collection struct {
	CollectionSpec
	Items []Source `json:"items,omitempty"`
}

// Spec returns the collection without its items.
func (c Collection) Spec() CollectionSpec {
	return c.CollectionSpec
}

// CollectionInfo is the tree record handed to collection pickers.
type CollectionInfo struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	ParentKey string `json:"parentKey,omitempty"`
	Provider  string `json:"provider"`
}

// Author is a CSL name.
type Author struct {
	Family  string `json:"family,omitempty"`
	Given   string `json:"given,omitempty"`
	Literal string `json:"literal,omitempty"`
}

// DisplayName returns the family name, falling back to the literal name.
func (a Author) DisplayName() string {
	if a.Family != "" {
		return a.Family
	}
	return a.Literal
}

// Date is a CSL date. Date parts may arrive as numbers or strings.
type Date struct {
	DateParts [][]DatePart `json:"date-parts,omitempty"`
	Raw       string       `json:"raw,omitempty"`
}

// Year returns the first date part, or 0 when unknown.
func (d *Date) Year() int {
	if d == nil || len(d.DateParts) == 0 || len(d.DateParts[0]) == 0 {
		return 0
	}
	return int(d.DateParts[0][0])
}

// DatePart is one component of a CSL date.
type DatePart int

func (p *DatePart) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = DatePart(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		*p = 0
		return nil
	}
	*p = DatePart(parsed)
	return nil
}

// Source is a single citable work in CSL form. Fields not modelled here are
// kept opaque in Extra.
type Source struct {
	ID             string                     `json:"id"`
	Key            string                     `json:"key,omitempty"`
	Type           string                     `json:"type,omitempty"`
	Title          string                     `json:"title,omitempty"`
	Author         []Author                   `json:"author,omitempty"`
	Issued         *Date                      `json:"issued,omitempty"`
	ContainerTitle string                     `json:"container-title,omitempty"`
	DOI            string                     `json:"DOI,omitempty"`
	URL            string                     `json:"URL,omitempty"`
	Extra          map[string]json.RawMessage `json:"extra,omitempty"`
	ProviderKey    string                     `json:"providerKey,omitempty"`
	CollectionKeys []string                   `json:"collectionKeys,omitempty"`
}

// Year returns the issued year or 0.
func (s Source) Year() int {
	return s.Issued.Year()
}

// InCollection reports whether the source belongs to the collection key.
func (s Source) InCollection(key string) bool {
	for _, k := range s.CollectionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// DocumentContext identifies the document a sync cycle runs for.
type DocumentContext struct {
	ID   string
	Path string
}
