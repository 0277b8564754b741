package bibliography

import "context"

// Status is the result tag the library server attaches to every reply.
type Status string

const (
	StatusOK           Status = "ok"
	StatusNotFound     Status = "notfound"
	StatusNoHost       Status = "nohost"
	StatusUnauthorized Status = "unauthorized"
	StatusError        Status = "error"
)

// Better BibTeX export parameters.
const (
	TranslatorBibLaTeX = "Better BibLaTeX"
	MyLibrary          = 1
)

// SpecsResult carries the collection tree. Specs is set only when Status is ok.
type SpecsResult struct {
	Status  Status
	Specs   []CollectionSpec
	Warning string
}

// CollectionsResult carries full collections. Collections is set only when
// Status is ok; Warning may be set with any status.
type CollectionsResult struct {
	Status      Status
	Collections []Collection
	Warning     string
}

// ExportResult is a formatted export of one or more items.
type ExportResult struct {
	Message string
}

// RemoteClient talks to the library server. Implementations should bound
// every call with the context; the sync provider imposes no timeouts itself.
type RemoteClient interface {
	GetCollectionSpecs(ctx context.Context, doc DocumentContext, roots []string) (SpecsResult, error)
	GetCollections(ctx context.Context, doc DocumentContext, roots []string, known []CollectionSpec, useCache bool) (CollectionsResult, error)
	// ExportFormat returns nil when the export tooling is unavailable.
	ExportFormat(ctx context.Context, keys []string, translator string, libraryID int) (*ExportResult, error)
}
