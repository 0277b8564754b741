package store

import "time"

// Document is an editor document as the citation service sees it: where it
// lives and the YAML front-matter blocks that configure it.
type Document struct {
	ID          string
	Path        string
	FrontMatter []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
