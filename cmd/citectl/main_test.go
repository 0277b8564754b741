package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"citekit/api/internal/bibliography"
)

func TestDirectiveFromFlags(t *testing.T) {
	flagCollections = nil
	t.Cleanup(func() { flagCollections = nil })

	assert.Equal(t, bibliography.EnabledAll, directive())
	assert.Nil(t, frontMatter())

	flagCollections = []string{"Thesis", "Reading List"}
	assert.Equal(t, bibliography.Named("Thesis", "Reading List"), directive())
	assert.Equal(t, directive(), bibliography.ParseDirective(frontMatter()))
}
