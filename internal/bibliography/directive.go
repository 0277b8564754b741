package bibliography

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DirectiveKey is the front-matter key that controls the library integration.
const DirectiveKey = "zotero"

// DirectiveMode says which collections a document uses.
type DirectiveMode int

const (
	// DirectiveAll enables every collection in the library.
	DirectiveAll DirectiveMode = iota
	// DirectiveDisabled turns the integration off for the document.
	DirectiveDisabled
	// DirectiveNamed restricts the integration to named root collections.
	DirectiveNamed
)

// Directive is the resolved `zotero:` setting of a document.
type Directive struct {
	Mode        DirectiveMode
	Collections []string
}

// EnabledAll is the default when a document says nothing.
var EnabledAll = Directive{Mode: DirectiveAll}

// Disabled turns the integration off.
var Disabled = Directive{Mode: DirectiveDisabled}

// Named restricts the integration to the given root collections.
func Named(collections ...string) Directive {
	return Directive{Mode: DirectiveNamed, Collections: collections}
}

// Enabled reports whether the document uses the library at all.
func (d Directive) Enabled() bool {
	return d.Mode != DirectiveDisabled
}

// Roots returns the root collection names to request; empty means all.
func (d Directive) Roots() []string {
	if d.Mode != DirectiveNamed {
		return []string{}
	}
	return d.Collections
}

func (d Directive) String() string {
	switch d.Mode {
	case DirectiveDisabled:
		return "disabled"
	case DirectiveNamed:
		return "named:" + strings.Join(d.Collections, "\x1f")
	default:
		return "all"
	}
}

// ParseDirective reads the `zotero:` key from a document's YAML front-matter
// blocks. The last block that sets the key wins, matching how pandoc treats
// repeated metadata. Blocks that fail to parse are ignored.
//
//	zotero: true | false      all collections, or none
//	zotero: Thesis            one named collection
//	zotero: [Thesis, Papers]  several named collections
func ParseDirective(yamlBlocks []string) Directive {
	var value any
	found := false
	for _, block := range yamlBlocks {
		var parsed map[string]any
		if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		v, ok := parsed[DirectiveKey]
		if !ok || v == nil {
			continue
		}
		value = v
		found = true
	}
	if !found {
		return EnabledAll
	}
	return directiveFromValue(value)
}

func directiveFromValue(value any) Directive {
	switch v := value.(type) {
	case bool:
		if v {
			return EnabledAll
		}
		return Disabled
	case string:
		return Named(v)
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			names = append(names, fmt.Sprint(item))
		}
		return Named(names...)
	default:
		return EnabledAll
	}
}
