// Package manifest builds the client asset manifest handed to the consumer
// for rendering.
package manifest

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/pithecene-io/kiln/types"
)

var cssRequest = regexp.MustCompile(`\.(?:css|scss|sass|less|styl(?:us)?|postcss|pcss|sss)(?:\?|$)`)

// Graph is the module index the manifest is derived from. *graph.Store
// implements it.
type Graph interface {
	IDs() []string
	Importers(id string) []string
}

// Options configures Build.
type Options struct {
	// ClientEntry is the client bundle entry id. Empty omits the entry.
	ClientEntry string
	// NoScripts omits the client entry so pages render without scripts.
	NoScripts bool
}

// IsCSS reports whether id is a stylesheet request.
func IsCSS(id string) bool {
	return cssRequest.MatchString(id)
}

// hasQuery reports whether id carries the query parameter name.
func hasQuery(id, name string) bool {
	i := strings.IndexByte(id, '?')
	if i < 0 {
		return false
	}
	q, err := url.ParseQuery(id[i+1:])
	if err != nil {
		return false
	}
	return q.Has(name)
}

// Build returns the manifest for the modules currently known to g. The
// client runtime entry lists every stylesheet except raw imports and
// stylesheets only reachable through raw importers.
func Build(g Graph, opts Options) types.Manifest {
	css := []string{}
	for _, id := range g.IDs() {
		if !IsCSS(id) || hasQuery(id, "raw") {
			continue
		}
		if allRaw(g.Importers(id)) {
			continue
		}
		css = append(css, id)
	}

	m := types.Manifest{
		types.ClientRuntimeID: {
			File:    types.ClientRuntimeID,
			CSS:     css,
			Module:  true,
			IsEntry: true,
		},
	}
	if opts.ClientEntry != "" && !opts.NoScripts {
		m[opts.ClientEntry] = types.ManifestEntry{
			File:         opts.ClientEntry,
			Module:       true,
			IsEntry:      true,
			ResourceType: types.ResourceTypeScript,
		}
	}
	return m
}

// allRaw is true when every importer is a raw import. A stylesheet with no
// recorded importers is not part of any page.
func allRaw(importers []string) bool {
	for _, imp := range importers {
		if !hasQuery(imp, "raw") {
			return false
		}
	}
	return true
}
