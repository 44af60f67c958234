package graph

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const identPrefix = "$id_"

// Idents assigns stable JavaScript identifiers to module ids. Identifiers
// derive from a hash of the id; a collision within one Idents gets a numeric
// suffix, so assignment order must be deterministic for output to be.
type Idents struct {
	byID  map[string]string
	taken map[string]string
}

// NewIdents creates an empty identifier table.
func NewIdents() *Idents {
	return &Idents{byID: make(map[string]string), taken: make(map[string]string)}
}

// HashIdent returns the unsuffixed identifier for id.
func HashIdent(id string) string {
	return identPrefix + strconv.FormatUint(xxhash.Sum64String(id), 16)
}

// Assign returns the identifier for id, allocating one on first use.
func (t *Idents) Assign(id string) string {
	if ident, ok := t.byID[id]; ok {
		return ident
	}
	base := HashIdent(id)
	ident := base
	for n := 1; ; n++ {
		owner, used := t.taken[ident]
		if !used || owner == id {
			break
		}
		ident = base + "_" + strconv.Itoa(n)
	}
	t.byID[id] = ident
	t.taken[ident] = id
	return ident
}

// Lookup returns the identifier already assigned to id.
func (t *Idents) Lookup(id string) (string, bool) {
	ident, ok := t.byID[id]
	return ident, ok
}
