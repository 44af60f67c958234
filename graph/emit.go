package graph

import (
	"strings"

	"github.com/pithecene-io/kiln/resolve"
)

// Bundle is an emitted loader bundle.
type Bundle struct {
	Entry  string
	Code   string
	IDs    []string
	Idents *Idents
}

var commentSafe = strings.NewReplacer(
	"\r\n", " ",
	"\n", " ",
	"\r", " ",
	"\u2028", " ",
	"\u2029", " ",
	"\x00", "\\0",
)

// Emit renders g as a self-contained ES module: one constant per module,
// the module manifest, the loader runtime and a default export awaiting the
// entry module.
func Emit(g *Graph) *Bundle {
	idents := NewIdents()
	ids := make([]string, 0, len(g.Order))
	var b strings.Builder

	for _, e := range g.Order {
		ident := idents.Assign(e.ID)
		ids = append(ids, e.ID)
		writeChunkHeader(&b, e)
		b.WriteString("const ")
		b.WriteString(ident)
		b.WriteString(" = ")
		b.WriteString(e.Code)
		b.WriteString("\n\n")
	}

	b.WriteString("const __modules__ = {\n")
	for _, id := range ids {
		ident, _ := idents.Lookup(id)
		b.WriteString("  ")
		b.WriteString(resolve.QuoteJS(id))
		b.WriteString(": ")
		b.WriteString(ident)
		b.WriteString(",\n")
	}
	b.WriteString("}\n\n")

	b.WriteString("const __dynamicModules__ = new Set([")
	first := true
	for _, e := range g.Order {
		if !e.IsDynamic {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(resolve.QuoteJS(e.ID))
	}
	b.WriteString("])\n\n")

	b.WriteString(loaderRuntime)
	if !strings.HasSuffix(loaderRuntime, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("\nexport default await __ssrLoadModule__(")
	b.WriteString(resolve.QuoteJS(g.Entry))
	b.WriteString(")\n")

	return &Bundle{
		Entry:  g.Entry,
		Code:   b.String(),
		IDs:    ids,
		Idents: idents,
	}
}

func writeChunkHeader(b *strings.Builder, e *Entry) {
	b.WriteString("// --------------------\n")
	b.WriteString("// Request: ")
	b.WriteString(commentSafe.Replace(e.ID))
	b.WriteString("\n// Parents: \n")
	for _, p := range e.Parents {
		b.WriteString("// - ")
		b.WriteString(commentSafe.Replace(p))
		b.WriteByte('\n')
	}
	b.WriteString("// Dependencies: \n")
	for _, d := range e.Deps {
		b.WriteString("// - ")
		b.WriteString(commentSafe.Replace(d))
		b.WriteByte('\n')
	}
	b.WriteString("// --------------------\n")
}
