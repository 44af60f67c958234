package resolve

import "strings"

// Parameter names the transform collaborator's SSR output refers to.
const wrapperParams = "global, __vite_ssr_exports__, __vite_ssr_import_meta__, " +
	"__vite_ssr_import__, __vite_ssr_dynamic_import__, __vite_ssr_exportAll__"

const emptyBody = "/* empty */"

// Wrap turns a transformed module body into the function literal the loader
// runtime calls.
func Wrap(body string) string {
	if strings.TrimSpace(body) == "" {
		body = emptyBody
	}
	return "async function (" + wrapperParams + ") {\n" + body + ";\n}"
}

// ExternalStub returns the function literal for an external module: it
// delegates to the consumer's native import and re-exports everything.
func ExternalStub(id string) string {
	return "(global, exports, importMeta, ssrImport, ssrDynamicImport, ssrExportAll) => import(" +
		QuoteJS(strings.TrimPrefix(id, "/@fs")) + ").then(r => { ssrExportAll(r) })"
}

// QuoteJS renders s as a single-quoted JavaScript string literal.
func QuoteJS(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\x00`)
		case '\u2028':
			b.WriteString(`\u2028`)
		case '\u2029':
			b.WriteString(`\u2029`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
