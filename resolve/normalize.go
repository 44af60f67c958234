package resolve

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pithecene-io/kiln/types"
)

// Id markers produced by the transform collaborator's dev server.
const (
	virtualMarker = "/@id/__x00__"
	idMarker      = "/@id/"
	fsMarker      = "/@fs"
)

var driveLetterPath = regexp.MustCompile(`^/[A-Za-z]:`)

// Normalize rewrites collaborator-specific id markers. Precedence:
//
//  1. "/@id/__x00__x" becomes the virtual id "\x00x"; any other "/@id/"
//     prefix is stripped.
//  2. "/@fs/abs" becomes the absolute path "/abs"; "/@fs/C:/x" becomes "C:/x".
//  3. An id starting with "/" that does not exist is tried relative to root
//     and kept that way only when the joined path exists.
func Normalize(root, id string, exists func(string) bool) string {
	if strings.HasPrefix(id, virtualMarker) {
		id = types.VirtualPrefix + id[len(virtualMarker):]
	}
	if strings.HasPrefix(id, idMarker) {
		id = id[len(idMarker):]
	}

	if strings.HasPrefix(id, fsMarker+"/") {
		id = id[len(fsMarker):]
		if driveLetterPath.MatchString(id) {
			id = id[1:]
		}
		return id
	}

	if root != "" && strings.HasPrefix(id, "/") && exists != nil && !exists(id) {
		candidate := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(id, "/")))
		if exists(candidate) {
			return filepath.ToSlash(candidate)
		}
	}
	return id
}

// resolveExtensions are tried, in order, when a specifier has no file on
// disk as written.
var resolveExtensions = []string{".mjs", ".js", ".mts", ".ts", ".jsx", ".tsx", ".json", ".vue"}

// candidates lists the on-disk paths a specifier may refer to.
func candidates(p string) []string {
	out := []string{p}
	for _, ext := range resolveExtensions {
		out = append(out, p+ext)
	}
	for _, ext := range resolveExtensions {
		out = append(out, path.Join(p, "index"+ext))
	}
	return out
}

func isRelative(id string) bool {
	return strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || id == "." || id == ".."
}

// fileOf returns the on-disk path for a module id: the id with any query
// string removed, or "" for virtual ids.
func fileOf(id string) string {
	if types.IsVirtual(id) {
		return ""
	}
	if i := strings.IndexByte(id, '?'); i >= 0 {
		id = id[:i]
	}
	return id
}

// FileOf is the exported form of fileOf, used to index modules by the file
// that backs them.
func FileOf(id string) string {
	return fileOf(Normalize("", id, nil))
}
