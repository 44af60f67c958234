package transform

import (
	"fmt"
	"strings"
)

const frameContext = 2

// SourceFrame renders the lines around line:column with a caret under the
// column, in the layout build tools print for syntax errors.
func SourceFrame(source string, line, column int) string {
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	start := max(1, line-frameContext)
	end := min(len(lines), line+frameContext)
	width := len(fmt.Sprint(end))

	var b strings.Builder
	for n := start; n <= end; n++ {
		fmt.Fprintf(&b, "%*d  |  %s\n", width, n, lines[n-1])
		if n == line {
			col := min(max(column, 0), len(lines[n-1]))
			fmt.Fprintf(&b, "%s  |  %s^\n", strings.Repeat(" ", width), strings.Repeat(" ", col))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
