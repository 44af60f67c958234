package resolve

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
)

// builtinModules are the consumer runtime's built-in module names.
var builtinModules = []string{
	"assert", "assert/strict", "async_hooks", "buffer", "child_process",
	"cluster", "console", "constants", "crypto", "dgram", "diagnostics_channel",
	"dns", "dns/promises", "domain", "events", "fs", "fs/promises", "http",
	"http2", "https", "inspector", "module", "net", "os", "path",
	"path/posix", "path/win32", "perf_hooks", "process", "punycode",
	"querystring", "readline", "readline/promises", "repl", "stream",
	"stream/consumers", "stream/promises", "stream/web", "string_decoder",
	"sys", "timers", "timers/promises", "tls", "trace_events", "tty", "url",
	"util", "util/types", "v8", "vm", "wasi", "worker_threads", "zlib",
}

// IsBuiltin reports whether id names a built-in module, with or without the
// "node:" scheme.
func IsBuiltin(id string) bool {
	if strings.HasPrefix(id, "node:") {
		return true
	}
	return slices.Contains(builtinModules, id)
}

var versionQuery = regexp.MustCompile(`\?v=\w+$`)

// StripVersionQuery removes a trailing cache-busting "?v=hash".
func StripVersionQuery(id string) string {
	return versionQuery.ReplaceAllString(id, "")
}

// Pattern matches module ids. A pattern written as /source/flags is an
// ECMAScript regular expression; anything else names a package.
type Pattern struct {
	raw string
	re  *regexp2.Regexp
}

// ParsePattern parses a package name or /regex/flags pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	if source, flags, ok := splitRegexLiteral(s); ok {
		opts := regexp2.RegexOptions(regexp2.ECMAScript)
		for _, f := range flags {
			switch f {
			case 'i':
				opts |= regexp2.IgnoreCase
			case 'm':
				opts |= regexp2.Multiline
			case 's':
				opts |= regexp2.Singleline
			}
		}
		re, err := regexp2.Compile(source, opts)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %s: %w", s, err)
		}
		return Pattern{raw: s, re: re}, nil
	}
	return Pattern{raw: s}, nil
}

// MustParsePatterns parses every pattern, panicking on error. For tests and
// static defaults.
func MustParsePatterns(ss ...string) []Pattern {
	out := make([]Pattern, 0, len(ss))
	for _, s := range ss {
		p, err := ParsePattern(s)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

func splitRegexLiteral(s string) (source, flags string, ok bool) {
	if len(s) < 3 || s[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(s, '/')
	if end <= 0 {
		return "", "", false
	}
	flags = s[end+1:]
	if strings.Trim(flags, "gimsuy") != "" {
		return "", "", false
	}
	return s[1:end], flags, true
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Match reports whether id matches.
func (p Pattern) Match(id string) bool {
	if p.re != nil {
		ok, err := p.re.MatchString(id)
		return err == nil && ok
	}
	return id == p.raw ||
		strings.HasPrefix(id, p.raw+"/") ||
		strings.Contains(id, "/node_modules/"+p.raw+"/")
}

// Externals decides which modules the consumer loads natively.
type Externals struct {
	// Inline patterns keep matching ids in the bundle even when they would
	// otherwise be external.
	Inline []Pattern
	// External patterns send matching ids to the consumer's native import.
	External []Pattern
	// ForceInline ids are always inlined, whatever the patterns say.
	ForceInline []string
}

// IsExternal applies, in order: the force-inline list, inline patterns,
// external patterns, then the default rule (built-ins and anything under
// node_modules).
func (e *Externals) IsExternal(id string) bool {
	id = StripVersionQuery(id)
	if e != nil {
		if slices.Contains(e.ForceInline, id) {
			return false
		}
		for _, p := range e.Inline {
			if p.Match(id) {
				return false
			}
		}
		for _, p := range e.External {
			if p.Match(id) {
				return true
			}
		}
	}
	return IsBuiltin(id) || strings.Contains(id, "node_modules")
}
