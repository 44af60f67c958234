// Package reader builds the read-only views rendered by kiln commands.
//
// Views are plain data. The same payload feeds JSON, YAML, table and TUI
// output, so no output mode can show something the others cannot.
package reader

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pithecene-io/kiln/types"
)

// Module kinds shown in graph views.
const (
	KindStatic   = "static"
	KindDynamic  = "dynamic"
	KindExternal = "external"
)

// GraphView is one built module graph.
type GraphView struct {
	BuildID    string       `json:"build_id"`
	Entry      string       `json:"entry"`
	DurationMs int64        `json:"duration_ms"`
	Modules    []ModuleRow  `json:"modules"`
	Failures   []FailureRow `json:"failures,omitempty"`
}

// ModuleRow is one module of a graph, in walk order.
type ModuleRow struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Deps        []string `json:"deps"`
	DynamicDeps []string `json:"dynamic_deps"`
	Parents     []string `json:"parents"`
	Bytes       int      `json:"bytes"`
}

// FailureRow is a module whose transform failed and was replaced by an
// empty module.
type FailureRow struct {
	ModuleID string `json:"module_id"`
	Plugin   string `json:"plugin,omitempty"`
	Message  string `json:"message"`
	Frame    string `json:"frame,omitempty"`
}

// Count returns the number of modules of kind.
func (v *GraphView) Count(kind string) int {
	n := 0
	for _, m := range v.Modules {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Failure returns the failure recorded for id, if any.
func (v *GraphView) Failure(id string) (FailureRow, bool) {
	for _, f := range v.Failures {
		if f.ModuleID == id {
			return f, true
		}
	}
	return FailureRow{}, false
}

// Table lists modules one per row.
func (v *GraphView) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(v.Modules))
	for _, m := range v.Modules {
		kind := m.Kind
		if _, failed := v.Failure(m.ID); failed {
			kind += " (failed)"
		}
		rows = append(rows, []string{
			m.ID,
			kind,
			strconv.Itoa(len(m.Deps)),
			strconv.Itoa(len(m.DynamicDeps)),
			strconv.Itoa(len(m.Parents)),
			strconv.Itoa(m.Bytes),
		})
	}
	return []string{"MODULE", "KIND", "DEPS", "DYNAMIC", "PARENTS", "BYTES"}, rows
}

// StatsView is a flattened counter snapshot.
type StatsView struct {
	ServerID         string `json:"server_id"`
	Codec            string `json:"codec"`
	TransformBackend string `json:"transform_backend"`
	JournalBackend   string `json:"journal_backend"`

	ConnectionsOpened   int64 `json:"connections_opened"`
	ConnectionsClosed   int64 `json:"connections_closed"`
	ConnectionsTornDown int64 `json:"connections_torn_down"`

	FramesReceived int64            `json:"frames_received"`
	FramesSent     int64            `json:"frames_sent"`
	ErrorResponses int64            `json:"error_responses"`
	RequestsByType map[string]int64 `json:"requests_by_type"`

	BufferGrowths     int64 `json:"buffer_growths"`
	BufferCompactions int64 `json:"buffer_compactions"`

	TransformSuccess int64 `json:"transform_success"`
	TransformFailure int64 `json:"transform_failure"`
	ExternalModules  int64 `json:"external_modules"`
	CacheHits        int64 `json:"cache_hits"`

	GraphBuilds   int64 `json:"graph_builds"`
	ModulesWalked int64 `json:"modules_walked"`

	InvalidationsMarked  int64 `json:"invalidations_marked"`
	InvalidationsDrained int64 `json:"invalidations_drained"`

	NotifySuccess       int64 `json:"notify_success"`
	NotifyFailure       int64 `json:"notify_failure"`
	JournalWriteSuccess int64 `json:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure"`
}

// Stat is one labelled counter.
type Stat struct {
	Label string
	Value int64
}

// StatGroup is a titled set of counters.
type StatGroup struct {
	Title string
	Stats []Stat
}

// Groups arranges the counters for display.
func (v *StatsView) Groups() []StatGroup {
	groups := []StatGroup{
		{"Connections", []Stat{
			{"opened", v.ConnectionsOpened},
			{"closed", v.ConnectionsClosed},
			{"torn down", v.ConnectionsTornDown},
		}},
		{"Frames", []Stat{
			{"received", v.FramesReceived},
			{"sent", v.FramesSent},
			{"errors", v.ErrorResponses},
			{"buffer growths", v.BufferGrowths},
			{"compactions", v.BufferCompactions},
		}},
		{"Transforms", []Stat{
			{"ok", v.TransformSuccess},
			{"failed", v.TransformFailure},
			{"external", v.ExternalModules},
			{"cache hits", v.CacheHits},
		}},
		{"Graphs", []Stat{
			{"builds", v.GraphBuilds},
			{"modules walked", v.ModulesWalked},
			{"invalidated", v.InvalidationsMarked},
			{"drained", v.InvalidationsDrained},
		}},
		{"Downstream", []Stat{
			{"notify ok", v.NotifySuccess},
			{"notify failed", v.NotifyFailure},
			{"journal ok", v.JournalWriteSuccess},
			{"journal failed", v.JournalWriteFailure},
		}},
	}
	if len(v.RequestsByType) > 0 {
		requests := StatGroup{Title: "Requests"}
		for _, t := range sortedTypes(v.RequestsByType) {
			requests.Stats = append(requests.Stats, Stat{t, v.RequestsByType[t]})
		}
		groups = append(groups, requests)
	}
	return groups
}

// Table lists every counter with its group.
func (v *StatsView) Table() ([]string, [][]string) {
	var rows [][]string
	for _, g := range v.Groups() {
		for _, s := range g.Stats {
			rows = append(rows, []string{g.Title, s.Label, fmt.Sprint(s.Value)})
		}
	}
	return []string{"GROUP", "COUNTER", "VALUE"}, rows
}

// ManifestView is a client manifest. It marshals exactly like
// types.Manifest.
type ManifestView types.Manifest

// Table lists manifest entries sorted by key.
func (v ManifestView) Table() ([]string, [][]string) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		e := v[k]
		rows = append(rows, []string{
			k,
			e.File,
			strconv.FormatBool(e.IsEntry),
			e.ResourceType,
			strings.Join(e.CSS, ", "),
		})
	}
	return []string{"KEY", "FILE", "ENTRY", "TYPE", "CSS"}, rows
}
