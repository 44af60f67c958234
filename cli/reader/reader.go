package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/pithecene-io/kiln/devserver"
	"github.com/pithecene-io/kiln/graph"
	"github.com/pithecene-io/kiln/metrics"
)

// Graph builds the view of g.
func Graph(g *graph.Graph) *GraphView {
	v := &GraphView{
		BuildID:    g.ID,
		Entry:      g.Entry,
		DurationMs: g.Duration.Milliseconds(),
		Modules:    make([]ModuleRow, 0, len(g.Order)),
	}
	for _, e := range g.Order {
		kind := KindStatic
		switch {
		case e.External:
			kind = KindExternal
		case e.IsDynamic:
			kind = KindDynamic
		}
		v.Modules = append(v.Modules, ModuleRow{
			ID:          e.ID,
			Kind:        kind,
			Deps:        nonNil(e.Deps),
			DynamicDeps: nonNil(e.DynamicDeps),
			Parents:     nonNil(e.Parents),
			Bytes:       len(e.Code),
		})
	}
	for _, d := range g.Diagnostics {
		f := FailureRow{ModuleID: d.ID}
		if d.Error != nil {
			f.Plugin = d.Error.Plugin
			f.Message = d.Error.Message
			f.Frame = d.Error.Frame
		}
		v.Failures = append(v.Failures, f)
	}
	return v
}

// Stats flattens snap.
func Stats(snap *metrics.Snapshot) *StatsView {
	if snap == nil {
		return &StatsView{}
	}
	return &StatsView{
		ServerID:             snap.ServerID,
		Codec:                snap.Codec,
		TransformBackend:     snap.TransformBackend,
		JournalBackend:       snap.JournalBackend,
		ConnectionsOpened:    snap.ConnectionsOpened,
		ConnectionsClosed:    snap.ConnectionsClosed,
		ConnectionsTornDown:  snap.ConnectionsTornDown,
		FramesReceived:       snap.FramesReceived,
		FramesSent:           snap.FramesSent,
		ErrorResponses:       snap.ErrorResponses,
		RequestsByType:       snap.RequestsByType,
		BufferGrowths:        snap.BufferGrowths,
		BufferCompactions:    snap.BufferCompactions,
		TransformSuccess:     snap.TransformSuccess,
		TransformFailure:     snap.TransformFailure,
		ExternalModules:      snap.ExternalModules,
		CacheHits:            snap.CacheHits,
		GraphBuilds:          snap.GraphBuilds,
		ModulesWalked:        snap.ModulesWalked,
		InvalidationsMarked:  snap.InvalidationsMarked,
		InvalidationsDrained: snap.InvalidationsDrained,
		NotifySuccess:        snap.NotifySuccess,
		NotifyFailure:        snap.NotifyFailure,
		JournalWriteSuccess:  snap.JournalWriteSuccess,
		JournalWriteFailure:  snap.JournalWriteFailure,
	}
}

// ReadReport loads a session report written by `kiln serve --report`.
// A path of "-" reads stdin.
func ReadReport(path string) (*devserver.Report, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return ParseReport(data)
}

// ParseReport decodes and checks a session report.
func ParseReport(data []byte) (*devserver.Report, error) {
	var r devserver.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	// The write path always sets these; their absence means the file is
	// not a report.
	if r.ServerID == "" {
		return nil, errors.New("report missing required field: server_id")
	}
	if r.Metrics == nil {
		return nil, errors.New("report missing required field: metrics")
	}
	return &r, nil
}

func sortedTypes(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
