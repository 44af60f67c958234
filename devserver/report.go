package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/types"
)

// Report is the session summary written by `kiln serve --report`.
type Report struct {
	ServerID   string `json:"server_id"`
	Version    string `json:"version"`
	Socket     string `json:"socket"`
	Root       string `json:"root"`
	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`

	Modules              int                `json:"modules"`
	PendingInvalidations int                `json:"pending_invalidations"`
	Diagnostics          []ReportDiagnostic `json:"diagnostics,omitempty"`
	Metrics              *metrics.Snapshot  `json:"metrics"`
}

// ReportDiagnostic is an outstanding transform failure.
type ReportDiagnostic struct {
	ModuleID string `json:"module_id"`
	Plugin   string `json:"plugin,omitempty"`
	Message  string `json:"message"`
}

// SessionMeta identifies the serving session.
type SessionMeta struct {
	ServerID  string
	Socket    string
	Root      string
	StartedAt time.Time
}

// Report composes a session report from the service state and snap.
func (s *Service) Report(meta SessionMeta, snap metrics.Snapshot) *Report {
	r := &Report{
		ServerID:             meta.ServerID,
		Version:              types.Version,
		Socket:               meta.Socket,
		Root:                 meta.Root,
		StartedAt:            meta.StartedAt.UTC().Format(time.RFC3339),
		DurationMs:           time.Since(meta.StartedAt).Milliseconds(),
		Modules:              len(s.store.IDs()),
		PendingInvalidations: s.tracker.Len(),
		Metrics:              &snap,
	}
	for _, d := range s.resolver.Diagnostics() {
		r.Diagnostics = append(r.Diagnostics, ReportDiagnostic{
			ModuleID: d.ID,
			Plugin:   d.Error.Plugin,
			Message:  d.Error.Message,
		})
	}
	return r
}

// WriteReport writes r as indented JSON to path, or to stderr when path is "-".
func WriteReport(r *Report, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeReportTo(r, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeReportTo(r, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

func writeReportTo(r *Report, w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
