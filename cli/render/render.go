// Package render writes command output for the kiln CLI.
//
// Without --format, a terminal gets a table and anything else gets JSON.
// --no-color only affects table headers; the TUI keeps its own styling.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/kiln/cli/tui"
)

// Format is an output format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses s. The empty string yields the empty format so the
// caller can pick a default.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Tabular is implemented by payloads with their own table layout.
type Tabular interface {
	Table() (headers []string, rows [][]string)
}

var headerStyle = lipgloss.NewStyle().Bold(true)

// Renderer writes payloads in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer builds a renderer from the --format and --no-color flags,
// writing to the app's writer.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}
	if format == "" {
		format = FormatJSON
		if isTTY(out) {
			format = FormatTable
		}
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color") || !isTTY(out),
		out:     out,
	}, nil
}

// NewRendererWithWriter builds a renderer writing to out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render writes data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI opens the interactive viewer for viewType.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

func (r *Renderer) renderTable(data any) error {
	if t, ok := data.(Tabular); ok {
		return r.writeRows(t.Table())
	}

	v := indirect(reflect.ValueOf(data))
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return r.writeRows(nil, nil)
		}
		headers := fieldNames(indirect(v.Index(0)))
		rows := make([][]string, 0, v.Len())
		for i := range v.Len() {
			rows = append(rows, fieldValues(indirect(v.Index(i)), headers))
		}
		return r.writeRows(headers, rows)
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", fieldName(f), formatValue(v.Field(i)))
		}
	case reflect.Map:
		entries := mapEntries(v)
		for _, k := range sortedKeys(v) {
			fmt.Fprintf(w, "%s:\t%s\n", k, formatValue(entries[k]))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

func (r *Renderer) writeRows(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}

	// Align first, then style the header line, so escape codes do not
	// count towards column widths.
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	head, body, _ := strings.Cut(buf.String(), "\n")
	if !r.noColor {
		head = headerStyle.Render(head)
	}
	_, err := io.WriteString(r.out, head+"\n"+body)
	return err
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func fieldNames(v reflect.Value) []string {
	switch v.Kind() {
	case reflect.Struct:
		var names []string
		for _, f := range reflect.VisibleFields(v.Type()) {
			if f.IsExported() && !f.Anonymous {
				names = append(names, fieldName(f))
			}
		}
		return names
	case reflect.Map:
		return sortedKeys(v)
	}
	return nil
}

func fieldValues(v reflect.Value, headers []string) []string {
	values := make([]string, 0, len(headers))
	switch v.Kind() {
	case reflect.Struct:
		for _, f := range reflect.VisibleFields(v.Type()) {
			if f.IsExported() && !f.Anonymous {
				values = append(values, formatValue(v.FieldByIndex(f.Index)))
			}
		}
	case reflect.Map:
		entries := mapEntries(v)
		for _, h := range headers {
			values = append(values, formatValue(entries[h]))
		}
	}
	return values
}

// fieldName prefers the json tag.
func fieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name != "" && name != "-" {
		return name
	}
	return strings.ToLower(f.Name)
}

func mapEntries(v reflect.Value) map[string]reflect.Value {
	entries := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries[fmt.Sprint(iter.Key().Interface())] = iter.Value()
	}
	return entries
}

func sortedKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, fmt.Sprint(k.Interface()))
	}
	slices.Sort(keys)
	return keys
}

func formatValue(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	if t, ok := v.Interface().(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.String && v.Len() <= 3 {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = v.Index(i).String()
			}
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
