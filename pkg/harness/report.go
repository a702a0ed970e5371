package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

// Supported report formats.
var Formats = []string{"table", "markdown", "csv", "html", "yaml", "json"}

// Report is the outcome of a bench run.
type Report struct {
	Kernel   string   `json:"kernel"   yaml:"kernel"`
	Paranoia string   `json:"paranoia" yaml:"paranoia"`
	Counters []string `json:"counters" yaml:"counters"`
	Skipped  []string `json:"skipped"  yaml:"skipped"`
	Samples  []Sample `json:"samples"  yaml:"samples"`
}

// Tabler is an output that can be shown as a table.
type Tabler interface {
	Table() table.Writer
}

// Render writes v to w in the given format. yaml and json encode v, the
// other formats render its table.
func Render(w io.Writer, v Tabler, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	t := v.Table()
	t.SetOutputMirror(w)

	switch format {
	case "table":
		t.Render()
	case "markdown":
		t.RenderMarkdown()
	case "csv":
		t.RenderCSV()
	case "html":
		t.RenderHTML()
	default:
		return fmt.Errorf("unknown format %q, expected one of %v", format, Formats)
	}

	return nil
}

// NewTable returns a table writer in the style of all outputs.
func NewTable(title string) table.Writer {
	t := table.NewWriter()

	style := table.StyleLight
	style.Format = table.FormatOptions{
		Footer: text.FormatDefault,
		Header: text.FormatUpper,
		Row:    text.FormatDefault,
	}

	t.SetStyle(style)
	t.SuppressTrailingSpaces()
	t.SetTitle(title)

	return t
}

// Render writes the report to w in the given format.
func (r *Report) Render(w io.Writer, format string) error {
	return Render(w, r, format)
}

// Table returns a writer with one row per sample and one column per
// counter. Skipped counters are shown as "-".
func (r *Report) Table() table.Writer {
	t := NewTable(fmt.Sprintf("Kernel %s, paranoia %s", r.Kernel, r.Paranoia))

	header := table.Row{"Workload", "Iteration", "Result", "Elapsed"}

	var columnConfigs []table.ColumnConfig

	for _, name := range r.Counters {
		header = append(header, name)
		columnConfigs = append(columnConfigs, table.ColumnConfig{Name: name, Align: text.AlignRight})
	}

	t.AppendHeader(header)
	t.SetColumnConfigs(columnConfigs)

	for _, sample := range r.Samples {
		row := table.Row{
			sample.Workload,
			sample.Iteration,
			strconv.FormatFloat(sample.Result, 'f', 7, 64),
			sample.Elapsed,
		}

		for _, counter := range sample.Counters {
			if slices.Contains(r.Skipped, counter.Name) {
				row = append(row, "-")
			} else {
				row = append(row, counter.Value)
			}
		}

		t.AppendRow(row)
	}

	return t
}
