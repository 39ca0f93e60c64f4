package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"

	"github.com/germanamz/batchman/pkg/batch"
	"github.com/germanamz/batchman/pkg/batcher"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/result"
	"github.com/germanamz/batchman/pkg/result/usage"
)

// statusUnknown is shown when a status cannot be derived.
const statusUnknown lifecycle.Status = "unknown"

// maxCell is the widest a table cell may be before it is truncated.
const maxCell = 36

var tableHeaders = []string{"Local ID", "Name", "Status", "Provider", "Remote ID"}

// row is one batch as shown by list.
type row struct {
	uniqueID string
	name     string
	status   lifecycle.Status
	provider string
	remoteID string
}

func (r row) cells() []string {
	return []string{
		truncate(r.uniqueID, maxCell),
		truncate(r.name, maxCell),
		r.status.String(),
		truncate(r.provider, maxCell),
		truncate(r.remoteID, maxCell),
	}
}

// batchRows builds one row per view. A batch whose status cannot be derived
// is still listed, and its error is returned alongside.
func batchRows(views []batch.View) ([]row, []error) {
	rows := make([]row, 0, len(views))
	var errs []error

	for _, v := range views {
		b := v.Core()
		r := row{uniqueID: b.UniqueID(), name: b.Name(), status: statusUnknown}

		params, err := b.Params()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
			rows = append(rows, r)
			continue
		}
		r.provider = params.Provider.Name

		if r.remoteID, err = b.RemoteID(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
		}

		status, err := b.Status()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
		} else {
			r.status = status
		}

		rows = append(rows, r)
	}

	return rows, errs
}

func renderTable(rows []row) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(tableHeaders...).
		StyleFunc(func(r, c int) lipgloss.Style {
			if r == table.HeaderRow {
				return headerStyle
			}
			if c == 2 && r >= 0 && r < len(rows) {
				return cellStyle.Inherit(statusStyle(rows[r].status))
			}
			return cellStyle
		})

	for _, r := range rows {
		t.Row(r.cells()...)
	}

	return t.Render()
}

// truncate shortens s to at most width terminal columns.
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}

	return runewidth.Truncate(s, width, "…")
}

func renderStatus(s lifecycle.Status) string {
	return statusStyle(s).Render(s.String())
}

// syncReport adds printing to batcher.SyncReport.
type syncReport batcher.SyncReport

func (r syncReport) print(out, errOut io.Writer) {
	for _, c := range r.Changes {
		fmt.Fprintf(out, "%s (%s): %s -> %s\n", c.UniqueID, c.Name, c.From, renderStatus(c.To))
	}

	printErrors(errOut, r.Errors)
}

func printErrors(w io.Writer, errs []error) {
	for _, err := range errs {
		fmt.Fprintln(w, errorStyle.Render("error: "+err.Error()))
	}
}

// resultsMarkdown formats results as one section per request.
func resultsMarkdown(results []result.Result) string {
	var sb strings.Builder

	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}

		fmt.Fprintf(&sb, "## %s\n\n", r.CustomID)

		if r.Failed() {
			fmt.Fprintf(&sb, "> **error:** %s\n", r.Error)
			continue
		}

		if r.Model != "" {
			fmt.Fprintf(&sb, "*%s*\n\n", r.Model)
		}

		for _, c := range r.Choices {
			if len(r.Choices) > 1 {
				fmt.Fprintf(&sb, "**choice %d** (%s)\n\n", c.Index, c.FinishReason)
			}
			sb.WriteString(c.Message.TextContent())
			sb.WriteString("\n\n")
		}
	}

	return sb.String()
}

// renderMarkdown renders md for the terminal, falling back to the plain
// text when no renderer can be built.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}

	out, err := r.Render(md)
	if err != nil {
		return md
	}

	return out
}

func usageLine(n int, t *usage.Tracker) string {
	total := t.Total()

	return dimStyle.Render(fmt.Sprintf("%d result(s), %d with usage, tokens: %d in, %d out, %d total",
		n, t.Count(), total.InputTokens, total.OutputTokens, total.Total()))
}
