package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/rank"
	"github.com/example/go-opdiag/internal/report"
	"github.com/example/go-opdiag/internal/stats"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	return table
}

// renderReport writes the human-readable tables of rep. top limits the rows
// of each accuracy table; top <= 0 prints all of them.
func renderReport(w io.Writer, rep *report.Report, top int) {
	fmt.Fprintf(w, "run %s  mode %s  batches %d\n", rep.RunID, rep.Mode, rep.Batches)

	if rep.Original != "" || rep.Quantized != "" {
		fmt.Fprintf(w, "original %s  quantized %s\n", orDash(rep.Original), orDash(rep.Quantized))
	}

	for _, t := range rep.MetricTables() {
		fmt.Fprintln(w)
		renderMetricTable(w, t, top)
	}

	if rep.Profiling != nil {
		fmt.Fprintln(w)
		renderProfileTable(w, rep.Profiling)
	}
}

func renderMetricTable(w io.Writer, t *report.MetricTable, top int) {
	fmt.Fprintf(w, "%s accuracy: %d operators, %d unavailable\n", t.Role, len(t.Rows), t.Unavailable())

	if len(t.Rows) == 0 {
		return
	}

	header := []string{"OPERATOR", "TYPE", "MSE", "MEAN", "STD", "MIN", "MAX", "Q MEAN", "Q STD"}
	withNote := t.Unavailable() > 0

	if withNote {
		header = append(header, "NOTE")
	}

	rows := rank.Top(t.Rows, top)
	data := make([][]string, 0, len(rows))

	for _, r := range rows {
		data = append(data, metricRow(r, withNote))
	}

	table := newTable(w, header)
	table.AppendBulk(data)
	table.Render()

	if len(rows) < len(t.Rows) {
		fmt.Fprintf(w, "(%d more)\n", len(t.Rows)-len(rows))
	}
}

func metricRow(r report.MetricRow, withNote bool) []string {
	name, typ := r.Operator.Name, orDash(r.Operator.Type)

	var row []string

	if !r.Available() {
		row = []string{name, typ, "-", "-", "-", "-", "-", "-", "-"}
	} else {
		mse := "-"
		if r.Metrics.HasMSE {
			mse = formatFloat(r.Metrics.MSE)
		}

		row = []string{name, typ, mse}
		row = append(row, summaryCells(r.Metrics.Summary)...)
		row = append(row, qSummaryCells(r.Metrics.Quantized, r.Metrics.HasMSE)...)
	}

	if withNote {
		row = append(row, r.Reason())
	}

	return row
}

func summaryCells(s stats.Summary) []string {
	return []string{formatFloat(s.Mean), formatFloat(s.Std), formatFloat(s.Min), formatFloat(s.Max)}
}

func qSummaryCells(s stats.Summary, paired bool) []string {
	if !paired {
		return []string{"-", "-"}
	}

	return []string{formatFloat(s.Mean), formatFloat(s.Std)}
}

func renderProfileTable(w io.Writer, p *report.ProfileTable) {
	fmt.Fprintf(w, "profile %s: %d iterations (%d warmup), per iteration mean %s min %s max %s\n",
		p.Graph, p.Iterations, p.Warmup,
		formatDuration(p.PerIteration.Mean), formatDuration(p.PerIteration.Min), formatDuration(p.PerIteration.Max))

	if len(p.Rows) == 0 {
		return
	}

	data := make([][]string, 0, len(p.Rows))
	for _, a := range p.Rows {
		data = append(data, []string{
			a.Operator,
			formatDuration(a.Total),
			strconv.Itoa(a.Count),
			formatDuration(a.Mean),
			formatDuration(a.Min),
			formatDuration(a.Max),
			strconv.FormatFloat(a.Share*100, 'f', 1, 64),
		})
	}

	table := newTable(w, []string{"OPERATOR", "TOTAL", "COUNT", "MEAN", "MIN", "MAX", "SHARE %"})
	table.AppendBulk(data)
	table.Render()
}

// renderOperators lists the operators of g.
func renderOperators(w io.Writer, g graph.Inspectable) {
	fmt.Fprintf(w, "graph %s: %d operators\n", g.Name(), len(g.Operators()))

	data := make([][]string, 0, len(g.Operators()))
	for _, op := range g.Operators() {
		data = append(data, []string{op.Name, op.Type, joinOrDash(op.Inputs), joinOrDash(op.Weights)})
	}

	table := newTable(w, []string{"NAME", "TYPE", "INPUTS", "WEIGHTS"})
	table.AppendBulk(data)
	table.Render()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func formatDuration(d time.Duration) string {
	if d >= time.Millisecond {
		return d.Round(time.Microsecond).String()
	}

	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func joinOrDash(ss []string) string {
	if len(ss) == 0 {
		return "-"
	}

	return strings.Join(ss, ",")
}
