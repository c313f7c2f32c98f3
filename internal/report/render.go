package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// DefaultChartWidth is the bar length of the largest value.
const DefaultChartWidth = 40

// Render writes the report as tables followed by the resolution bar chart.
func Render(w io.Writer, rep Report, chartWidth int) error {
	fmt.Fprintf(w, "Distinct cities: %s\n\n", humanize.Comma(int64(rep.DistinctCities)))

	fmt.Fprintln(w, "Mean resolution time by borough")
	t := newTable(w, []string{"Borough", "Mean (hours)", "Closed incidents"})
	for _, r := range rep.Resolution {
		t.Append([]string{r.Borough, humanize.FtoaWithDigits(r.MeanHours, 2), humanize.Comma(int64(r.Closed))})
	}
	t.Render()
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Most frequent complaint by location type")
	t = newTable(w, []string{"Location type", "Complaint type", "Count"})
	for _, c := range rep.TopComplaints {
		t.Append([]string{c.LocationType, c.ComplaintType, humanize.Comma(int64(c.Count))})
	}
	t.Render()
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Mean resolution hours by borough")
	_, err := io.WriteString(w, Chart(rep.Resolution, chartWidth))
	return err
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	t.SetBorder(true)
	t.SetHeader(header)
	return t
}

// Chart renders a horizontal bar chart, one line per borough, scaled so the
// largest mean spans width cells. Non-empty values always get at least one
// cell.
func Chart(rows []BoroughResolution, width int) string {
	if len(rows) == 0 {
		return "(no resolved incidents)\n"
	}
	if width <= 0 {
		width = DefaultChartWidth
	}
	maxV, labelW := 0.0, 0
	for _, r := range rows {
		if r.MeanHours > maxV {
			maxV = r.MeanHours
		}
		if n := len([]rune(r.Borough)); n > labelW {
			labelW = n
		}
	}

	var b strings.Builder
	for _, r := range rows {
		n := 0
		if maxV > 0 {
			n = int(r.MeanHours / maxV * float64(width))
			if n == 0 && r.MeanHours > 0 {
				n = 1
			}
		}
		pad := labelW - len([]rune(r.Borough))
		fmt.Fprintf(&b, "%s%s | %s %sh\n",
			r.Borough, strings.Repeat(" ", pad),
			strings.Repeat("█", n),
			humanize.FtoaWithDigits(r.MeanHours, 1),
		)
	}
	return b.String()
}
