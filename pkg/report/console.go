// SPDX-License-Identifier: AGPL-3.0-only

package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mitchellh/colorstring"

	"github.com/metricsaudit/cardaudit/pkg/analyze"
)

// Console prints a human summary of the report: one line per metric with a
// USED/UNUSED marker, then its labels ordered by descending cardinality so
// the reduction candidates come first.
type Console struct {
	Out io.Writer
}

func (c Console) Write(rep analyze.Report) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}

	for _, m := range rep.Metrics {
		marker := colorstring.Color("[red]UNUSED[reset]")
		if m.InUse {
			marker = colorstring.Color("[green]USED[reset]")
		}
		fmt.Fprintf(out, "%s %s series_count=%d", marker, m.Metric, m.SeriesCount)
		if len(m.UsedIn) > 0 {
			fmt.Fprintf(out, " used_in=%s", strings.Join(m.UsedIn, ","))
		}
		fmt.Fprintln(out)

		for _, name := range labelsByCardinality(m.Labels) {
			l := m.Labels[name]
			state := "unused"
			if l.InUse {
				state = "used"
			}
			fmt.Fprintf(out, "    %s cardinality=%d %s\n", name, l.Cardinality, state)
		}
	}

	for _, e := range rep.Errors {
		fmt.Fprintln(out, colorstring.Color("[yellow]skipped[reset] ")+e)
	}
	return nil
}

func labelsByCardinality(labels map[string]analyze.LabelStat) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if labels[names[i]].Cardinality != labels[names[j]].Cardinality {
			return labels[names[i]].Cardinality > labels[names[j]].Cardinality
		}
		return names[i] < names[j]
	})
	return names
}
