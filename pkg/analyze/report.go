// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"time"

	"github.com/metricsaudit/cardaudit/pkg/cardinality"
)

// LabelStat is the per-label slice of a report row.
type LabelStat struct {
	Cardinality int  `json:"cardinality"`
	InUse       bool `json:"in_use"`
}

// MetricAudit is one report row: the backend view of a metric joined with
// everything the expression corpus knows about it.
type MetricAudit struct {
	Metric      string               `json:"metric"`
	SeriesCount int                  `json:"series_count"`
	InUse       bool                 `json:"in_use"`
	UsedIn      []string             `json:"used_in"`
	Labels      map[string]LabelStat `json:"labels"`
}

// Report is the audit output. Metrics keep the collector ordering, series
// count descending with ties broken by name.
type Report struct {
	AuditedAt time.Time     `json:"audited_at"`
	Metrics   []MetricAudit `json:"metrics"`
	Errors    []string      `json:"errors"`
}

// BuildReport joins collected series stats with the usage index. The backend
// view is authoritative: metrics only the corpus knows about produce no
// rows, and metrics the corpus never mentions come out with in_use=false and
// an empty used_in.
func BuildReport(collected cardinality.Result, idx *UsageIndex) Report {
	metrics := make([]MetricAudit, 0, len(collected.Stats))
	for _, stat := range collected.Stats {
		labels := make(map[string]LabelStat, len(stat.Labels))
		for name, card := range stat.Labels {
			labels[name] = LabelStat{
				Cardinality: card,
				InUse:       idx.LabelUsed(stat.Metric, name),
			}
		}
		metrics = append(metrics, MetricAudit{
			Metric:      stat.Metric,
			SeriesCount: stat.SeriesCount,
			InUse:       idx.InUse(stat.Metric),
			UsedIn:      idx.UsedIn(stat.Metric),
			Labels:      labels,
		})
	}

	errs := make([]string, 0, len(collected.Errors))
	errs = append(errs, collected.Errors...)

	return Report{Metrics: metrics, Errors: errs}
}
