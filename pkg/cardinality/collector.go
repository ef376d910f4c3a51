// SPDX-License-Identifier: AGPL-3.0-only

package cardinality

import (
	"context"
	"fmt"
	"sort"

	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Classification for backend failures. Clients wrap their transport errors
// with one of these so callers can tell a dead backend from a slow one.
var (
	ErrBackendUnavailable = errors.New("metrics backend unavailable")
	ErrBackendTimeout     = errors.New("metrics backend timeout")
)

// SeriesStat is the backend view of one metric: its active series count and
// the distinct-value count per label, __name__ excluded.
type SeriesStat struct {
	Metric      string
	SeriesCount int
	Labels      map[string]int
}

// Result is a collection run. Metrics whose label cardinality could not be
// fetched are excluded from Stats and recorded in Errors instead, one
// "<metric>: <cause>" marker each.
type Result struct {
	Stats  []SeriesStat
	Errors []string
}

// Backend is the minimal surface the collector needs from a metrics store.
type Backend interface {
	// TopMetricsBySeriesCount returns up to n metrics with their series
	// counts, unsorted. Labels are left nil.
	TopMetricsBySeriesCount(ctx context.Context, n int) ([]SeriesStat, error)
	// LabelCardinality lists the series of one metric and reduces them to a
	// series count and per-label distinct-value counts.
	LabelCardinality(ctx context.Context, metric string) (int, map[string]int, error)
}

// Collector fans label-cardinality fetches out over a bounded worker pool.
// One metric failing never aborts the run.
type Collector struct {
	backend     Backend
	concurrency int
}

func NewCollector(backend Backend, concurrency int) *Collector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{backend: backend, concurrency: concurrency}
}

// TopMetrics fetches the n most expensive metrics by series count, sorted by
// count descending with ties broken by metric name.
func (c *Collector) TopMetrics(ctx context.Context, n int) ([]SeriesStat, error) {
	stats, err := c.backend.TopMetricsBySeriesCount(ctx, n)
	if err != nil {
		return nil, errors.Wrap(err, "fetching top metrics by series count")
	}
	sortStats(stats)
	return stats, nil
}

// Collect fills in the label cardinality of every given stat. Stats arriving
// without a series count, as in a single-metric audit, take it from the
// series listing. The returned stats keep the top-down ordering.
func (c *Collector) Collect(ctx context.Context, stats []SeriesStat) Result {
	collected := make([]SeriesStat, len(stats))
	failures := make([]error, len(stats))

	// ForEachJob abandons the remaining indices once ctx is canceled; its
	// error stands in for every job that never ran.
	batchErr := concurrency.ForEachJob(ctx, len(stats), c.concurrency, func(ctx context.Context, idx int) error {
		stat := stats[idx]
		count, labels, err := c.backend.LabelCardinality(ctx, stat.Metric)
		if err != nil {
			// Isolate the failure; the metric is reported in Errors.
			failures[idx] = err
			return nil
		}
		if stat.SeriesCount == 0 {
			stat.SeriesCount = count
		}
		stat.Labels = labels
		collected[idx] = stat
		return nil
	})

	var res Result
	res.Errors = make([]string, 0)
	for i := range stats {
		err := failures[i]
		if err == nil && collected[i].Metric == "" {
			// Job never ran. ctx.Err() is the only way that happens.
			err = batchErr
			if err == nil {
				err = ctx.Err()
			}
		}
		if err != nil {
			log.WithFields(log.Fields{"metric": stats[i].Metric, "err": err}).Warnln("skipping metric, label cardinality fetch failed")
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", stats[i].Metric, err))
			continue
		}
		res.Stats = append(res.Stats, collected[i])
	}
	sortStats(res.Stats)
	sort.Strings(res.Errors)
	return res
}

func sortStats(stats []SeriesStat) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SeriesCount != stats[j].SeriesCount {
			return stats[i].SeriesCount > stats[j].SeriesCount
		}
		return stats[i].Metric < stats[j].Metric
	})
}
