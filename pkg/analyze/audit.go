// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metricsaudit/cardaudit/pkg/cardinality"
	"github.com/metricsaudit/cardaudit/pkg/extract"
)

// SourceSpecific tags a metric named directly on the command line. The
// metric did not come out of any dashboard or alert, but the operator asking
// about it is a usage signal of its own.
const SourceSpecific = "specific"

// DashboardLister is the dashboard side of a document source.
type DashboardLister interface {
	ListDashboards(ctx context.Context) ([]extract.Document, error)
}

// AlertRuleLister is the alerting side of a document source. Both remote
// Alertmanager instances and local rule files implement it.
type AlertRuleLister interface {
	ListAlertRules(ctx context.Context) ([]extract.Document, error)
}

// Auditor runs the whole pipeline: fetch documents, extract expressions,
// tokenize them into the usage index, collect cardinality from the backend
// and join both views into the report.
type Auditor struct {
	// Dashboards is optional; nil skips the dashboard source.
	Dashboards DashboardLister
	// Alerts holds every alert-rule source: remote Alertmanagers and local
	// rule files alike.
	Alerts []AlertRuleLister

	Collector *cardinality.Collector

	// FieldKeys identify expression-bearing fields during extraction.
	// Empty means extract.DefaultFieldKeys.
	FieldKeys []string
	// TopN is how many metrics to audit, 10 when zero. Ignored when Metric
	// is set.
	TopN int
	// Metric switches to a single-metric audit: the top-N query is skipped
	// and only this metric is collected.
	Metric string
}

// RunResult carries the report plus the raw expression corpus, which the
// caller may dump for debugging.
type RunResult struct {
	Report      Report
	Expressions []extract.Expression
	// Malformed counts expressions that tokenized with a structural
	// imbalance. Their partial tokens are still in the index.
	Malformed int
}

// Run executes one audit. Per-metric backend failures surface in the
// report's errors list, not here; an error return means a source or the
// top-N query failed outright.
func (a *Auditor) Run(ctx context.Context) (RunResult, error) {
	docs, err := a.fetchDocuments(ctx)
	if err != nil {
		return RunResult{}, err
	}

	keys := a.FieldKeys
	if len(keys) == 0 {
		keys = extract.DefaultFieldKeys
	}

	var exprs []extract.Expression
	for _, doc := range docs {
		exprs = append(exprs, extract.Extract(doc, keys)...)
	}
	if len(exprs) == 0 {
		log.Warnln("no expressions extracted from any source, every metric will report as unused")
	}

	idx := NewUsageIndex()
	malformed := 0
	for _, expr := range exprs {
		normalized := extract.Normalize(expr.Text)
		if normalized == "" {
			continue
		}
		res, err := Tokenize(normalized)
		if err != nil {
			malformed++
			log.WithFields(log.Fields{
				"source": expr.Source,
				"expr":   expr.Text,
				"err":    err,
			}).Debugln("keeping partial tokens of malformed expression")
		}
		idx.Add(res, expr.Source)
	}

	stats, err := a.seedStats(ctx, idx)
	if err != nil {
		return RunResult{}, err
	}

	collected := a.Collector.Collect(ctx, stats)
	report := BuildReport(collected, idx)
	report.AuditedAt = time.Now().UTC()

	return RunResult{Report: report, Expressions: exprs, Malformed: malformed}, nil
}

// fetchDocuments pulls every source concurrently. A failing source aborts
// the run: an audit computed over half the corpus would silently report
// used metrics as unused.
func (a *Auditor) fetchDocuments(ctx context.Context) ([]extract.Document, error) {
	g, ctx := errgroup.WithContext(ctx)

	var dashboards []extract.Document
	alertDocs := make([][]extract.Document, len(a.Alerts))

	if a.Dashboards != nil {
		g.Go(func() error {
			docs, err := a.Dashboards.ListDashboards(ctx)
			if err != nil {
				return errors.Wrap(err, "listing dashboards")
			}
			dashboards = docs
			return nil
		})
	}
	for i, lister := range a.Alerts {
		i, lister := i, lister
		g.Go(func() error {
			docs, err := lister.ListAlertRules(ctx)
			if err != nil {
				return errors.Wrap(err, "listing alert rules")
			}
			alertDocs[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := dashboards
	for _, d := range alertDocs {
		docs = append(docs, d...)
	}
	return docs, nil
}

func (a *Auditor) seedStats(ctx context.Context, idx *UsageIndex) ([]cardinality.SeriesStat, error) {
	if a.Metric != "" {
		idx.Add(TokenizeResult{Tokens: []Token{{Metric: a.Metric}}}, SourceSpecific)
		return []cardinality.SeriesStat{{Metric: a.Metric}}, nil
	}

	n := a.TopN
	if n <= 0 {
		n = 10
	}
	return a.Collector.TopMetrics(ctx, n)
}
