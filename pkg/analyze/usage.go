// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import "sort"

type metricLabel struct {
	metric, label string
}

// UsageIndex aggregates tokenized expressions from every source into two
// views: which sources reference a metric, and which (metric, label) pairs
// are referenced at all. Ingestion order does not matter, sources only ever
// accumulate.
type UsageIndex struct {
	metrics map[string]map[string]struct{}
	labels  map[metricLabel]struct{}
}

func NewUsageIndex() *UsageIndex {
	return &UsageIndex{
		metrics: make(map[string]map[string]struct{}),
		labels:  make(map[metricLabel]struct{}),
	}
}

// Add records one tokenized expression under the given source tag. Wildcard
// labels, including those of selectors without a resolvable metric name,
// apply to every named metric of this expression and to nothing else.
func (idx *UsageIndex) Add(res TokenizeResult, source string) {
	wildcard := make(map[string]struct{}, len(res.WildcardLabels))
	for _, l := range res.WildcardLabels {
		wildcard[l] = struct{}{}
	}

	var named []string
	for _, tok := range res.Tokens {
		if tok.Metric == "" {
			for _, l := range tok.Labels {
				wildcard[l] = struct{}{}
			}
			continue
		}
		named = append(named, tok.Metric)

		tags, ok := idx.metrics[tok.Metric]
		if !ok {
			tags = make(map[string]struct{})
			idx.metrics[tok.Metric] = tags
		}
		tags[source] = struct{}{}

		for _, l := range tok.Labels {
			idx.labels[metricLabel{metric: tok.Metric, label: l}] = struct{}{}
		}
	}

	for l := range wildcard {
		for _, m := range named {
			idx.labels[metricLabel{metric: m, label: l}] = struct{}{}
		}
	}
}

// InUse reports whether any source references the metric.
func (idx *UsageIndex) InUse(metric string) bool {
	return len(idx.metrics[metric]) > 0
}

// UsedIn returns the sorted, deduplicated source tags referencing the
// metric. Unknown metrics yield an empty slice.
func (idx *UsageIndex) UsedIn(metric string) []string {
	tags := idx.metrics[metric]
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// LabelUsed reports whether any expression referenced the label on the
// metric, either in a matcher block or through a grouping clause.
func (idx *UsageIndex) LabelUsed(metric, label string) bool {
	_, ok := idx.labels[metricLabel{metric: metric, label: label}]
	return ok
}

// Metrics returns the sorted names of every metric any source references.
func (idx *UsageIndex) Metrics() []string {
	out := make([]string, 0, len(idx.metrics))
	for m := range idx.metrics {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
