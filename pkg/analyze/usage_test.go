// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"reflect"
	"testing"
)

func mustTokenize(t *testing.T, expr string) TokenizeResult {
	t.Helper()
	res, err := Tokenize(expr)
	if err != nil {
		t.Fatalf("Unexpected tokenize error for %s: %v", expr, err)
	}
	return res
}

func TestUsageIndexSourceUnion(t *testing.T) {
	idx := NewUsageIndex()
	idx.Add(mustTokenize(t, `sum(rate(http_requests_total[5m])) by (code)`), "grafana")
	idx.Add(mustTokenize(t, `http_requests_total{code="500"} > 10`), "alertmanager")
	idx.Add(mustTokenize(t, `http_requests_total`), "grafana")

	if !idx.InUse("http_requests_total") {
		t.Fatal("expected http_requests_total to be in use")
	}
	usedIn := idx.UsedIn("http_requests_total")
	expected := []string{"alertmanager", "grafana"}
	if !reflect.DeepEqual(expected, usedIn) {
		t.Errorf("expected used_in %v, got %v", expected, usedIn)
	}

	if !idx.LabelUsed("http_requests_total", "code") {
		t.Error("expected label code to be used")
	}
	if idx.LabelUsed("http_requests_total", "instance") {
		t.Error("did not expect label instance to be used")
	}
}

func TestUsageIndexOrderIndependence(t *testing.T) {
	exprs := []struct {
		expr   string
		source string
	}{
		{`sum(container_memory_usage_bytes) by (namespace)`, "grafana"},
		{`container_memory_usage_bytes{pod=~"ingester.*"}`, "alertmanager"},
		{`rate(container_cpu_usage_seconds_total[1m])`, "grafana"},
	}

	forward := NewUsageIndex()
	for _, e := range exprs {
		forward.Add(mustTokenize(t, e.expr), e.source)
	}
	backward := NewUsageIndex()
	for i := len(exprs) - 1; i >= 0; i-- {
		backward.Add(mustTokenize(t, exprs[i].expr), exprs[i].source)
	}

	if !reflect.DeepEqual(forward.Metrics(), backward.Metrics()) {
		t.Errorf("metric sets differ: %v vs %v", forward.Metrics(), backward.Metrics())
	}
	for _, m := range forward.Metrics() {
		if !reflect.DeepEqual(forward.UsedIn(m), backward.UsedIn(m)) {
			t.Errorf("used_in differs for %s: %v vs %v", m, forward.UsedIn(m), backward.UsedIn(m))
		}
	}
	for _, pair := range []metricLabel{
		{"container_memory_usage_bytes", "namespace"},
		{"container_memory_usage_bytes", "pod"},
		{"container_cpu_usage_seconds_total", "namespace"},
	} {
		if forward.LabelUsed(pair.metric, pair.label) != backward.LabelUsed(pair.metric, pair.label) {
			t.Errorf("label usage differs for %v", pair)
		}
	}
}

func TestUsageIndexWildcardScopedToExpression(t *testing.T) {
	idx := NewUsageIndex()
	// The orphan grouping clause cannot be tied to a selector, so its label
	// applies to all metrics of this expression.
	idx.Add(mustTokenize(t, `sum(vector(1)) by (shard) or metric_one or metric_two`), "grafana")
	idx.Add(mustTokenize(t, `metric_three`), "grafana")

	if !idx.LabelUsed("metric_one", "shard") {
		t.Error("expected wildcard label to apply to metric_one")
	}
	if !idx.LabelUsed("metric_two", "shard") {
		t.Error("expected wildcard label to apply to metric_two")
	}
	if idx.LabelUsed("metric_three", "shard") {
		t.Error("wildcard label leaked into another expression")
	}
}

func TestUsageIndexMalformedExpressionStillCounts(t *testing.T) {
	idx := NewUsageIndex()
	res, err := Tokenize(`sum(rate(m1{l1="x"`)
	if err == nil {
		t.Fatal("expected a malformed expression error")
	}
	idx.Add(res, "grafana")

	if !idx.InUse("m1") {
		t.Error("expected partial tokens to be indexed")
	}
	if !idx.LabelUsed("m1", "l1") {
		t.Error("expected partial label usage to be indexed")
	}
}

func TestUsageIndexUnknownMetric(t *testing.T) {
	idx := NewUsageIndex()
	if idx.InUse("never_seen") {
		t.Error("unknown metric reported in use")
	}
	if got := idx.UsedIn("never_seen"); len(got) != 0 {
		t.Errorf("unknown metric has used_in %v", got)
	}
}
