// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/metricsaudit/cardaudit/pkg/cardinality"
)

func TestBuildReportJoinsBothViews(t *testing.T) {
	idx := NewUsageIndex()
	idx.Add(mustTokenize(t, `sum(rate(http_requests_total{code="500"}[5m])) by (code)`), "grafana")
	idx.Add(mustTokenize(t, `http_requests_total > 0`), "alertmanager")

	collected := cardinality.Result{
		Stats: []cardinality.SeriesStat{
			{Metric: "http_requests_total", SeriesCount: 1200, Labels: map[string]int{"code": 5, "path": 400}},
			{Metric: "node_boot_time_seconds", SeriesCount: 80, Labels: map[string]int{"instance": 80}},
		},
		Errors: []string{"broken_metric: boom"},
	}

	report := BuildReport(collected, idx)

	if len(report.Metrics) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(report.Metrics))
	}

	used := report.Metrics[0]
	if used.Metric != "http_requests_total" || !used.InUse {
		t.Errorf("expected http_requests_total in use, got %+v", used)
	}
	if len(used.UsedIn) != 2 || used.UsedIn[0] != "alertmanager" || used.UsedIn[1] != "grafana" {
		t.Errorf("unexpected used_in: %v", used.UsedIn)
	}
	if !used.Labels["code"].InUse {
		t.Error("expected label code in use")
	}
	if used.Labels["path"].InUse {
		t.Error("did not expect label path in use")
	}
	if used.Labels["path"].Cardinality != 400 {
		t.Errorf("expected cardinality 400 for path, got %d", used.Labels["path"].Cardinality)
	}

	unused := report.Metrics[1]
	if unused.InUse {
		t.Error("expected node_boot_time_seconds to be unused")
	}
	if len(unused.UsedIn) != 0 {
		t.Errorf("expected empty used_in, got %v", unused.UsedIn)
	}
	if unused.Labels["instance"].InUse {
		t.Error("expected label instance to be unused")
	}

	if len(report.Errors) != 1 || report.Errors[0] != "broken_metric: boom" {
		t.Errorf("unexpected errors: %v", report.Errors)
	}
}

func TestBuildReportBackendViewIsAuthoritative(t *testing.T) {
	idx := NewUsageIndex()
	idx.Add(mustTokenize(t, `only_in_dashboards`), "grafana")

	report := BuildReport(cardinality.Result{}, idx)
	if len(report.Metrics) != 0 {
		t.Errorf("expected empty report, got %d rows", len(report.Metrics))
	}
}

func TestReportJSONContract(t *testing.T) {
	idx := NewUsageIndex()
	idx.Add(mustTokenize(t, `sum(http_requests_total) by (code)`), "grafana")
	idx.Add(mustTokenize(t, `http_requests_total`), "alertmanager")

	collected := cardinality.Result{
		Stats: []cardinality.SeriesStat{
			{Metric: "http_requests_total", SeriesCount: 1200, Labels: map[string]int{"code": 5, "path": 400}},
		},
		Errors: []string{"broken_metric: boom"},
	}

	report := BuildReport(collected, idx)
	report.AuditedAt = time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	got, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	expected := `{"audited_at":"2026-08-01T10:30:00Z","metrics":[{"metric":"http_requests_total","series_count":1200,"in_use":true,"used_in":["alertmanager","grafana"],"labels":{"code":{"cardinality":5,"in_use":true},"path":{"cardinality":400,"in_use":false}}}],"errors":["broken_metric: boom"]}`
	if string(got) != expected {
		t.Errorf("report JSON contract broken:\n got: %s\nwant: %s", got, expected)
	}
}

func TestReportJSONEmptyCollections(t *testing.T) {
	report := BuildReport(cardinality.Result{}, NewUsageIndex())
	got, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	expected := `{"audited_at":"0001-01-01T00:00:00Z","metrics":[],"errors":[]}`
	if string(got) != expected {
		t.Errorf("empty report JSON:\n got: %s\nwant: %s", got, expected)
	}
}
