// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

func tokensByMetric(res TokenizeResult) map[string][]string {
	merged := make(map[string]map[string]struct{})
	for _, tok := range res.Tokens {
		if tok.Metric == "" {
			continue
		}
		set, ok := merged[tok.Metric]
		if !ok {
			set = make(map[string]struct{})
			merged[tok.Metric] = set
		}
		for _, l := range tok.Labels {
			set[l] = struct{}{}
		}
	}
	out := make(map[string][]string, len(merged))
	for m, set := range merged {
		labels := make([]string, 0, len(set))
		for l := range set {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		out[m] = labels
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		query            string
		expectedTokens   map[string][]string
		expectedWildcard []string
		shouldError      bool
	}{
		{
			query: `sum(rate(nginx_ingress_controller_request_duration_seconds_bucket{ingress="foo"}[5m])) by (host)`,
			expectedTokens: map[string][]string{
				"nginx_ingress_controller_request_duration_seconds_bucket": {"host", "ingress"},
			},
		},
		{
			query: `sum(rate(m1{l1="x"`,
			expectedTokens: map[string][]string{
				"m1": {"l1"},
			},
			shouldError: true,
		},
		{
			query: `my_metric`,
			expectedTokens: map[string][]string{
				"my_metric": {},
			},
		},
		{
			query: `my_metric{label="x",other=~"y.*",skip!="z"}`,
			expectedTokens: map[string][]string{
				"my_metric": {"label", "other", "skip"},
			},
		},
		{
			query: `count_values("version", build_info)`,
			expectedTokens: map[string][]string{
				"build_info": {},
			},
		},
		{
			query: `label_replace(up, "dst", "$1", "src", "(.*)")`,
			expectedTokens: map[string][]string{
				"up": {},
			},
		},
		{
			query: `sum by (code) (rate(http_requests_total[5m]))`,
			expectedTokens: map[string][]string{
				"http_requests_total": {"code"},
			},
		},
		{
			query: `sum(node_cpu_seconds_total) without (instance)`,
			expectedTokens: map[string][]string{
				"node_cpu_seconds_total": {"instance"},
			},
		},
		{
			query: `sum(m1 / m2) by (pod)`,
			expectedTokens: map[string][]string{
				"m1": {"pod"},
				"m2": {"pod"},
			},
		},
		{
			query: `{__name__="m3",job="ingester"}`,
			expectedTokens: map[string][]string{
				"m3": {"job"},
			},
		},
		{
			query: `metric_a / on(instance) metric_b`,
			expectedTokens: map[string][]string{
				"metric_a": {},
				"metric_b": {},
			},
		},
		{
			query: `topk(5, instance:node_cpu:rate5m)`,
			expectedTokens: map[string][]string{
				"instance:node_cpu:rate5m": {},
			},
		},
		{
			query: `histogram_quantile(0.9, sum(rate(request_duration_bucket[5m])) by (le))`,
			expectedTokens: map[string][]string{
				"request_duration_bucket": {"le"},
			},
		},
		{
			query: `m{l="x`,
			expectedTokens: map[string][]string{
				"m": {"l"},
			},
			shouldError: true,
		},
		{
			query:          `vector(1)`,
			expectedTokens: map[string][]string{},
		},
		{
			query: `sum(up) BY (job)`,
			expectedTokens: map[string][]string{
				"up": {"job"},
			},
		},
		{
			query: `rate(requests_total{path="/api/v1/query?match[]={__name__}"}[1m])`,
			expectedTokens: map[string][]string{
				"requests_total": {"path"},
			},
		},
		{
			query:            `sum(vector(1)) by (orphan)`,
			expectedTokens:   map[string][]string{},
			expectedWildcard: []string{"orphan"},
		},
		{
			query: `quantile(0.5, m4) by (slot`,
			expectedTokens: map[string][]string{
				"m4": {"slot"},
			},
			shouldError: true,
		},
		{
			query: `delta(cpu_temp_celsius{host="zeus"}[2h]) - ignoring(host) delta(cpu_temp_celsius{host="hera"}[2h])`,
			expectedTokens: map[string][]string{
				"cpu_temp_celsius": {"host"},
			},
		},
	}

	for _, test := range tests {
		res, err := Tokenize(test.query)

		if test.shouldError && err == nil {
			t.Errorf("Expected error, but got no error for query: %s", test.query)
		}
		if !test.shouldError && err != nil {
			t.Errorf("Unexpected error for query: %s: %v", test.query, err)
		}
		if err != nil {
			var malformed *MalformedExpressionError
			if !errors.As(err, &malformed) {
				t.Errorf("For query %s: error is not a MalformedExpressionError: %v", test.query, err)
			}
		}

		got := tokensByMetric(res)
		if len(got) != len(test.expectedTokens) {
			t.Errorf("For query %s: Expected %d metrics, but got %d (%v)", test.query, len(test.expectedTokens), len(got), got)
			continue
		}
		for metric, labels := range test.expectedTokens {
			gotLabels, ok := got[metric]
			if !ok {
				t.Errorf("For query %s: Expected metric not found: %s", test.query, metric)
				continue
			}
			if len(labels) == 0 && len(gotLabels) == 0 {
				continue
			}
			if !reflect.DeepEqual(labels, gotLabels) {
				t.Errorf("For query %s: metric %s: expected labels %v, got %v", test.query, metric, labels, gotLabels)
			}
		}

		wildcard := res.WildcardLabels
		if len(wildcard) != len(test.expectedWildcard) {
			t.Errorf("For query %s: expected wildcard labels %v, got %v", test.query, test.expectedWildcard, wildcard)
		} else if len(wildcard) > 0 && !reflect.DeepEqual(test.expectedWildcard, wildcard) {
			t.Errorf("For query %s: expected wildcard labels %v, got %v", test.query, test.expectedWildcard, wildcard)
		}
	}
}

func TestTokenizeNeverPanics(t *testing.T) {
	inputs := []string{
		``,
		`{`,
		`}`,
		`)(`,
		`by`,
		`by (`,
		`"unterminated`,
		"`raw",
		`m[`,
		`m{=`,
		`m{,,,}`,
		`sum by`,
		`sum by (l) (`,
		`((((`,
		`m @ 123 offset -5m`,
	}
	for _, input := range inputs {
		res, _ := Tokenize(input)
		_ = res
	}
}
