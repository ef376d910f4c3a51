// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/grafana/dskit/crypto/tls"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/metricsaudit/cardaudit/pkg/cardinality"
)

const (
	healthyPath         = "/-/healthy"
	topMetricsQueryTmpl = `topk(%d, count by (__name__) ({__name__!=""}))`
)

// PrometheusConfig configures the metrics backend client.
type PrometheusConfig struct {
	Address      string            `yaml:"address"`
	User         string            `yaml:"user"`
	Key          string            `yaml:"key"`
	AuthToken    string            `yaml:"auth_token"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	// Window is how far back the series listing looks when counting label
	// cardinality.
	Window time.Duration `yaml:"window"`
	TLS    tls.ClientConfig
}

// PrometheusClient implements the collector's backend on top of the
// Prometheus HTTP API.
type PrometheusClient struct {
	api    v1.API
	admin  *Client
	window time.Duration
}

// NewPrometheusClient returns a new PrometheusClient.
func NewPrometheusClient(cfg PrometheusConfig) (*PrometheusClient, error) {
	if (cfg.User != "" || cfg.Key != "") && cfg.AuthToken != "" {
		return nil, errors.New("at most one of basic auth or auth token should be configured")
	}

	admin, err := New(Config{
		User:         cfg.User,
		Key:          cfg.Key,
		Address:      cfg.Address,
		AuthToken:    cfg.AuthToken,
		ExtraHeaders: cfg.ExtraHeaders,
		TLS:          cfg.TLS,
	})
	if err != nil {
		return nil, err
	}

	tlsConfig, err := cfg.TLS.GetTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading TLS files")
	}
	var next http.RoundTripper = api.DefaultRoundTripper
	if tlsConfig != nil {
		next = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
	}

	apiClient, err := api.NewClient(api.Config{
		Address: cfg.Address,
		RoundTripper: &authRoundTripper{
			user:    cfg.User,
			key:     cfg.Key,
			token:   cfg.AuthToken,
			headers: cfg.ExtraHeaders,
			next:    next,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating prometheus client")
	}

	window := cfg.Window
	if window == 0 {
		window = time.Hour
	}

	return &PrometheusClient{
		api:    v1.NewAPI(apiClient),
		admin:  admin,
		window: window,
	}, nil
}

// CheckHealth probes the backend before the audit starts so a dead backend
// fails fast instead of once per metric.
func (p *PrometheusClient) CheckHealth(ctx context.Context) error {
	res, err := p.admin.doRequest(ctx, healthyPath, http.MethodGet, nil, -1)
	if err != nil {
		return errors.Wrap(cardinality.ErrBackendUnavailable, err.Error())
	}
	res.Body.Close()
	return nil
}

// TopMetricsBySeriesCount implements cardinality.Backend.
func (p *PrometheusClient) TopMetricsBySeriesCount(ctx context.Context, n int) ([]cardinality.SeriesStat, error) {
	query := fmt.Sprintf(topMetricsQueryTmpl, n)
	result, _, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, classifyBackendError(err)
	}

	vec, ok := result.(model.Vector)
	if !ok {
		return nil, errors.Errorf("unexpected query result type %q", result.Type())
	}

	stats := make([]cardinality.SeriesStat, 0, len(vec))
	for _, sample := range vec {
		name := string(sample.Metric[model.MetricNameLabel])
		if name == "" {
			continue
		}
		stats = append(stats, cardinality.SeriesStat{
			Metric:      name,
			SeriesCount: int(sample.Value),
		})
	}
	return stats, nil
}

// LabelCardinality implements cardinality.Backend. It lists the series of
// one metric over the configured window and counts distinct values per
// label, __name__ excluded.
func (p *PrometheusClient) LabelCardinality(ctx context.Context, metric string) (int, map[string]int, error) {
	end := time.Now()
	start := end.Add(-p.window)

	sets, _, err := p.api.Series(ctx, []string{metric}, start, end)
	if err != nil {
		return 0, nil, classifyBackendError(err)
	}

	distinct := make(map[string]map[model.LabelValue]struct{})
	for _, set := range sets {
		for name, value := range set {
			if name == model.MetricNameLabel {
				continue
			}
			values, ok := distinct[string(name)]
			if !ok {
				values = make(map[model.LabelValue]struct{})
				distinct[string(name)] = values
			}
			values[value] = struct{}{}
		}
	}

	labels := make(map[string]int, len(distinct))
	for name, values := range distinct {
		labels[name] = len(values)
	}
	return len(sets), labels, nil
}

// classifyBackendError folds transport failures into the collector's two
// backend error classes and leaves API errors alone.
func classifyBackendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(cardinality.ErrBackendTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(cardinality.ErrBackendTimeout, err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errors.Wrap(cardinality.ErrBackendUnavailable, err.Error())
	}
	return err
}
