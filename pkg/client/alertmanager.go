// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metricsaudit/cardaudit/pkg/extract"
)

// SourceAlertmanager tags every expression recovered from an active alert.
const SourceAlertmanager = "alertmanager"

const alertsAPIPath = "/api/v2/alerts"

// AlertmanagerClient lists active alerts and recovers the PromQL expression
// each one fired on. Alertmanager does not store expressions, but the
// generator URL Prometheus attaches carries the original query in its
// g0.expr parameter.
type AlertmanagerClient struct {
	*Client
}

// NewAlertmanagerClient returns a new AlertmanagerClient.
func NewAlertmanagerClient(cfg Config) (*AlertmanagerClient, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &AlertmanagerClient{Client: c}, nil
}

type alert struct {
	Labels       map[string]string `json:"labels"`
	GeneratorURL string            `json:"generatorURL"`
}

// ListAlertRules returns one document per active alert that carries a
// recoverable expression. Alerts without one are skipped with a debug log.
func (c *AlertmanagerClient) ListAlertRules(ctx context.Context) ([]extract.Document, error) {
	res, err := c.doRequest(ctx, alertsAPIPath, http.MethodGet, nil, -1)
	if err != nil {
		return nil, errors.Wrap(err, "listing active alerts")
	}
	defer res.Body.Close()

	var alerts []alert
	if err := json.NewDecoder(res.Body).Decode(&alerts); err != nil {
		return nil, errors.Wrap(err, "decoding alertmanager response")
	}

	docs := make([]extract.Document, 0, len(alerts))
	for _, a := range alerts {
		name := a.Labels["alertname"]
		expr, ok := exprFromGeneratorURL(a.GeneratorURL)
		if !ok {
			log.WithFields(log.Fields{"alertname": name}).Debugln("alert carries no recoverable expression")
			continue
		}
		docs = append(docs, extract.Document{
			Source: SourceAlertmanager,
			Name:   name,
			Data:   map[string]interface{}{"alertname": name, "expr": expr},
		})
	}
	return docs, nil
}

// exprFromGeneratorURL URL-decodes the g0.expr query parameter of a
// Prometheus generator URL.
func exprFromGeneratorURL(generatorURL string) (string, bool) {
	if generatorURL == "" {
		return "", false
	}
	u, err := url.Parse(generatorURL)
	if err != nil {
		return "", false
	}
	expr := u.Query().Get("g0.expr")
	if expr == "" {
		return "", false
	}
	return expr, true
}
