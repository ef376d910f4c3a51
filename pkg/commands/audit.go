// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"context"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metricsaudit/cardaudit/pkg/analyze"
	"github.com/metricsaudit/cardaudit/pkg/cardinality"
	"github.com/metricsaudit/cardaudit/pkg/client"
	"github.com/metricsaudit/cardaudit/pkg/report"
)

// AuditCommand is the main verb: fetch cardinality from Prometheus, usage
// from Grafana, Alertmanager and rule files, and join both into the report.
type AuditCommand struct {
	prometheus   client.PrometheusConfig
	grafana      client.GrafanaConfig
	alertmanager client.Config

	includeAlerts bool
	ruleFiles     []string
	metric        string
	topN          int
	concurrency   int
	timeout       time.Duration

	outputFile  string
	queriesFile string
	noSummary   bool
}

func (c *AuditCommand) Register(app *kingpin.Application, envVars EnvVarNames) {
	cmd := app.Command("audit", "Audit metric cardinality against dashboard and alert usage.").Action(c.run)

	cmd.Flag("prometheus.address", "Address of the Prometheus-compatible backend to audit.").
		Envar(envVars.Address).Required().StringVar(&c.prometheus.Address)
	cmd.Flag("prometheus.user", "Basic auth username for the metrics backend.").
		Envar(envVars.APIUser).Default("").StringVar(&c.prometheus.User)
	cmd.Flag("prometheus.key", "Basic auth password for the metrics backend.").
		Envar(envVars.APIKey).Default("").StringVar(&c.prometheus.Key)
	cmd.Flag("prometheus.auth-token", "Bearer token for the metrics backend, mutually exclusive with basic auth.").
		Envar(envVars.AuthToken).Default("").StringVar(&c.prometheus.AuthToken)
	cmd.Flag("prometheus.window", "How far back the series listing looks when counting label cardinality.").
		Default("1h").DurationVar(&c.prometheus.Window)

	cmd.Flag("grafana.address", "Address of the Grafana instance, empty skips the dashboard source.").
		Envar(envVars.GrafanaAddress).Default("").StringVar(&c.grafana.Address)
	cmd.Flag("grafana.api-key", "API key for the Grafana instance.").
		Envar(envVars.GrafanaAPIKey).Default("").StringVar(&c.grafana.APIKey)
	cmd.Flag("grafana.session-cookie", "grafana_session cookie value, an alternative to an API key.").
		Envar(envVars.GrafanaSessionCookie).Default("").StringVar(&c.grafana.SessionCookie)
	cmd.Flag("grafana.read-timeout", "Timeout for fetching a single dashboard.").
		Default("30s").DurationVar(&c.grafana.ReadTimeout)
	cmd.Flag("grafana.folder", "Grafana folder title to restrict the audit to, repeatable.").
		StringsVar(&c.grafana.Folders)

	cmd.Flag("alertmanager.address", "Address of the Alertmanager instance, empty skips the alert source.").
		Envar(envVars.AlertmanagerAddress).Default("").StringVar(&c.alertmanager.Address)
	cmd.Flag("alertmanager.user", "Basic auth username for Alertmanager.").
		Default("").StringVar(&c.alertmanager.User)
	cmd.Flag("alertmanager.key", "Basic auth password for Alertmanager.").
		Default("").StringVar(&c.alertmanager.Key)
	cmd.Flag("alertmanager.auth-token", "Bearer token for Alertmanager.").
		Default("").StringVar(&c.alertmanager.AuthToken)
	cmd.Flag("include-alerts", "Fetch active alerts from Alertmanager. Use --no-include-alerts to audit dashboards only.").
		Default("true").BoolVar(&c.includeAlerts)
	cmd.Flag("rule-files", "Local Prometheus rule file to use as a usage source, repeatable.").
		StringsVar(&c.ruleFiles)

	cmd.Flag("metric", "Audit a single metric instead of the top-N.").
		Default("").StringVar(&c.metric)
	cmd.Flag("top", "Number of top metrics by series count to audit.").
		Default("10").IntVar(&c.topN)
	cmd.Flag("concurrency", "Concurrent per-metric cardinality fetches.").
		Default("8").IntVar(&c.concurrency)
	cmd.Flag("timeout", "Timeout for the whole audit run.").
		Default("5m").DurationVar(&c.timeout)

	cmd.Flag("output-file", "File the JSON report is written to.").
		Default("cardinality-audit.json").StringVar(&c.outputFile)
	cmd.Flag("queries-file", "File every extracted expression is dumped to, empty disables the dump.").
		Default("").StringVar(&c.queriesFile)
	cmd.Flag("no-summary", "Suppress the console summary.").
		BoolVar(&c.noSummary)

	cmd.Flag("tls-ca-path", "TLS CA certificate to verify the backends with.").
		Envar(envVars.TLSCAPath).Default("").StringVar(&c.prometheus.TLS.CAPath)
	cmd.Flag("tls-cert-path", "TLS client certificate for the backends.").
		Envar(envVars.TLSCertPath).Default("").StringVar(&c.prometheus.TLS.CertPath)
	cmd.Flag("tls-key-path", "TLS client key for the backends.").
		Envar(envVars.TLSKeyPath).Default("").StringVar(&c.prometheus.TLS.KeyPath)
	cmd.Flag("tls-insecure-skip-verify", "Skip TLS certificate verification.").
		BoolVar(&c.prometheus.TLS.InsecureSkipVerify)
}

func (c *AuditCommand) run(_ *kingpin.ParseContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// One set of TLS flags serves all three backends.
	c.grafana.TLS = c.prometheus.TLS
	c.alertmanager.TLS = c.prometheus.TLS

	promClient, err := client.NewPrometheusClient(c.prometheus)
	if err != nil {
		return err
	}
	if err := promClient.CheckHealth(ctx); err != nil {
		return errors.Wrap(err, "prometheus health check failed")
	}

	auditor := analyze.Auditor{
		Collector: cardinality.NewCollector(promClient, c.concurrency),
		TopN:      c.topN,
		Metric:    c.metric,
	}

	if c.grafana.Address != "" {
		g, err := client.NewGrafanaClient(c.grafana)
		if err != nil {
			return err
		}
		auditor.Dashboards = g
	}
	if c.includeAlerts && c.alertmanager.Address != "" {
		am, err := client.NewAlertmanagerClient(c.alertmanager)
		if err != nil {
			return err
		}
		auditor.Alerts = append(auditor.Alerts, am)
	}
	if len(c.ruleFiles) > 0 {
		auditor.Alerts = append(auditor.Alerts, client.NewRuleFileSource(c.ruleFiles))
	}

	res, err := auditor.Run(ctx)
	if err != nil {
		return err
	}

	if c.queriesFile != "" {
		if err := (report.QueriesDump{Path: c.queriesFile}).Write(res.Expressions); err != nil {
			return errors.Wrap(err, "writing queries dump")
		}
	}
	if err := (report.JSONFile{Path: c.outputFile}).Write(res.Report); err != nil {
		return errors.Wrap(err, "writing report")
	}
	if !c.noSummary {
		if err := (report.Console{}).Write(res.Report); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"metrics":               len(res.Report.Metrics),
		"expressions":           len(res.Expressions),
		"malformed_expressions": res.Malformed,
		"output":                c.outputFile,
	}).Infoln("audit complete")
	return nil
}
