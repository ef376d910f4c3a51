// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"net/http"
	"time"

	"github.com/grafana-tools/sdk"
	"github.com/grafana/dskit/crypto/tls"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/metricsaudit/cardaudit/pkg/extract"
)

// SourceGrafana tags every expression extracted from a dashboard.
const SourceGrafana = "grafana"

// GrafanaConfig configures the dashboard source. APIKey and SessionCookie
// are mutually exclusive; the cookie mode matches browser sessions on
// instances where no service account token is available.
type GrafanaConfig struct {
	Address       string        `yaml:"address"`
	APIKey        string        `yaml:"api_key"`
	SessionCookie string        `yaml:"session_cookie"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	Folders       []string      `yaml:"folders"`
	TLS           tls.ClientConfig
}

// GrafanaClient lists dashboards page by page and fetches each one raw, so
// schema drift between Grafana versions cannot break extraction.
type GrafanaClient struct {
	client      *sdk.Client
	readTimeout time.Duration
	folders     []string
}

// NewGrafanaClient returns a new GrafanaClient.
func NewGrafanaClient(cfg GrafanaConfig) (*GrafanaClient, error) {
	if cfg.APIKey != "" && cfg.SessionCookie != "" {
		return nil, errors.New("at most one of api key or session cookie should be configured")
	}

	httpClient := sdk.DefaultHTTPClient

	tlsConfig, err := cfg.TLS.GetTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading TLS files")
	}
	if tlsConfig != nil || cfg.SessionCookie != "" {
		var transport http.RoundTripper = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
		if cfg.SessionCookie != "" {
			transport = &cookieRoundTripper{cookie: "grafana_session=" + cfg.SessionCookie, next: transport}
		}
		httpClient = &http.Client{Transport: transport}
	}

	c, err := sdk.NewClient(cfg.Address, cfg.APIKey, httpClient)
	if err != nil {
		return nil, err
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	return &GrafanaClient{
		client:      c,
		readTimeout: readTimeout,
		folders:     cfg.Folders,
	}, nil
}

// ListDashboards fetches every dashboard, optionally restricted to folder
// titles, as raw documents. A dashboard that fails to fetch or decode is
// skipped with a warning, not an error: one broken board must not hide the
// rest of the corpus.
func (g *GrafanaClient) ListDashboards(ctx context.Context) ([]extract.Document, error) {
	boardLinks, err := g.getAllDashboards(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "searching dashboards")
	}

	filterOnFolders := len(g.folders) > 0

	docs := make([]extract.Document, 0, len(boardLinks))
	for _, link := range boardLinks {
		if filterOnFolders && !slices.Contains(g.folders, link.FolderTitle) {
			continue
		}
		doc, err := g.fetchDashboard(ctx, link)
		if err != nil {
			log.WithFields(log.Fields{
				"uid":   link.UID,
				"title": link.Title,
				"err":   err,
			}).Warnln("skipping dashboard")
			continue
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func (g *GrafanaClient) fetchDashboard(ctx context.Context, link sdk.FoundBoard) (extract.Document, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()

	data, _, err := g.client.GetRawDashboardByUID(fetchCtx, link.UID)
	if err != nil {
		return extract.Document{}, err
	}

	return extract.FromJSON(SourceGrafana, link.Title, data)
}

func (g *GrafanaClient) getAllDashboards(ctx context.Context) ([]sdk.FoundBoard, error) {
	var currentPage uint = 1
	var results []sdk.FoundBoard
	for {
		nextPageResults, err := g.client.Search(ctx, sdk.SearchType(sdk.SearchTypeDashboard), sdk.SearchPage(currentPage))
		if err != nil {
			return nil, err
		}
		// no more pages, we got everything
		if len(nextPageResults) == 0 {
			return results, nil
		}
		// we found more results, let's keep going
		results = append(results, nextPageResults...)
		currentPage++
	}
}

type cookieRoundTripper struct {
	cookie string
	next   http.RoundTripper
}

func (rt *cookieRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Cookie", rt.cookie)
	return rt.next.RoundTrip(req)
}
