// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafana/dskit/crypto/tls"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metricsaudit/cardaudit/pkg/version"
)

var (
	ErrResourceNotFound = errors.New("requested resource not found")
	errTooManyRequests  = errors.New("too many requests")
)

// UserAgent returns build information in format suitable to be used in HTTP User-Agent header.
func UserAgent() string {
	return fmt.Sprintf("cardaudit/%s", version.Version)
}

// Config is used to configure a backend API client.
type Config struct {
	User         string            `yaml:"user"`
	Key          string            `yaml:"key"`
	Address      string            `yaml:"address"`
	AuthToken    string            `yaml:"auth_token"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	TLS          tls.ClientConfig
}

// Client is a plain HTTP client for audit backends that speak JSON over a
// fixed base URL, such as Alertmanager and the Prometheus admin endpoints.
type Client struct {
	user         string
	key          string
	endpoint     *url.URL
	Client       http.Client
	authToken    string
	extraHeaders map[string]string
}

// New returns a new Client.
func New(cfg Config) (*Client, error) {
	endpoint, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"address": cfg.Address,
	}).Debugln("new backend client created")

	client := http.Client{}

	// Setup TLS client
	tlsConfig, err := cfg.TLS.GetTLSConfig()
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"tls-ca":   cfg.TLS.CAPath,
			"tls-cert": cfg.TLS.CertPath,
			"tls-key":  cfg.TLS.KeyPath,
		}).Errorf("error loading TLS files")
		return nil, fmt.Errorf("backend client initialization unsuccessful")
	}

	if tlsConfig != nil {
		transport := &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
		client = http.Client{Transport: transport}
	}

	return &Client{
		user:         cfg.User,
		key:          cfg.Key,
		endpoint:     endpoint,
		Client:       client,
		authToken:    cfg.AuthToken,
		extraHeaders: cfg.ExtraHeaders,
	}, nil
}

func (r *Client) doRequest(ctx context.Context, path, method string, payload io.Reader, contentLength int64) (*http.Response, error) {
	req, err := buildRequest(ctx, path, method, *r.endpoint, payload, contentLength)
	if err != nil {
		return nil, err
	}

	switch {
	case (r.user != "" || r.key != "") && r.authToken != "":
		err := errors.New("at most one of basic auth or auth token should be configured")
		log.WithFields(log.Fields{
			"url":    req.URL.String(),
			"method": req.Method,
			"error":  err,
		}).Errorln("error during setting up request to backend api")
		return nil, err

	case r.user != "":
		req.SetBasicAuth(r.user, r.key)

	case r.key != "":
		req.SetBasicAuth(r.user, r.key)

	case r.authToken != "":
		req.Header.Add("Authorization", "Bearer "+r.authToken)
	}

	for k, v := range r.extraHeaders {
		req.Header.Add(k, v)
	}

	log.WithFields(log.Fields{
		"url":    req.URL.String(),
		"method": req.Method,
	}).Debugln("sending request to backend api")

	resp, err := r.Client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"url":    req.URL.String(),
			"method": req.Method,
			"error":  err.Error(),
		}).Errorln("error during request to backend api")
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, errors.Wrapf(err, "%s request to %s failed", req.Method, req.URL.String())
	}

	return resp, nil
}

// checkResponse checks an API response for errors.
func checkResponse(r *http.Response) error {
	log.WithFields(log.Fields{
		"status": r.Status,
	}).Debugln("checking response")
	if 200 <= r.StatusCode && r.StatusCode <= 299 {
		return nil
	}

	bodyHead, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		return errors.Wrapf(err, "reading body")
	}
	bodyStr := string(bodyHead)
	const msg = "response"
	if r.StatusCode == http.StatusNotFound {
		log.WithFields(log.Fields{
			"status": r.Status,
			"body":   bodyStr,
		}).Debugln(msg)
		return ErrResourceNotFound
	}
	if r.StatusCode == http.StatusTooManyRequests {
		log.WithFields(log.Fields{
			"status": r.Status,
			"body":   bodyStr,
		}).Debugln(msg)
		return errTooManyRequests
	}

	log.WithFields(log.Fields{
		"status": r.Status,
		"body":   bodyStr,
	}).Errorln(msg)

	var errMsg string
	if bodyStr == "" {
		errMsg = fmt.Sprintf("server returned HTTP status: %s", r.Status)
	} else {
		errMsg = fmt.Sprintf("server returned HTTP status: %s, body: %q", r.Status, bodyStr)
	}

	return errors.New(errMsg)
}

func joinPath(baseURLPath, targetPath string) string {
	// trim exactly one slash at the end of the base URL, this expects target
	// path to always start with a slash
	return strings.TrimSuffix(baseURLPath, "/") + targetPath
}

func buildRequest(ctx context.Context, p, m string, endpoint url.URL, payload io.Reader, contentLength int64) (*http.Request, error) {
	// parse path parameter again (as it already contains escaped path information
	pURL, err := url.Parse(p)
	if err != nil {
		return nil, err
	}

	// if path or endpoint contains escaping that requires RawPath to be populated, also join rawPath
	if pURL.RawPath != "" || endpoint.RawPath != "" {
		endpoint.RawPath = joinPath(endpoint.EscapedPath(), pURL.EscapedPath())
	}
	endpoint.Path = joinPath(endpoint.Path, pURL.Path)
	endpoint.RawQuery = pURL.RawQuery
	r, err := http.NewRequestWithContext(ctx, m, endpoint.String(), payload)
	if err != nil {
		return nil, err
	}
	if contentLength >= 0 {
		r.ContentLength = contentLength
	}
	r.Header.Add("User-Agent", UserAgent())
	return r, nil
}

// authRoundTripper injects the same credentials doRequest would on clients
// that manage their own requests, like the prometheus API client.
type authRoundTripper struct {
	user, key, token string
	headers          map[string]string
	next             http.RoundTripper
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	switch {
	case rt.user != "" || rt.key != "":
		req.SetBasicAuth(rt.user, rt.key)
	case rt.token != "":
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", UserAgent())
	return rt.next.RoundTrip(req)
}
