// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		path        string
		expectedURL string
	}{
		{
			name:        "plain",
			endpoint:    "http://backend.local",
			path:        "/api/v2/alerts",
			expectedURL: "http://backend.local/api/v2/alerts",
		},
		{
			name:        "endpoint with prefix",
			endpoint:    "http://backend.local/prometheus/",
			path:        "/-/healthy",
			expectedURL: "http://backend.local/prometheus/-/healthy",
		},
		{
			name:        "query string is preserved",
			endpoint:    "http://backend.local",
			path:        "/api/v1/series?match%5B%5D=up",
			expectedURL: "http://backend.local/api/v1/series?match%5B%5D=up",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			endpoint, err := url.Parse(test.endpoint)
			require.NoError(t, err)

			req, err := buildRequest(context.Background(), test.path, http.MethodGet, *endpoint, nil, -1)
			require.NoError(t, err)
			assert.Equal(t, test.expectedURL, req.URL.String())
			assert.True(t, strings.HasPrefix(req.Header.Get("User-Agent"), "cardaudit/"))
		})
	}
}

func TestCheckResponse(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expectedErr error
	}{
		{name: "ok", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "not found", status: http.StatusNotFound, expectedErr: ErrResourceNotFound},
		{name: "too many requests", status: http.StatusTooManyRequests, expectedErr: errTooManyRequests},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res := &http.Response{
				StatusCode: test.status,
				Status:     http.StatusText(test.status),
				Body:       io.NopCloser(strings.NewReader(test.body)),
			}
			err := checkResponse(res)
			if test.expectedErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, test.expectedErr))
		})
	}

	t.Run("server error carries body head", func(t *testing.T) {
		res := &http.Response{
			StatusCode: http.StatusInternalServerError,
			Status:     "500 Internal Server Error",
			Body:       io.NopCloser(strings.NewReader("boom")),
		}
		err := checkResponse(res)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestDoRequestRejectsConflictingAuth(t *testing.T) {
	c, err := New(Config{Address: "http://backend.local", User: "u", Key: "k", AuthToken: "tok"})
	require.NoError(t, err)

	_, err = c.doRequest(context.Background(), "/", http.MethodGet, nil, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one of basic auth or auth token")
}
