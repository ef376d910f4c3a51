// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/rulefmt"

	"github.com/metricsaudit/cardaudit/pkg/extract"
)

// RuleFileSource reads Prometheus rule files from disk and exposes their
// alerting and recording rules as documents, one source tag per file. It
// covers setups where the alerting rules live in version control rather
// than behind an Alertmanager.
type RuleFileSource struct {
	paths []string
}

// NewRuleFileSource returns a new RuleFileSource.
func NewRuleFileSource(paths []string) *RuleFileSource {
	return &RuleFileSource{paths: paths}
}

// ListAlertRules parses every configured file. A file that does not parse
// fails the listing: a rule file is local input and a typo in it should
// stop the audit rather than silently shrink the corpus.
func (s *RuleFileSource) ListAlertRules(_ context.Context) ([]extract.Document, error) {
	var docs []extract.Document
	for _, path := range s.paths {
		fileDocs, err := loadRuleFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, fileDocs...)
	}
	return docs, nil
}

func loadRuleFile(path string) ([]extract.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading rule file %s", path)
	}

	rgs, errs := rulefmt.Parse(b, false, model.UTF8Validation)
	if len(errs) > 0 {
		return nil, errors.Wrapf(errs[0], "parsing rule file %s", path)
	}

	source := "rulefile:" + filepath.Base(path)
	var docs []extract.Document
	for _, g := range rgs.Groups {
		for _, r := range g.Rules {
			name := r.Alert
			if name == "" {
				name = r.Record
			}
			docs = append(docs, extract.Document{
				Source: source,
				Name:   name,
				Data:   map[string]interface{}{"name": name, "expr": r.Expr},
			})
		}
	}
	return docs, nil
}
