// SPDX-License-Identifier: AGPL-3.0-only

// Package report writes audit results: the JSON report file consumers build
// automation on, a colored console summary, and an optional dump of every
// extracted expression.
package report

import (
	"encoding/json"
	"os"

	"github.com/metricsaudit/cardaudit/pkg/analyze"
	"github.com/metricsaudit/cardaudit/pkg/extract"
)

// JSONFile persists the report as indented JSON. The field names and
// nesting are a compatibility contract; they only change with a new major
// version.
type JSONFile struct {
	Path string
}

func (s JSONFile) Write(rep analyze.Report) error {
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.Path, out, os.FileMode(int(0o666)))
}

// QueriesDump writes every extracted raw expression grouped by source tag,
// for debugging what the extractor actually saw.
type QueriesDump struct {
	Path string
}

func (d QueriesDump) Write(exprs []extract.Expression) error {
	bySource := make(map[string][]string)
	for _, e := range exprs {
		bySource[e.Source] = append(bySource[e.Source], e.Text)
	}

	out, err := json.MarshalIndent(bySource, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(d.Path, out, os.FileMode(int(0o666)))
}
