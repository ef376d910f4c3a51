// SPDX-License-Identifier: AGPL-3.0-only

// Package extract pulls raw query expressions out of dashboard and alert
// documents without assuming a fixed schema. Grafana reshuffles dashboard
// JSON across versions, so instead of typed panel structs the walk looks for
// a small set of authoritative field keys at any depth.
package extract

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

// DefaultFieldKeys are the field names whose string values are treated as
// query expressions.
var DefaultFieldKeys = []string{"expr", "query", "target", "expression"}

// Expression is one raw query string and the source tag of the document it
// came from.
type Expression struct {
	Text   string
	Source string
}

// Document is a decoded payload to extract expressions from. Name is a
// human identifier for logging, such as a dashboard title or rule name.
type Document struct {
	Source string
	Name   string
	Data   interface{}
}

// FromJSON decodes a raw JSON payload into a Document.
func FromJSON(source, name string, raw []byte) (Document, error) {
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, errors.Wrapf(err, "decoding document %q", name)
	}
	return Document{Source: source, Name: name, Data: data}, nil
}

// Template variables of these types hold option lists or datasource names
// in their query field, not expressions.
var nonQueryTemplateTypes = map[string]struct{}{
	"adhoc":      {},
	"constant":   {},
	"custom":     {},
	"datasource": {},
	"interval":   {},
	"textbox":    {},
}

// Extract walks the document and returns every non-empty string found under
// one of the authoritative field keys, in a deterministic order. Container
// keys never prune the walk; duplicates are kept.
func Extract(doc Document, keys []string) []Expression {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var out []Expression
	walk(doc.Data, keySet, doc.Source, &out)
	return out
}

func walk(node interface{}, keys map[string]struct{}, source string, out *[]Expression) {
	switch v := node.(type) {
	case map[string]interface{}:
		skipOwn := false
		if t, ok := v["type"].(string); ok {
			_, skipOwn = nonQueryTemplateTypes[t]
		}

		names := make([]string, 0, len(v))
		for k := range v {
			names = append(names, k)
		}
		sort.Strings(names)

		for _, k := range names {
			child := v[k]
			if _, authoritative := keys[k]; authoritative && !skipOwn {
				if s, ok := child.(string); ok && strings.TrimSpace(s) != "" {
					*out = append(*out, Expression{Text: s, Source: source})
				}
			}
			walk(child, keys, source, out)
		}
	case []interface{}:
		for _, child := range v {
			walk(child, keys, source, out)
		}
	}
}

var (
	lvRegexp        = regexp.MustCompile(`(?s)label_values\((.+),.+\)`)
	lvNoQueryRegexp = regexp.MustCompile(`(?s)label_values\((.+)\)`)
	qrRegexp        = regexp.MustCompile(`(?s)query_result\((.+)\)`)

	variableRangeQueryRangeRegex = regexp.MustCompile(`\[\$?\w+?]`)
	variableSubqueryRangeRegex   = regexp.MustCompile(`\[\$?\w+:\$?\w+?]`)
	variableBraceRegex           = regexp.MustCompile(`\$\{\w+(?::\w+)?\}`)
	variableBracketRegex         = regexp.MustCompile(`\[\[\w+\]\]`)
	variablePlainRegex           = regexp.MustCompile(`\$\w+`)

	variableReplacer = strings.NewReplacer(
		"$__interval", "5m",
		"$interval", "5m",
		"$resolution", "5s",
		"$__rate_interval", "15s",
		"$rate_interval", "15s",
		"$__range", "1d",
		"${__range_s:glob}", "30",
		"${__range_s}", "30",
	)
)

// Normalize rewrites a raw expression so the tokenizer sees plain selectors:
// label_values()/query_result() wrappers are unwrapped, the builtin interval
// variables become literal durations, and remaining template placeholders
// collapse to the literal "variable". An empty result means the input held
// no expression at all, e.g. label_values(label).
func Normalize(query string) string {
	if lvRegexp.MatchString(query) {
		sm := lvRegexp.FindStringSubmatch(query)
		if len(sm) > 0 {
			query = sm[1]
		} else {
			return ""
		}
	} else if lvNoQueryRegexp.MatchString(query) {
		// Only a label in there, no query.
		return ""
	} else if qrRegexp.MatchString(query) {
		query = qrRegexp.FindStringSubmatch(query)[1]
	}

	query = variableReplacer.Replace(query)
	query = variableBraceRegex.ReplaceAllLiteralString(query, "variable")
	query = variableBracketRegex.ReplaceAllLiteralString(query, "variable")
	query = variablePlainRegex.ReplaceAllLiteralString(query, "variable")
	query = variableRangeQueryRangeRegex.ReplaceAllLiteralString(query, `[5m]`)
	query = variableSubqueryRangeRegex.ReplaceAllLiteralString(query, `[5m:1m]`)
	return strings.TrimSpace(query)
}
