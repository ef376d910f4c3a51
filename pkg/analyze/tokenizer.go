// SPDX-License-Identifier: AGPL-3.0-only

package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grafana/regexp"
)

var validMetricName = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Token is a single vector selector recognized in an expression: the metric
// name and the label names referenced by its matcher block or by grouping
// clauses bound to it. Metric is empty when the selector had no resolvable
// name (bare matcher block without a usable __name__ matcher).
type Token struct {
	Metric string
	Labels []string
}

// TokenizeResult holds everything Tokenize recognized. WildcardLabels are
// grouping-clause labels that could not be bound to any selector; they apply
// to every metric of the same expression and never leak across expressions.
type TokenizeResult struct {
	Tokens         []Token
	WildcardLabels []string
}

// MalformedExpressionError reports a scan failure. It is recoverable: the
// tokens recognized before Pos are still returned alongside it.
type MalformedExpressionError struct {
	Pos    int
	Reason string
}

func (e *MalformedExpressionError) Error() string {
	return fmt.Sprintf("malformed expression at offset %d: %s", e.Pos, e.Reason)
}

// PromQL reserved words that can never be metric names. Aggregation
// operators are kept separately because they may be followed by a grouping
// clause instead of an opening parenthesis.
var (
	promKeywords = map[string]struct{}{
		"and": {}, "or": {}, "unless": {}, "by": {}, "without": {},
		"on": {}, "ignoring": {}, "group_left": {}, "group_right": {},
		"offset": {}, "bool": {}, "atan2": {}, "start": {}, "end": {},
		"inf": {}, "nan": {},
	}
	aggregationOps = map[string]struct{}{
		"sum": {}, "min": {}, "max": {}, "avg": {}, "group": {},
		"stddev": {}, "stdvar": {}, "count": {}, "count_values": {},
		"bottomk": {}, "topk": {}, "quantile": {}, "limitk": {}, "limit_ratio": {},
	}
)

// Tokenize scans a PromQL-ish expression for vector selectors and label
// usage without parsing the grammar. String literals never produce tokens.
// Matcher-block labels bind to their own selector; by/without clause labels
// bind to the selectors inside the aggregated group, or to the whole
// expression when no group can be resolved.
//
// A non-nil error is always a *MalformedExpressionError and the result still
// carries every token recognized before the failure point.
func Tokenize(expr string) (TokenizeResult, error) {
	t := &tokenizer{input: expr}
	t.scan()
	return t.result(), t.err
}

type selToken struct {
	metric string
	labels map[string]struct{}
	offset int
}

type parenGroup struct {
	open, close int
}

// pendingClause is a prefix by/without clause waiting for its argument
// group, e.g. the labels of `sum by (l) (...)` before `(...)` closes.
type pendingClause struct {
	labels    []string
	clauseEnd int
	openPos   int // bound '(' position, -1 until seen
}

type tokenizer struct {
	input string
	pos   int

	sels     []*selToken
	groups   []parenGroup
	open     []int
	pending  []*pendingClause
	wildcard map[string]struct{}
	err      error

	// last significant byte before the current token, for telling postfix
	// clauses (`sum(...) by (l)`) from prefix ones (`sum by (l) (...)`).
	lastSig    byte
	lastSigPos int
}

func (t *tokenizer) scan() {
	t.wildcard = make(map[string]struct{})
	t.lastSigPos = -1

	for t.pos < len(t.input) {
		c := t.input[t.pos]
		switch {
		case isSpace(c):
			t.pos++
		case c == '"' || c == '\'' || c == '`':
			start := t.pos
			if _, ok := t.scanString(); !ok {
				t.setErr(start, "unterminated string literal")
				t.pos = len(t.input)
				break
			}
			t.mark('"', t.pos-1)
		case c == '(':
			t.bindPendingOpen(t.pos)
			t.open = append(t.open, t.pos)
			t.mark('(', t.pos)
			t.pos++
		case c == ')':
			if n := len(t.open); n > 0 {
				g := parenGroup{open: t.open[n-1], close: t.pos}
				t.open = t.open[:n-1]
				t.groups = append(t.groups, g)
				t.resolvePending(g)
			}
			t.mark(')', t.pos)
			t.pos++
		case c == '{':
			sel := &selToken{labels: make(map[string]struct{}), offset: t.pos}
			if t.scanMatcherBlock(sel) {
				t.sels = append(t.sels, sel)
			}
			t.mark('}', t.pos-1)
		case c == '[':
			start := t.pos
			if !t.skipTo(']') {
				t.setErr(start, "unterminated range selector")
				t.pos = len(t.input)
				break
			}
			t.mark(']', t.pos-1)
		case isIdentStart(c):
			t.scanIdent()
		case c >= '0' && c <= '9':
			t.scanNumber()
		default:
			t.mark(c, t.pos)
			t.pos++
		}
	}

	if t.err == nil && len(t.open) > 0 {
		t.setErr(t.open[0], "unbalanced parentheses")
	}
	t.flushPending()
}

// mark records the last significant (non-space) unit of input.
func (t *tokenizer) mark(c byte, pos int) {
	t.lastSig = c
	t.lastSigPos = pos
}

func (t *tokenizer) setErr(pos int, reason string) {
	if t.err == nil {
		t.err = &MalformedExpressionError{Pos: pos, Reason: reason}
	}
}

// scanString consumes the string literal at t.pos and returns its contents.
// Single and double quotes honor backslash escapes, backticks are raw.
func (t *tokenizer) scanString() (string, bool) {
	quote := t.input[t.pos]
	t.pos++
	var sb strings.Builder
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		if c == '\\' && quote != '`' && t.pos+1 < len(t.input) {
			sb.WriteByte(t.input[t.pos+1])
			t.pos += 2
			continue
		}
		if c == quote {
			t.pos++
			return sb.String(), true
		}
		sb.WriteByte(c)
		t.pos++
	}
	return sb.String(), false
}

func (t *tokenizer) skipTo(end byte) bool {
	for t.pos < len(t.input) {
		if t.input[t.pos] == end {
			t.pos++
			return true
		}
		t.pos++
	}
	return false
}

func (t *tokenizer) scanNumber() {
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		// Durations (5m30s), hex (0x1f) and exponents (1e+5) all reduce to
		// alphanumeric runs with an optional sign after e/E.
		if isAlnum(c) || c == '.' {
			t.pos++
			continue
		}
		if (c == '+' || c == '-') && t.pos > 0 && (t.input[t.pos-1] == 'e' || t.input[t.pos-1] == 'E') {
			t.pos++
			continue
		}
		break
	}
	t.mark('0', t.pos-1)
}

func (t *tokenizer) scanIdent() {
	start := t.pos
	for t.pos < len(t.input) && isIdentPart(t.input[t.pos]) {
		t.pos++
	}
	ident := t.input[start:t.pos]
	low := strings.ToLower(ident)

	switch {
	case low == "by" || low == "without":
		t.scanClause(start)
		return
	case low == "on" || low == "ignoring" || low == "group_left" || low == "group_right":
		// Vector matching label lists: consume so their labels are not
		// mistaken for metric names. They are not usage either.
		if next := t.nextNonSpace(); next < len(t.input) && t.input[next] == '(' {
			t.pos = next
			t.skipTo(')')
		}
		t.mark('k', t.pos-1)
		return
	case isKeyword(low):
		t.mark('k', t.pos-1)
		return
	case isAggregation(low):
		t.mark('a', t.pos-1)
		return
	}

	next := t.nextNonSpace()
	if next < len(t.input) && t.input[next] == '(' {
		// Function call, not a selector.
		t.mark('f', t.pos-1)
		return
	}

	sel := &selToken{metric: ident, labels: make(map[string]struct{}), offset: start}
	if next < len(t.input) && t.input[next] == '{' {
		t.pos = next
		t.scanMatcherBlock(sel)
	}
	t.sels = append(t.sels, sel)
	t.mark('m', t.pos-1)
}

// scanMatcherBlock consumes a {...} matcher block, filling sel with the
// label names and resolving __name__ equality matchers into the metric
// name. It reports whether the selector carries any information. On an
// unterminated block the entries seen so far are still applied.
func (t *tokenizer) scanMatcherBlock(sel *selToken) bool {
	blockStart := t.pos
	t.pos++ // consume '{'

	var entries []string
	var entry strings.Builder
	terminated := false

scan:
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		switch c {
		case '"', '\'', '`':
			start := t.pos
			s, ok := t.scanString()
			entry.WriteByte('"')
			entry.WriteString(s)
			entry.WriteByte('"')
			if !ok {
				t.setErr(start, "unterminated string literal")
				break scan
			}
		case ',':
			entries = append(entries, entry.String())
			entry.Reset()
			t.pos++
		case '}':
			t.pos++
			terminated = true
			break scan
		default:
			entry.WriteByte(c)
			t.pos++
		}
	}
	if entry.Len() > 0 {
		entries = append(entries, entry.String())
	}
	if !terminated {
		t.setErr(blockStart, "unterminated matcher block")
		t.pos = len(t.input)
	}

	for _, e := range entries {
		t.applyMatcherEntry(sel, e)
	}
	return sel.metric != "" || len(sel.labels) > 0
}

// applyMatcherEntry records one `label op "value"` entry. The __name__
// matcher names the series instead of being a label.
func (t *tokenizer) applyMatcherEntry(sel *selToken, entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}

	var label string
	if entry[0] == '"' {
		end := strings.IndexByte(entry[1:], '"')
		if end < 0 {
			return
		}
		label = entry[1 : 1+end]
		entry = entry[2+end:]
	} else {
		i := 0
		for i < len(entry) && isIdentPart(entry[i]) {
			i++
		}
		label = entry[:i]
		entry = entry[i:]
	}
	entry = strings.TrimSpace(entry)
	if label == "" || len(entry) == 0 {
		return
	}

	var op string
	switch {
	case strings.HasPrefix(entry, "=~"), strings.HasPrefix(entry, "!="), strings.HasPrefix(entry, "!~"):
		op = entry[:2]
	case entry[0] == '=':
		op = "="
	default:
		return
	}

	if label == "__name__" {
		value := unquote(strings.TrimSpace(entry[len(op):]))
		if op == "=" && sel.metric == "" && validMetricName.MatchString(value) {
			sel.metric = value
		}
		return
	}
	sel.labels[label] = struct{}{}
}

// scanClause consumes a by/without clause starting at the keyword and binds
// its labels: to the group just closed for the postfix form, to the next
// opening group for the prefix form, to the whole expression otherwise.
func (t *tokenizer) scanClause(kwStart int) {
	next := t.nextNonSpace()
	if next >= len(t.input) || t.input[next] != '(' {
		t.setErr(kwStart, "grouping clause without label list")
		t.mark('k', t.pos-1)
		return
	}
	postfix := t.lastSig == ')'
	closePos := t.lastSigPos

	t.pos = next + 1
	var labels []string
	var ident strings.Builder
	terminated := false

scan:
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		switch {
		case c == '"' || c == '\'' || c == '`':
			start := t.pos
			s, ok := t.scanString()
			if s != "" {
				labels = append(labels, s)
			}
			if !ok {
				t.setErr(start, "unterminated string literal")
				break scan
			}
		case isIdentPart(c):
			ident.WriteByte(c)
			t.pos++
		case c == ',' || isSpace(c):
			if ident.Len() > 0 {
				labels = append(labels, ident.String())
				ident.Reset()
			}
			t.pos++
		case c == ')':
			t.pos++
			terminated = true
			break scan
		default:
			t.pos++
		}
	}
	if ident.Len() > 0 {
		labels = append(labels, ident.String())
	}
	if !terminated {
		t.setErr(kwStart, "unterminated grouping clause")
		t.pos = len(t.input)
	}
	t.mark('c', t.pos-1)

	if len(labels) == 0 {
		return
	}
	if postfix {
		for i := len(t.groups) - 1; i >= 0; i-- {
			if t.groups[i].close == closePos {
				t.attachToGroup(labels, t.groups[i])
				return
			}
		}
		t.addWildcard(labels)
		return
	}
	t.pending = append(t.pending, &pendingClause{labels: labels, clauseEnd: t.pos, openPos: -1})
}

func (t *tokenizer) bindPendingOpen(pos int) {
	for _, p := range t.pending {
		if p.openPos < 0 && pos >= p.clauseEnd {
			p.openPos = pos
		}
	}
}

func (t *tokenizer) resolvePending(g parenGroup) {
	kept := t.pending[:0]
	for _, p := range t.pending {
		if p.openPos == g.open {
			t.attachToGroup(p.labels, g)
			continue
		}
		kept = append(kept, p)
	}
	t.pending = kept
}

// flushPending handles prefix clauses whose argument group never closed:
// best effort is every selector that appeared after the clause, falling
// back to the expression-wide wildcard set.
func (t *tokenizer) flushPending() {
	for _, p := range t.pending {
		attached := false
		for _, sel := range t.sels {
			if sel.offset > p.clauseEnd {
				addLabels(sel, p.labels)
				attached = true
			}
		}
		if !attached {
			t.addWildcard(p.labels)
		}
	}
	t.pending = nil
}

func (t *tokenizer) attachToGroup(labels []string, g parenGroup) {
	attached := false
	for _, sel := range t.sels {
		if sel.offset > g.open && sel.offset < g.close {
			addLabels(sel, labels)
			attached = true
		}
	}
	if !attached {
		t.addWildcard(labels)
	}
}

func (t *tokenizer) addWildcard(labels []string) {
	for _, l := range labels {
		if l != "__name__" {
			t.wildcard[l] = struct{}{}
		}
	}
}

func (t *tokenizer) nextNonSpace() int {
	i := t.pos
	for i < len(t.input) && isSpace(t.input[i]) {
		i++
	}
	return i
}

func (t *tokenizer) result() TokenizeResult {
	var res TokenizeResult
	for _, sel := range t.sels {
		if sel.metric == "" && len(sel.labels) == 0 {
			continue
		}
		res.Tokens = append(res.Tokens, Token{Metric: sel.metric, Labels: sortedLabels(sel.labels)})
	}
	res.WildcardLabels = sortedLabels(t.wildcard)
	return res
}

func addLabels(sel *selToken, labels []string) {
	for _, l := range labels {
		if l != "__name__" {
			sel.labels[l] = struct{}{}
		}
	}
}

func sortedLabels(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'' || q == '`') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == ':' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKeyword(low string) bool {
	_, ok := promKeywords[low]
	return ok
}

func isAggregation(low string) bool {
	_, ok := aggregationOps[low]
	return ok
}
