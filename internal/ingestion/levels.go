package ingestion

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bank-rag/backend/internal/extract"
)

// LevelSignal reads hierarchy depth and display name from rows of one table.
type LevelSignal interface {
	// Level returns the row depth; ok is false when the row carries no level.
	Level(row extract.Row) (level int, ok bool)
	Name(row extract.Row) string
	// Describe names the columns the signal was found in, for logs.
	Describe() string
}

// LevelMatcher inspects a header and returns a signal when it recognises one.
type LevelMatcher interface {
	Match(header []string) (LevelSignal, bool)
}

var (
	DefaultLevelAliases = []string{"level", "depth", "tier", "lvl", "hierarchy"}
	DefaultNameAliases  = []string{"field name", "field", "name", "parameter", "attribute", "element", "property", "tag", "key", "item"}

	indentedLevelRe = regexp.MustCompile(`^(?:level|lvl|l)\s*[_-]?\s*(\d+)$`)
	levelValueRe    = regexp.MustCompile(`^(?:level|lvl|l)?\s*(\d+)(?:\.0+)?$`)
	nonWordRe       = regexp.MustCompile(`[^a-z0-9]+`)
)

// DefaultLevelMatchers tries the indented "Level 1..Level N" layout first, then
// a single numeric level column.
func DefaultLevelMatchers(extraAliases ...string) []LevelMatcher {
	aliases := append(append([]string(nil), DefaultLevelAliases...), extraAliases...)
	return []LevelMatcher{
		IndentedLevelMatcher{},
		AliasLevelMatcher{Aliases: aliases, NameAliases: DefaultNameAliases},
	}
}

// AliasLevelMatcher finds one column whose header contains a level alias as a
// word, e.g. "Level", "Depth", "Hierarchy Tier".
type AliasLevelMatcher struct {
	Aliases     []string
	NameAliases []string
}

func (m AliasLevelMatcher) Match(header []string) (LevelSignal, bool) {
	for i, h := range header {
		norm := normalizeHeader(h)
		if indentedLevelRe.MatchString(norm) {
			continue
		}
		if containsWord(norm, m.Aliases) {
			return &columnSignal{
				header:    header,
				levelCol:  i,
				nameCol:   findNameColumn(header, m.NameAliases, i),
				levelName: h,
			}, true
		}
	}
	return nil, false
}

type columnSignal struct {
	header    []string
	levelCol  int
	nameCol   int
	levelName string
}

func (s *columnSignal) Level(row extract.Row) (int, bool) {
	return parseLevel(row.Cell(s.levelCol))
}

func (s *columnSignal) Name(row extract.Row) string {
	if s.nameCol >= 0 {
		if v := row.Cell(s.nameCol); v != "" {
			return v
		}
	}
	return firstValue(row, s.levelCol)
}

func (s *columnSignal) Describe() string { return s.levelName }

// IndentedLevelMatcher recognises tables that express depth by which of
// several "Level N" columns holds the value.
type IndentedLevelMatcher struct{}

func (IndentedLevelMatcher) Match(header []string) (LevelSignal, bool) {
	type col struct{ idx, n int }
	var cols []col
	for i, h := range header {
		m := indentedLevelRe.FindStringSubmatch(normalizeHeader(h))
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		cols = append(cols, col{idx: i, n: n})
	}
	if len(cols) < 2 {
		return nil, false
	}
	sort.SliceStable(cols, func(a, b int) bool { return cols[a].n < cols[b].n })

	s := &indentedSignal{}
	for _, c := range cols {
		s.cols = append(s.cols, c.idx)
		s.names = append(s.names, header[c.idx])
	}
	return s, true
}

type indentedSignal struct {
	cols  []int
	names []string
}

func (s *indentedSignal) Level(row extract.Row) (int, bool) {
	for depth, c := range s.cols {
		if row.Cell(c) != "" {
			return depth, true
		}
	}
	return 0, false
}

func (s *indentedSignal) Name(row extract.Row) string {
	for _, c := range s.cols {
		if v := row.Cell(c); v != "" {
			return v
		}
	}
	return firstValue(row, s.cols...)
}

func (s *indentedSignal) Describe() string { return strings.Join(s.names, ",") }

// parseLevel accepts "2", "2.0", "L2" and "Level 2". Negative or non-numeric
// values count as missing.
func parseLevel(v string) (int, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" || strings.HasPrefix(v, "-") {
		return 0, false
	}
	m := levelValueRe.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func findNameColumn(header []string, aliases []string, skip int) int {
	// Aliases are ordered by preference, so "field name" beats "name".
	for _, alias := range aliases {
		for i, h := range header {
			if i != skip && normalizeHeader(h) == alias {
				return i
			}
		}
	}
	for _, alias := range aliases {
		for i, h := range header {
			if i != skip && containsWord(normalizeHeader(h), []string{alias}) {
				return i
			}
		}
	}
	return -1
}

func firstValue(row extract.Row, skip ...int) string {
	for i, c := range row.Cells {
		if c == "" || containsInt(skip, i) {
			continue
		}
		return c
	}
	return ""
}

func normalizeHeader(h string) string {
	return strings.TrimSpace(nonWordRe.ReplaceAllString(strings.ToLower(h), " "))
}

// containsWord reports whether any alias occurs in s on word boundaries.
// Multi-word aliases match as a phrase.
func containsWord(s string, aliases []string) bool {
	padded := " " + s + " "
	for _, a := range aliases {
		if strings.Contains(padded, " "+a+" ") {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
