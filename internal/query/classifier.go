package query

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bank-rag/backend/internal/storage/models"
)

// Threshold is the score a strategy needs to be selected.
const Threshold = 1.0

// vocabularyWeight is added once when any known term appears in the question.
const vocabularyWeight = 1.0

var quotedRe = regexp.MustCompile("[`\"]([\\w][\\w .-]*?)[`\"]")

// genericTerms are column names too common to identify a field on their own.
var genericTerms = map[string]bool{"name": true, "description": true, "remarks": true, "notes": true, "comment": true}

// QueryClassification is the routing decision for one question.
type QueryClassification struct {
	// Strategies are in merge order: structured before semantic.
	Strategies []models.Strategy
	Scores     map[models.Strategy]float64
	// Terms are the known vocabulary terms and quoted identifiers to look up.
	Terms         []string
	HierarchyPath string
	Matched       []string
}

func (c QueryClassification) Has(s models.Strategy) bool {
	for _, x := range c.Strategies {
		if x == s {
			return true
		}
	}
	return false
}

// Label is structured, semantic or both.
func (c QueryClassification) Label() string {
	if len(c.Strategies) > 1 {
		return "both"
	}
	if len(c.Strategies) == 1 {
		return string(c.Strategies[0])
	}
	return string(models.StrategySemantic)
}

// Classifier routes questions with a weighted rule table. It is stateless;
// one instance is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify scores the question against the rules and the tenant's known
// vocabulary. It never fails; a question nothing matches goes to semantic
// search.
func (c *Classifier) Classify(question string, vocabulary []string) QueryClassification {
	q := strings.ToLower(strings.TrimSpace(question))
	out := QueryClassification{Scores: map[models.Strategy]float64{}}

	for _, r := range c.rules {
		m := r.Pattern.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		out.Scores[r.Strategy] += r.Weight
		out.Matched = append(out.Matched, r.Name)
		if r.CapturesPath && out.HierarchyPath == "" {
			if i := r.Pattern.SubexpIndex("path"); i > 0 && i < len(m) {
				out.HierarchyPath = strings.TrimSpace(m[i])
			}
		}
	}

	seen := make(map[string]bool)
	addTerm := func(t string) {
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			out.Terms = append(out.Terms, t)
		}
	}

	if hits := vocabularyHits(q, vocabulary); len(hits) > 0 {
		out.Scores[models.StrategyStructured] += vocabularyWeight
		out.Matched = append(out.Matched, "vocabulary")
		for _, h := range hits {
			addTerm(h)
		}
	}
	for _, m := range quotedRe.FindAllStringSubmatch(question, -1) {
		addTerm(strings.TrimSpace(m[1]))
	}

	if out.Scores[models.StrategyStructured] >= Threshold {
		out.Strategies = append(out.Strategies, models.StrategyStructured)
	}
	if out.Scores[models.StrategySemantic] >= Threshold {
		out.Strategies = append(out.Strategies, models.StrategySemantic)
	}
	if len(out.Strategies) == 0 {
		out.Strategies = []models.Strategy{models.StrategySemantic}
	}
	return out
}

// vocabularyHits returns the vocabulary terms found in q on word boundaries,
// longest first. Weak keywords and generic column names do not count.
func vocabularyHits(q string, vocabulary []string) []string {
	weak := make(map[string]bool, len(weakKeywords))
	for _, kw := range weakKeywords {
		weak[kw] = true
	}

	var hits []string
	for _, term := range vocabulary {
		t := strings.ToLower(strings.TrimSpace(term))
		if len([]rune(t)) < 2 || weak[t] || genericTerms[t] {
			continue
		}
		if containsTerm(q, t) {
			hits = append(hits, strings.TrimSpace(term))
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i]) > len(hits[j]) })
	return hits
}

func containsTerm(s, term string) bool {
	for from := 0; from <= len(s)-len(term); {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(term)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
