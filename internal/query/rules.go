package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/config"
)

// Rule adds Weight to Strategy when Pattern matches the lowercased question.
// A rule counts once per question however often it matches.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Strategy models.Strategy
	Weight   float64
	// CapturesPath takes the "path" submatch as the hierarchy section the
	// question is scoped to.
	CapturesPath bool
}

// weakKeywords hint at structured content but need company to select it.
var weakKeywords = []string{
	"field", "fields", "column", "columns", "parameter", "parameters", "attribute", "attributes",
	"type", "format", "length", "mandatory", "required", "optional", "default", "level",
	"record", "records", "value", "values",
}

func DefaultRules() []Rule {
	rules := []Rule{
		{Name: "list", Pattern: regexp.MustCompile(`\blist\b`), Strategy: models.StrategyStructured, Weight: 1},
		{Name: "value-of", Pattern: regexp.MustCompile(`\bwhat(?:'s| is| are)(?: the)? (?:\w+ )?values?\b`), Strategy: models.StrategyStructured, Weight: 1},
		{Name: "which-fields", Pattern: regexp.MustCompile(`\bwhich (?:fields|parameters|columns|attributes|elements)\b`), Strategy: models.StrategyStructured, Weight: 1},
		{Name: "how-many", Pattern: regexp.MustCompile(`\bhow many\b`), Strategy: models.StrategyStructured, Weight: 1},
		{Name: "show-all", Pattern: regexp.MustCompile(`\bshow(?: me)? (?:all|every)\b`), Strategy: models.StrategyStructured, Weight: 1},
		{Name: "bound", Pattern: regexp.MustCompile(`\b(?:max(?:imum)?|min(?:imum)?) (?:length|value|size)\b`), Strategy: models.StrategyStructured, Weight: 0.5},
		{
			Name:         "under-section",
			Pattern:      regexp.MustCompile("\\b(?:under|in|within|below) (?:the )?(?:section|group|object|node|block|element) [\"'`]?(?P<path>[\\w][\\w .>-]*?)[\"'`]?\\s*(?:[?.,;]|$)"),
			Strategy:     models.StrategyStructured,
			Weight:       1,
			CapturesPath: true,
		},
		{Name: "explain", Pattern: regexp.MustCompile(`\bexplain\b`), Strategy: models.StrategySemantic, Weight: 1},
		{Name: "why", Pattern: regexp.MustCompile(`\bwhy\b`), Strategy: models.StrategySemantic, Weight: 1},
		{Name: "what-mean", Pattern: regexp.MustCompile(`\bwhat (?:does|do|is meant by)\b.*\bmean(?:s|t|ing)?\b`), Strategy: models.StrategySemantic, Weight: 1},
		{Name: "summarize", Pattern: regexp.MustCompile(`\bsummar(?:ize|ise|y)\b`), Strategy: models.StrategySemantic, Weight: 1},
		{Name: "define", Pattern: regexp.MustCompile(`\b(?:define|definition)\b`), Strategy: models.StrategySemantic, Weight: 1},
		{Name: "describe", Pattern: regexp.MustCompile(`\bdescribe\b`), Strategy: models.StrategySemantic, Weight: 0.5},
		{Name: "how-does", Pattern: regexp.MustCompile(`\bhow (?:does|do|can|should)\b`), Strategy: models.StrategySemantic, Weight: 0.5},
		{Name: "purpose", Pattern: regexp.MustCompile(`\b(?:purpose|overview|difference)\b`), Strategy: models.StrategySemantic, Weight: 0.5},
	}

	for _, kw := range weakKeywords {
		rules = append(rules, Rule{
			Name:     "keyword:" + kw,
			Pattern:  regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`),
			Strategy: models.StrategyStructured,
			Weight:   0.5,
		})
	}
	return rules
}

// RulesFromConfig compiles configured rules. Patterns match case-insensitively;
// a named group "path" scopes the lookup to a hierarchy section.
func RulesFromConfig(cfg []config.ClassifierRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	for i, rc := range cfg {
		strategy := models.Strategy(strings.ToLower(strings.TrimSpace(rc.Strategy)))
		if strategy != models.StrategyStructured && strategy != models.StrategySemantic {
			return nil, fmt.Errorf("classifier rule %d (%s): unknown strategy %q", i, rc.Name, rc.Strategy)
		}
		re, err := regexp.Compile("(?i)" + rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d (%s): %w", i, rc.Name, err)
		}
		weight := rc.Weight
		if weight == 0 {
			weight = 1
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("config-%d", i)
		}
		rules = append(rules, Rule{
			Name:         name,
			Pattern:      re,
			Strategy:     strategy,
			Weight:       weight,
			CapturesPath: re.SubexpIndex("path") >= 0,
		})
	}
	return rules, nil
}
