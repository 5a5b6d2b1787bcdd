// Package correlation implements the declarative rule engine that runs over
// a scan's stored events and surfaces patterns as correlation results.
//
// Rules are YAML documents evaluated as a pipeline: collect pulls and
// filters events, aggregate partitions them into buckets, analyze narrows
// the buckets, and the headline template names each surviving finding.
package correlation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule schema errors.
var (
	// ErrRuleParse wraps YAML syntax and schema violations. A rule failing
	// to parse is skipped; the rest of the rule set still loads.
	ErrRuleParse = errors.New("rule parse error")

	// ErrRuleEval wraps failures during one rule's evaluation pass, such as
	// a malformed regex. The rule yields no results; others continue.
	ErrRuleEval = errors.New("rule evaluation error")
)

// Risk levels a rule may declare.
var validRisks = map[string]bool{
	"INFO":     true,
	"LOW":      true,
	"MEDIUM":   true,
	"HIGH":     true,
	"CRITICAL": true,
}

// Matcher methods and analysis methods accepted by the schema.
const (
	methodExact = "exact"
	methodRegex = "regex"

	analysisThreshold           = "threshold"
	analysisOutlier             = "outlier"
	analysisFirstCollectionOnly = "first_collection_only"
	analysisMatchAllToFirst     = "match_all_to_first_collection"

	matchMethodExact    = "exact"
	matchMethodContains = "contains"
	matchMethodSubnet   = "subnet"

	// ScopeScan evaluates a rule over one scan; ScopeWorkspace over the
	// full scan set handed to the engine.
	ScopeScan      = "scan"
	ScopeWorkspace = "workspace"
)

// notPrefix negates a matcher value.
const notPrefix = "not "

type (
	// Rule is one parsed correlation rule.
	Rule struct {
		ID          string       `yaml:"id"`
		Version     int          `yaml:"version"`
		Meta        Meta         `yaml:"meta"`
		Collections []Collection `yaml:"collections"`
		Aggregation *Aggregation `yaml:"aggregation"`
		Analysis    []Analysis   `yaml:"analysis"`
		Headline    Headline     `yaml:"headline"`

		// Raw is the original YAML document, persisted verbatim with each
		// result so findings stay explainable after rules change.
		Raw string `yaml:"-"`
	}

	// Meta describes a rule.
	Meta struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Risk        string `yaml:"risk"`
		Scope       string `yaml:"scope"`
	}

	// Collection is one ordered list of matchers. The first matcher pulls
	// events from the store; the rest filter the pulled set.
	Collection struct {
		Collect []Matcher `yaml:"collect"`
	}

	// Matcher is a single collect filter.
	Matcher struct {
		Method string     `yaml:"method"`
		Field  string     `yaml:"field"`
		Value  StringList `yaml:"value"`
	}

	// Aggregation partitions collected events into buckets by field value.
	Aggregation struct {
		Field string `yaml:"field"`
	}

	// Analysis is one analysis pipeline step.
	Analysis struct {
		Method          string `yaml:"method"`
		Field           string `yaml:"field"`
		Minimum         *int   `yaml:"minimum"`
		Maximum         *int   `yaml:"maximum"`
		CountUniqueOnly bool   `yaml:"count_unique_only"`
		MaximumPercent  *int   `yaml:"maximum_percent"`
		NoisyPercent    *int   `yaml:"noisy_percent"`
		MatchMethod     string `yaml:"match_method"`
	}

	// Headline is the finding title template. YAML accepts either a bare
	// string or a {text, publish_collections} block.
	Headline struct {
		Text               string
		PublishCollections []int
	}

	// StringList accepts a scalar or a sequence in YAML.
	StringList []string
)

// UnmarshalYAML implements yaml.Unmarshaler for scalar-or-list values.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}

		*s = StringList{v}

		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}

		*s = StringList(v)

		return nil
	}

	return fmt.Errorf("value must be a string or a list of strings")
}

// UnmarshalYAML implements yaml.Unmarshaler for string-or-block headlines.
func (h *Headline) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&h.Text)
	}

	var block struct {
		Text               string `yaml:"text"`
		PublishCollections []int  `yaml:"publish_collections"`
	}

	if err := node.Decode(&block); err != nil {
		return err
	}

	h.Text = block.Text
	h.PublishCollections = block.PublishCollections

	return nil
}

// ParseRule parses and validates one rule document. stem is the rule file's
// name without extension; the declared id must match it.
func ParseRule(raw []byte, stem string) (*Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var rule Rule
	if err := dec.Decode(&rule); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRuleParse, stem, err)
	}

	// A rule file holds exactly one document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: multiple documents", ErrRuleParse, stem)
	}

	rule.Raw = string(raw)

	if err := rule.validate(stem); err != nil {
		return nil, err
	}

	return &rule, nil
}

func (r *Rule) validate(stem string) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrRuleParse, stem, fmt.Sprintf(format, args...))
	}

	if r.ID != stem {
		return fail("id %q does not match file stem", r.ID)
	}

	if r.Version != 1 {
		return fail("unsupported version %d", r.Version)
	}

	if r.Meta.Name == "" {
		return fail("meta.name is required")
	}

	if !validRisks[r.Meta.Risk] {
		return fail("invalid meta.risk %q", r.Meta.Risk)
	}

	if r.Meta.Scope == "" {
		r.Meta.Scope = ScopeScan
	}

	if r.Meta.Scope != ScopeScan && r.Meta.Scope != ScopeWorkspace {
		return fail("invalid meta.scope %q", r.Meta.Scope)
	}

	if len(r.Collections) == 0 {
		return fail("at least one collection is required")
	}

	for i, c := range r.Collections {
		if len(c.Collect) == 0 {
			return fail("collection %d has no collect methods", i)
		}

		for j, m := range c.Collect {
			if m.Method != methodExact && m.Method != methodRegex {
				return fail("collection %d method %d: unknown method %q", i, j, m.Method)
			}

			if len(m.Value) == 0 {
				return fail("collection %d method %d: empty value", i, j)
			}

			field, _ := splitFieldPrefix(m.Field)
			if field != "type" && field != "module" && field != "data" {
				return fail("collection %d method %d: unknown field %q", i, j, m.Field)
			}

			// The first method pulls from the store and cannot reach
			// through the event graph.
			if j == 0 && m.Field != field {
				return fail("collection %d: first method cannot use a %q prefix", i, m.Field)
			}

			if m.Method == methodRegex {
				for _, v := range m.Value {
					if _, err := regexp.Compile(strings.TrimPrefix(v, notPrefix)); err != nil {
						return fail("collection %d method %d: bad regex %q: %v", i, j, v, err)
					}
				}
			}
		}
	}

	for i, a := range r.Analysis {
		switch a.Method {
		case analysisThreshold:
			if a.Field == "" {
				return fail("analysis %d: threshold requires a field", i)
			}
		case analysisOutlier:
			if a.MaximumPercent == nil {
				return fail("analysis %d: outlier requires maximum_percent", i)
			}
		case analysisFirstCollectionOnly:
			if a.Field == "" {
				return fail("analysis %d: first_collection_only requires a field", i)
			}
		case analysisMatchAllToFirst:
			if a.Field == "" {
				return fail("analysis %d: match_all_to_first_collection requires a field", i)
			}

			switch a.MatchMethod {
			case matchMethodExact, matchMethodContains, matchMethodSubnet:
			default:
				return fail("analysis %d: unknown match_method %q", i, a.MatchMethod)
			}
		default:
			return fail("analysis %d: unknown method %q", i, a.Method)
		}
	}

	if r.Headline.Text == "" {
		return fail("headline is required")
	}

	return nil
}

// splitFieldPrefix separates an optional source./child./entity. prefix from
// a field reference. The returned prefix is empty for plain fields.
func splitFieldPrefix(field string) (base, prefix string) {
	for _, p := range []string{"source.", "child.", "entity."} {
		if strings.HasPrefix(field, p) {
			return strings.TrimPrefix(field, p), strings.TrimSuffix(p, ".")
		}
	}

	return field, ""
}
