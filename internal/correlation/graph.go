package correlation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/scanforge-io/scanforge/internal/event"
)

// graph is the in-memory view of one scan's events that a rule evaluation
// runs over. Related-event lookups (source., child., entity.) resolve
// through it and are memoized for the duration of the run.
type graph struct {
	ordered  []*event.Event
	byHash   map[string]*event.Event
	children map[string][]*event.Event

	entityMemo map[string]*event.Event
	regexCache map[string]*regexp.Regexp
}

// newGraph indexes a scan's events. Iteration order is fixed by sorting on
// hash, which keeps evaluation deterministic.
func newGraph(events []event.Event) *graph {
	g := &graph{
		ordered:    make([]*event.Event, 0, len(events)),
		byHash:     make(map[string]*event.Event, len(events)),
		children:   make(map[string][]*event.Event),
		entityMemo: make(map[string]*event.Event),
		regexCache: make(map[string]*regexp.Regexp),
	}

	for i := range events {
		evt := &events[i]

		if _, dup := g.byHash[evt.Hash]; dup {
			continue
		}

		g.byHash[evt.Hash] = evt
		g.ordered = append(g.ordered, evt)
	}

	sort.Slice(g.ordered, func(i, j int) bool { return g.ordered[i].Hash < g.ordered[j].Hash })

	for _, evt := range g.ordered {
		if evt.SourceHash != "" {
			g.children[evt.SourceHash] = append(g.children[evt.SourceHash], evt)
		}
	}

	return g
}

// source returns the parent event, or nil for the seed.
func (g *graph) source(evt *event.Event) *event.Event {
	if evt.SourceHash == "" {
		return nil
	}

	return g.byHash[evt.SourceHash]
}

// entity returns the nearest ancestor (the event itself included) whose
// type is in the closed entity set.
func (g *graph) entity(evt *event.Event) *event.Event {
	if memo, ok := g.entityMemo[evt.Hash]; ok {
		return memo
	}

	visited := make(map[string]bool)
	cur := evt

	for cur != nil && !visited[cur.Hash] {
		visited[cur.Hash] = true

		if event.IsEntityType(cur.Type) {
			g.entityMemo[evt.Hash] = cur

			return cur
		}

		cur = g.source(cur)
	}

	g.entityMemo[evt.Hash] = nil

	return nil
}

// values resolves a (possibly prefixed) field reference against one event.
// Plain and source./entity. fields yield at most one value; child. yields
// one per child event.
func (g *graph) values(evt *event.Event, field string) []string {
	base, prefix := splitFieldPrefix(field)

	switch prefix {
	case "":
		return []string{baseField(evt, base)}
	case "source":
		if src := g.source(evt); src != nil {
			return []string{baseField(src, base)}
		}

		return nil
	case "child":
		kids := g.children[evt.Hash]
		out := make([]string, 0, len(kids))

		for _, kid := range kids {
			out = append(out, baseField(kid, base))
		}

		return out
	case "entity":
		if ent := g.entity(evt); ent != nil {
			return []string{baseField(ent, base)}
		}

		return nil
	}

	return nil
}

// firstValue returns the first resolved value of a field, or empty.
func (g *graph) firstValue(evt *event.Event, field string) string {
	vals := g.values(evt, field)
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}

func baseField(evt *event.Event, base string) string {
	switch base {
	case "type":
		return evt.Type
	case "module":
		return evt.Module
	case "data":
		return evt.Data
	}

	return ""
}

// collect runs one collection's matcher chain: the first matcher pulls from
// the full event set, subsequent matchers filter it.
func (g *graph) collect(c Collection) ([]*event.Event, error) {
	set := g.ordered

	for _, m := range c.Collect {
		filtered := make([]*event.Event, 0, len(set))

		for _, evt := range set {
			ok, err := g.matches(evt, m)
			if err != nil {
				return nil, err
			}

			if ok {
				filtered = append(filtered, evt)
			}
		}

		set = filtered
	}

	return set, nil
}

// matches applies one matcher to one event. Positive values are OR-ed;
// any matching negated ("not ") value vetoes the event. A matcher over a
// related field that resolves to nothing never matches.
func (g *graph) matches(evt *event.Event, m Matcher) (bool, error) {
	vals := g.values(evt, m.Field)
	if len(vals) == 0 {
		return false, nil
	}

	var positives, negatives []string

	for _, raw := range m.Value {
		if strings.HasPrefix(raw, notPrefix) {
			negatives = append(negatives, strings.TrimPrefix(raw, notPrefix))
		} else {
			positives = append(positives, raw)
		}
	}

	for _, pattern := range negatives {
		for _, v := range vals {
			hit, err := g.match(m.Method, pattern, v)
			if err != nil {
				return false, err
			}

			if hit {
				return false, nil
			}
		}
	}

	if len(positives) == 0 {
		return true, nil
	}

	for _, pattern := range positives {
		for _, v := range vals {
			hit, err := g.match(m.Method, pattern, v)
			if err != nil {
				return false, err
			}

			if hit {
				return true, nil
			}
		}
	}

	return false, nil
}

func (g *graph) match(method, pattern, value string) (bool, error) {
	if method == methodExact {
		return pattern == value, nil
	}

	re, ok := g.regexCache[pattern]
	if !ok {
		var err error

		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: bad regex %q: %v", ErrRuleEval, pattern, err)
		}

		g.regexCache[pattern] = re
	}

	return re.MatchString(value), nil
}
