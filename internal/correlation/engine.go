package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/scanforge-io/scanforge/internal/event"
)

// Store is the persistence interface the engine depends on. Implemented by
// internal/storage.
type Store interface {
	// ScanEvents returns every event of a scan that is not flagged as a
	// false positive.
	ScanEvents(ctx context.Context, scanID string) ([]event.Event, error)

	// WriteCorrelation persists one result and its event links in a single
	// transaction, idempotently on the correlation id.
	WriteCorrelation(ctx context.Context, scanID string, result Result) error
}

// Result is one correlation finding.
type Result struct {
	CorrelationID string   `json:"correlationId"`
	RuleID        string   `json:"ruleId"`
	RuleName      string   `json:"ruleName"`
	RuleDescr     string   `json:"ruleDescr"`
	RuleRisk      string   `json:"ruleRisk"`
	RuleLogic     string   `json:"ruleLogic"`
	Title         string   `json:"title"`
	Events        []string `json:"events"`
}

// Engine evaluates loaded rules over stored events. Evaluation is a pure
// function of the event set, so re-running a rule over unchanged events
// yields the same correlation ids.
type Engine struct {
	store  Store
	loader *Loader
	logger *slog.Logger
}

// NewEngine creates an engine over the given store and rule loader.
func NewEngine(store Store, loader *Loader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:  store,
		loader: loader,
		logger: logger.With(slog.String("component", "correlation")),
	}
}

// RunScan evaluates all scan-scoped rules over one scan. Satisfies the
// scheduler's auto-correlation hook. Returns the number of results written.
func (e *Engine) RunScan(ctx context.Context, scanID string) (int, error) {
	_, found, err := e.Run(ctx, []string{scanID}, nil)

	return found, err
}

// Run evaluates rules over the given scan set and returns how many rules
// ran and how many results were written.
//
// When ruleIDs is empty every loaded rule runs; otherwise only the named
// ones. Scan-scoped rules evaluate each scan independently;
// workspace-scoped rules evaluate the combined event set of all scans.
func (e *Engine) Run(ctx context.Context, scanIDs []string, ruleIDs []string) (ran, found int, err error) {
	rules, err := e.selectRules(ruleIDs)
	if err != nil {
		return 0, 0, err
	}

	graphs := make(map[string]*graph, len(scanIDs))

	for _, scanID := range scanIDs {
		events, err := e.store.ScanEvents(ctx, scanID)
		if err != nil {
			return ran, found, fmt.Errorf("loading events for %s: %w", scanID, err)
		}

		graphs[scanID] = newGraph(events)
	}

	for _, rule := range rules {
		ran++

		if rule.Meta.Scope == ScopeWorkspace {
			n, err := e.runRuleWorkspace(ctx, rule, scanIDs, graphs)
			if err != nil {
				e.logger.Error("rule evaluation failed",
					slog.String("rule", rule.ID), slog.String("error", err.Error()))

				continue
			}

			found += n

			continue
		}

		for _, scanID := range scanIDs {
			n, err := e.runRule(ctx, rule, scanID, graphs[scanID])
			if err != nil {
				e.logger.Error("rule evaluation failed",
					slog.String("rule", rule.ID),
					slog.String("scan_id", scanID),
					slog.String("error", err.Error()))

				continue
			}

			found += n
		}
	}

	return ran, found, nil
}

func (e *Engine) selectRules(ruleIDs []string) ([]*Rule, error) {
	if len(ruleIDs) == 0 {
		return e.loader.Rules(), nil
	}

	out := make([]*Rule, 0, len(ruleIDs))

	for _, id := range ruleIDs {
		rule, ok := e.loader.Rule(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown rule %q", ErrRuleEval, id)
		}

		out = append(out, rule)
	}

	return out, nil
}

// runRule evaluates one scan-scoped rule and writes its results against the
// owning scan.
func (e *Engine) runRule(ctx context.Context, rule *Rule, scanID string, g *graph) (int, error) {
	results, err := e.evaluate(rule, g)
	if err != nil {
		return 0, err
	}

	for _, res := range results {
		if err := e.store.WriteCorrelation(ctx, scanID, res); err != nil {
			return 0, fmt.Errorf("writing correlation: %w", err)
		}
	}

	return len(results), nil
}

// runRuleWorkspace evaluates one workspace-scoped rule over the combined
// event set; results attach to the first scan of the set.
func (e *Engine) runRuleWorkspace(ctx context.Context, rule *Rule, scanIDs []string, graphs map[string]*graph) (int, error) {
	if len(scanIDs) == 0 {
		return 0, nil
	}

	var combined []event.Event

	for _, scanID := range scanIDs {
		for _, evt := range graphs[scanID].ordered {
			combined = append(combined, *evt)
		}
	}

	results, err := e.evaluate(rule, newGraph(combined))
	if err != nil {
		return 0, err
	}

	for _, res := range results {
		if err := e.store.WriteCorrelation(ctx, scanIDs[0], res); err != nil {
			return 0, fmt.Errorf("writing correlation: %w", err)
		}
	}

	return len(results), nil
}

// entry is one collected event together with the index of the collection
// that produced it.
type entry struct {
	evt        *event.Event
	collection int
}

// bucket is one aggregation partition.
type bucket struct {
	key     string
	entries []entry
}

// evaluate runs the collect / aggregate / analyze / emit pipeline for one
// rule over one event graph.
func (e *Engine) evaluate(rule *Rule, g *graph) ([]Result, error) {
	collections := make([][]*event.Event, len(rule.Collections))

	for i, c := range rule.Collections {
		collected, err := g.collect(c)
		if err != nil {
			return nil, err
		}

		collections[i] = collected
	}

	buckets := aggregate(rule, g, collections)

	for _, a := range rule.Analysis {
		var err error

		buckets, err = e.analyze(a, rule, g, buckets, collections)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(buckets))

	for _, b := range buckets {
		if len(b.entries) == 0 {
			continue
		}

		results = append(results, e.emit(rule, g, b))
	}

	return results, nil
}

// aggregate partitions the collected events into buckets. Without an
// aggregation field everything lands in a single bucket keyed by the
// representative event's data.
func aggregate(rule *Rule, g *graph, collections [][]*event.Event) []bucket {
	var entries []entry

	for i, events := range collections {
		for _, evt := range events {
			entries = append(entries, entry{evt: evt, collection: i})
		}
	}

	if len(entries) == 0 {
		return nil
	}

	if rule.Aggregation == nil || rule.Aggregation.Field == "" {
		return []bucket{{key: g.firstValue(entries[0].evt, "data"), entries: entries}}
	}

	byKey := make(map[string][]entry)

	for _, en := range entries {
		key := g.firstValue(en.evt, rule.Aggregation.Field)
		if key == "" {
			// Buckets with empty keys are dropped.
			continue
		}

		byKey[key] = append(byKey[key], en)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]bucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, bucket{key: k, entries: byKey[k]})
	}

	return out
}

// analyze applies one analysis method, narrowing the bucket set.
func (e *Engine) analyze(a Analysis, rule *Rule, g *graph, buckets []bucket, collections [][]*event.Event) ([]bucket, error) {
	switch a.Method {
	case analysisThreshold:
		return analyzeThreshold(a, g, buckets), nil
	case analysisOutlier:
		return analyzeOutlier(a, buckets), nil
	case analysisFirstCollectionOnly:
		return analyzeFirstCollectionOnly(a, g, buckets, collections), nil
	case analysisMatchAllToFirst:
		return analyzeMatchAllToFirst(a, g, buckets, collections)
	}

	return nil, fmt.Errorf("%w: unknown analysis method %q", ErrRuleEval, a.Method)
}

// analyzeThreshold keeps buckets whose count of the field's values lies in
// the inclusive [minimum, maximum] range.
func analyzeThreshold(a Analysis, g *graph, buckets []bucket) []bucket {
	out := buckets[:0]

	for _, b := range buckets {
		var count int

		if a.CountUniqueOnly {
			unique := make(map[string]bool)

			for _, en := range b.entries {
				for _, v := range g.values(en.evt, a.Field) {
					if v != "" {
						unique[v] = true
					}
				}
			}

			count = len(unique)
		} else {
			for _, en := range b.entries {
				for _, v := range g.values(en.evt, a.Field) {
					if v != "" {
						count++
					}
				}
			}
		}

		if a.Minimum != nil && count < *a.Minimum {
			continue
		}

		if a.Maximum != nil && count > *a.Maximum {
			continue
		}

		out = append(out, b)
	}

	return out
}

// analyzeOutlier keeps buckets whose entry share is at or below
// maximum_percent of the total. When every bucket is already below
// noisy_percent on average the dataset is considered noise and nothing is
// emitted. A single bucket is never an outlier.
func analyzeOutlier(a Analysis, buckets []bucket) []bucket {
	if len(buckets) < 2 {
		return nil
	}

	var total int
	for _, b := range buckets {
		total += len(b.entries)
	}

	if total == 0 {
		return nil
	}

	if a.NoisyPercent != nil {
		avg := 100 / float64(len(buckets))
		if avg <= float64(*a.NoisyPercent) {
			return nil
		}
	}

	out := buckets[:0]

	for _, b := range buckets {
		percent := 100 * float64(len(b.entries)) / float64(total)
		if percent <= float64(*a.MaximumPercent) {
			out = append(out, b)
		}
	}

	return out
}

// analyzeFirstCollectionOnly keeps entries whose field value appears in
// collection zero and in no other collection.
func analyzeFirstCollectionOnly(a Analysis, g *graph, buckets []bucket, collections [][]*event.Event) []bucket {
	if len(collections) == 0 {
		return nil
	}

	allowed := valueSet(g, collections[0], a.Field)

	for i := 1; i < len(collections); i++ {
		for v := range valueSet(g, collections[i], a.Field) {
			delete(allowed, v)
		}
	}

	return filterEntries(buckets, func(en entry) bool {
		for _, v := range g.values(en.evt, a.Field) {
			if allowed[v] {
				return true
			}
		}

		return false
	})
}

// analyzeMatchAllToFirst keeps entries whose field matches a value from
// collection zero under the configured match method.
func analyzeMatchAllToFirst(a Analysis, g *graph, buckets []bucket, collections [][]*event.Event) ([]bucket, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	reference := valueSet(g, collections[0], a.Field)

	match := func(v string) bool {
		for ref := range reference {
			switch a.MatchMethod {
			case matchMethodExact:
				if v == ref {
					return true
				}
			case matchMethodContains:
				if strings.Contains(v, ref) {
					return true
				}
			case matchMethodSubnet:
				if subnetContains(ref, v) {
					return true
				}
			}
		}

		return false
	}

	return filterEntries(buckets, func(en entry) bool {
		// Entries from the reference collection trivially match.
		if en.collection == 0 {
			return true
		}

		for _, v := range g.values(en.evt, a.Field) {
			if match(v) {
				return true
			}
		}

		return false
	}), nil
}

// subnetContains reports whether ip lies inside the CIDR netblock.
func subnetContains(netblock, ip string) bool {
	_, cidr, err := net.ParseCIDR(netblock)
	if err != nil {
		return false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	return cidr.Contains(parsed)
}

func valueSet(g *graph, events []*event.Event, field string) map[string]bool {
	out := make(map[string]bool)

	for _, evt := range events {
		for _, v := range g.values(evt, field) {
			if v != "" {
				out[v] = true
			}
		}
	}

	return out
}

func filterEntries(buckets []bucket, keep func(entry) bool) []bucket {
	out := buckets[:0]

	for _, b := range buckets {
		kept := b.entries[:0]

		for _, en := range b.entries {
			if keep(en) {
				kept = append(kept, en)
			}
		}

		if len(kept) > 0 {
			out = append(out, bucket{key: b.key, entries: kept})
		}
	}

	return out
}

// headlineToken matches {field} substitution points in headline templates.
var headlineToken = regexp.MustCompile(`\{([a-z_.]+)\}`)

// emit renders one bucket into a Result with a deterministic id.
func (e *Engine) emit(rule *Rule, g *graph, b bucket) Result {
	entries := b.entries

	if len(rule.Headline.PublishCollections) > 0 {
		publish := make(map[int]bool, len(rule.Headline.PublishCollections))
		for _, i := range rule.Headline.PublishCollections {
			publish[i] = true
		}

		var filtered []entry

		for _, en := range entries {
			if publish[en.collection] {
				filtered = append(filtered, en)
			}
		}

		if len(filtered) > 0 {
			entries = filtered
		}
	}

	hashes := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, en := range entries {
		if !seen[en.evt.Hash] {
			seen[en.evt.Hash] = true
			hashes = append(hashes, en.evt.Hash)
		}
	}

	sort.Strings(hashes)

	representative := b.entries[0].evt

	title := headlineToken.ReplaceAllStringFunc(rule.Headline.Text, func(token string) string {
		field := strings.Trim(token, "{}")

		if rule.Aggregation != nil && field == rule.Aggregation.Field {
			return b.key
		}

		if v := g.firstValue(representative, field); v != "" {
			return v
		}

		return token
	})

	return Result{
		CorrelationID: correlationID(rule.ID, hashes),
		RuleID:        rule.ID,
		RuleName:      rule.Meta.Name,
		RuleDescr:     rule.Meta.Description,
		RuleRisk:      rule.Meta.Risk,
		RuleLogic:     rule.Raw,
		Title:         title,
		Events:        hashes,
	}
}

// correlationID derives a deterministic id from the rule and the sorted
// contributing event hashes: the first 32 hex chars of a SHA-256 digest.
func correlationID(ruleID string, sortedHashes []string) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})

	for _, hash := range sortedHashes {
		h.Write([]byte(hash))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:32]
}
