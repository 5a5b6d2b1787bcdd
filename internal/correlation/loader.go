package correlation

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed rules/*.yaml
var embeddedRules embed.FS

// Loader owns the parsed rule set: the rules embedded in the binary plus an
// optional external directory whose rules override embedded ones by id.
// Safe for concurrent use; Reload swaps the set atomically.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewLoader creates a loader. dir may be empty, in which case only the
// embedded rules are served.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		dir:    dir,
		logger: logger.With(slog.String("component", "rule_loader")),
		rules:  make(map[string]*Rule),
	}
}

// Load parses the embedded rules and the external directory. A rule that
// fails to parse is logged and skipped without failing the load; surviving
// rules still serve. Returns an error only when the external directory is
// configured but unreadable.
func (l *Loader) Load() error {
	rules := make(map[string]*Rule)

	if err := l.loadEmbedded(rules); err != nil {
		return err
	}

	if l.dir != "" {
		if err := l.loadDir(rules); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()

	l.logger.Info("correlation rules loaded", slog.Int("count", len(rules)))

	return nil
}

func (l *Loader) loadEmbedded(rules map[string]*Rule) error {
	entries, err := fs.ReadDir(embeddedRules, "rules")
	if err != nil {
		return fmt.Errorf("reading embedded rules: %w", err)
	}

	for _, entry := range entries {
		raw, err := embeddedRules.ReadFile("rules/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading embedded rule %s: %w", entry.Name(), err)
		}

		l.addRule(rules, entry.Name(), raw)
	}

	return nil
}

func (l *Loader) loadDir(rules map[string]*Rule) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("reading rule directory %s: %w", l.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Error("reading rule file", slog.String("file", entry.Name()), slog.String("error", err.Error()))

			continue
		}

		l.addRule(rules, entry.Name(), raw)
	}

	return nil
}

func (l *Loader) addRule(rules map[string]*Rule, filename string, raw []byte) {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))

	rule, err := ParseRule(raw, stem)
	if err != nil {
		l.logger.Error("skipping rule", slog.String("file", filename), slog.String("error", err.Error()))

		return
	}

	rules[rule.ID] = rule
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)

	return ext == ".yaml" || ext == ".yml"
}

// Rules returns the loaded rules sorted by id.
func (l *Loader) Rules() []*Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Rule returns one rule by id.
func (l *Loader) Rule(id string) (*Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rules[id]

	return r, ok
}
