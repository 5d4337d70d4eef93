// Package ruleset holds the proxy's allow/block configuration: an
// immutable snapshot swapped atomically on reload so in-flight requests
// never observe a torn or partial ruleset (I4).
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// Mode selects how the Rule Evaluator disposes of a request.
type Mode string

const (
	// ModeMonitor allows every request and forwards it upstream unmodified.
	ModeMonitor Mode = "monitor"
	// ModeEnforce evaluates each request against Rules.
	ModeEnforce Mode = "enforce"
)

// rawAllowAll is the JSON-level alias for "no rules, never block" — it is
// normalized to ModeMonitor with an empty rule list at load time and never
// appears in a Set.
const rawAllowAll = "allow-all"

// HostRule matches requests whose host equals Host, or is a subdomain of
// it, and (if AllowedPaths is non-empty) whose path starts with one of the
// listed prefixes.
type HostRule struct {
	Host         string   `json:"host"`
	AllowedPaths []string `json:"allowed_paths"`
}

// Set is an immutable rule snapshot. Rules are matched in declaration
// order — the first matching HostRule wins.
type Set struct {
	Mode  Mode
	Rules []HostRule
}

// Default is the built-in fallback used when no rules file has ever
// loaded successfully: Monitor mode, no rules.
func Default() *Set {
	return &Set{Mode: ModeMonitor}
}

type rawSet struct {
	Mode         string     `json:"mode"`
	AllowedRules []HostRule `json:"allowed_rules"`
}

// parse validates and converts the raw JSON document into a Set. Unknown
// fields are ignored by encoding/json's default behavior.
func parse(data []byte) (*Set, error) {
	var raw rawSet
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ruleset: parse: %w", err)
	}

	switch strings.ToLower(raw.Mode) {
	case string(ModeMonitor):
		return &Set{Mode: ModeMonitor}, nil
	case rawAllowAll:
		return &Set{Mode: ModeMonitor}, nil
	case string(ModeEnforce):
		// fall through to validation below
	default:
		return nil, fmt.Errorf("ruleset: invalid mode %q", raw.Mode)
	}

	if !lo.EveryBy(raw.AllowedRules, validHostRule) {
		return nil, fmt.Errorf("ruleset: invalid allowed_rules entry")
	}

	return &Set{Mode: ModeEnforce, Rules: raw.AllowedRules}, nil
}

func validHostRule(rule HostRule) bool {
	if rule.Host == "" {
		return false
	}
	return lo.EveryBy(rule.AllowedPaths, func(p string) bool {
		return strings.HasPrefix(p, "/")
	})
}

// Store holds the currently published Set behind an atomic pointer swap,
// so Current is a non-blocking read that never tears (I4).
type Store struct {
	current atomic.Value
}

// NewStore returns a Store seeded with the built-in default snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(Default())
	return s
}

// Current returns the currently published snapshot. Callers must never
// mutate the returned Set — it is shared and immutable.
func (s *Store) Current() *Set {
	return s.current.Load().(*Set)
}

// Load reads and validates path, swapping the published snapshot on
// success. On failure the previous snapshot is left untouched — a failed
// parse never leaves the Store in a partial state.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ruleset: read %s: %w", path, err)
	}

	set, err := parse(data)
	if err != nil {
		return err
	}

	s.current.Store(set)
	return nil
}
