// Package rules implements the proxy's rule evaluator: given a request's
// host, path, and method against a ruleset snapshot, decide Allow or
// Block.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/nullbound/secproxy/internal/ruleset"
)

// Decision is the evaluator's verdict for one request.
type Decision struct {
	Allow  bool
	Reason string
}

func allow(reason string) Decision { return Decision{Allow: true, Reason: reason} }
func block(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// Evaluate decides Allow or Block for one request. Host comparison
// is ASCII case-insensitive; path comparison is literal byte-prefix
// (query string included, no normalization).
func Evaluate(host, path, method string, set *ruleset.Set) Decision {
	_ = method // method does not currently affect the decision, kept for call-site symmetry with the (host, path, method) triple

	if set.Mode == ruleset.ModeMonitor {
		return allow("Monitor Mode")
	}

	rule, ok := findHostRule(host, set.Rules)
	if !ok {
		return block("Host Not Allowed")
	}

	if len(rule.AllowedPaths) == 0 {
		return allow("Host Match")
	}

	if lo.SomeBy(rule.AllowedPaths, func(p string) bool { return strings.HasPrefix(path, p) }) {
		return allow("Path Match")
	}

	return block(fmt.Sprintf("Path Not Allowed: %s", formatPaths(rule.AllowedPaths)))
}

// EvaluateHost is the cheap host-only pre-check run on a TLS connection
// before any upstream dial, so enforce mode never opens an upstream
// connection for a host it rejects outright whatever the request's path.
// It does not consider paths.
func EvaluateHost(host string, set *ruleset.Set) Decision {
	if set.Mode == ruleset.ModeMonitor {
		return allow("Monitor Mode")
	}
	if _, ok := findHostRule(host, set.Rules); !ok {
		return block("Host Not Allowed")
	}
	return allow("Host Allowed")
}

// findHostRule returns the first HostRule, by declaration order, whose
// Host equals host or is a dot-boundary suffix of it (P8).
func findHostRule(host string, ruleSet []ruleset.HostRule) (ruleset.HostRule, bool) {
	for _, rule := range ruleSet {
		if matchesHost(host, rule.Host) {
			return rule, true
		}
	}
	return ruleset.HostRule{}, false
}

func matchesHost(host, ruleHost string) bool {
	if strings.EqualFold(host, ruleHost) {
		return true
	}
	suffix := "." + ruleHost
	return len(host) > len(suffix) && strings.EqualFold(host[len(host)-len(suffix):], suffix)
}

func formatPaths(paths []string) string {
	b, err := json.Marshal(paths)
	if err != nil {
		return "[]"
	}
	return string(b)
}
