package rules

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/nullbound/secproxy/internal/ruleset"
)

func TestEvaluateMonitorAlwaysAllows(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{Mode: ruleset.ModeMonitor}
	d := Evaluate("example.com", "/hello", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
	c.Assert(d.Reason, qt.Equals, "Monitor Mode")
}

func TestEvaluateEnforceBlocksUnlistedHost(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "github.com"}},
	}
	d := Evaluate("evil.example", "/", "GET", set)
	c.Assert(d.Allow, qt.IsFalse)
	c.Assert(d.Reason, qt.Equals, "Host Not Allowed")
}

func TestEvaluateEnforceAllowsPathPrefix(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "api.github.com", AllowedPaths: []string{"/repos/"}}},
	}
	d := Evaluate("api.github.com", "/repos/o/r", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
	c.Assert(d.Reason, qt.Equals, "Path Match")
}

func TestEvaluateEnforceBlocksUnlistedPath(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "api.github.com", AllowedPaths: []string{"/repos/"}}},
	}
	d := Evaluate("api.github.com", "/user", "GET", set)
	c.Assert(d.Allow, qt.IsFalse)
	c.Assert(d.Reason, qt.Equals, `Path Not Allowed: ["/repos/"]`)
}

func TestEvaluateEmptyAllowedPathsMatchesAnyPath(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "github.com"}},
	}
	d := Evaluate("github.com", "/anything", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
	c.Assert(d.Reason, qt.Equals, "Host Match")
}

func TestEvaluateSubdomainSuffixMatches(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "github.com"}},
	}
	d := Evaluate("objects.github.com", "/x", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
	c.Assert(d.Reason, qt.Equals, "Host Match")
}

func TestEvaluateLookalikeSuffixDoesNotMatch(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "github.com"}},
	}
	d := Evaluate("evil-github.com", "/", "GET", set)
	c.Assert(d.Allow, qt.IsFalse)
	c.Assert(d.Reason, qt.Equals, "Host Not Allowed")
}

func TestEvaluateHostComparisonCaseInsensitive(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "GitHub.com"}},
	}
	d := Evaluate("github.COM", "/", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
}

func TestEvaluateFirstMatchingRuleWins(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode: ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{
			{Host: "github.com", AllowedPaths: []string{"/repos/"}},
			{Host: "github.com"},
		},
	}
	d := Evaluate("github.com", "/user", "GET", set)
	c.Assert(d.Allow, qt.IsFalse, qt.Commentf("declaration order must win even though a later rule would have allowed the request"))
}

func TestEvaluatePathMatchIncludesQueryString(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "api.github.com", AllowedPaths: []string{"/repos/o/r?token="}}},
	}
	d := Evaluate("api.github.com", "/repos/o/r?token=abc", "GET", set)
	c.Assert(d.Allow, qt.IsTrue)
}

func TestEvaluateHostAllowAllAlias(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{Mode: ruleset.ModeMonitor}
	d := EvaluateHost("anything.example", set)
	c.Assert(d.Allow, qt.IsTrue)
}

func TestEvaluateHostPreCheckBlocksUnlistedHost(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "github.com"}},
	}
	d := EvaluateHost("evil.example", set)
	c.Assert(d.Allow, qt.IsFalse)
	c.Assert(d.Reason, qt.Equals, "Host Not Allowed")
}

func TestEvaluateHostPreCheckAllowsListedHostRegardlessOfPath(t *testing.T) {
	c := qt.New(t)
	set := &ruleset.Set{
		Mode:  ruleset.ModeEnforce,
		Rules: []ruleset.HostRule{{Host: "api.github.com", AllowedPaths: []string{"/repos/"}}},
	}
	d := EvaluateHost("api.github.com", set)
	c.Assert(d.Allow, qt.IsTrue, qt.Commentf("the host pre-check only rules out the host, not the path"))
}
