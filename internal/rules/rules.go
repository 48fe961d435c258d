// Package rules holds the operator-defined classification rules and the
// in-memory snapshot cache the alerter matches events against.
//
// The rule corpus is owned by an external CRUD layer; this package only ever
// reads it. Each replica refreshes its own snapshot on an interval, so
// freshness across replicas is bounded by the refresh period, never
// coordinated.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mutt/pipeline/internal/event"
)

// MatchType selects how a rule's criteria are evaluated.
type MatchType string

const (
	MatchContains  MatchType = "CONTAINS"
	MatchRegex     MatchType = "REGEX"
	MatchOIDPrefix MatchType = "OID_PREFIX"
)

// Rule is one classification rule. At least one of MatchString or TrapOID is
// set; the CRUD layer enforces that on write and LoadSnapshot drops rows
// that violate it anyway.
type Rule struct {
	ID             int64
	MatchString    string
	TrapOID        string
	SyslogSeverity string
	MatchType      MatchType
	Priority       int
	ProdHandling   event.Decision
	DevHandling    event.Decision
	Team           string
	Active         bool

	re *regexp.Regexp // compiled once at snapshot load for REGEX rules
}

// matches reports whether every criterion the rule specifies holds for the
// event. Unspecified criteria are ignored, not treated as wildcards that
// fail.
func (r *Rule) matches(ev *event.Event) bool {
	if r.TrapOID != "" && r.MatchType == MatchOIDPrefix {
		if !oidHasPrefix(ev.TrapOID, r.TrapOID) {
			return false
		}
	}
	if r.MatchString != "" {
		switch r.MatchType {
		case MatchRegex:
			if r.re == nil || !r.re.MatchString(ev.Message) {
				return false
			}
		default: // CONTAINS, and OID_PREFIX rules that also carry a substring
			if !strings.Contains(ev.Message, r.MatchString) {
				return false
			}
		}
	}
	if r.SyslogSeverity != "" && r.SyslogSeverity != ev.SyslogSeverity {
		return false
	}
	return true
}

// oidHasPrefix reports whether oid starts with prefix on a dotted-label
// boundary: "1.3.6.1.4" matches prefix "1.3.6.1" but not "1.3.6.10".
func oidHasPrefix(oid, prefix string) bool {
	if oid == "" {
		return false
	}
	if oid == prefix {
		return true
	}
	return strings.HasPrefix(oid, prefix+".")
}

// Snapshot is an immutable view of the rule corpus. It is published by
// pointer swap — readers never see a half-loaded state.
type Snapshot struct {
	Rules    []*Rule // active rules, sorted by (priority, id)
	DevHosts map[string]bool
	Teams    map[string]string // hostname -> team override
	LoadedAt time.Time
}

// NewSnapshot validates, filters, compiles, and orders a freshly loaded rule
// corpus. Inactive rules and rules with no criteria are dropped; a rule with
// an uncompilable regex fails the whole load, so a bad save in the CRUD
// layer keeps the previous snapshot in effect instead of silently skipping
// the rule.
func NewSnapshot(loaded []*Rule, devHosts []string, teams map[string]string) (*Snapshot, error) {
	active := make([]*Rule, 0, len(loaded))
	for _, r := range loaded {
		if !r.Active {
			continue
		}
		if r.MatchString == "" && r.TrapOID == "" {
			continue
		}
		if r.MatchType == MatchRegex {
			re, err := regexp.Compile(r.MatchString)
			if err != nil {
				return nil, fmt.Errorf("rule %d: bad regex %q: %w", r.ID, r.MatchString, err)
			}
			r.re = re
		}
		active = append(active, r)
	}

	// Priority ascending, id as the deterministic tie-break.
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	hosts := make(map[string]bool, len(devHosts))
	for _, h := range devHosts {
		hosts[h] = true
	}
	if teams == nil {
		teams = map[string]string{}
	}

	return &Snapshot{
		Rules:    active,
		DevHosts: hosts,
		Teams:    teams,
		LoadedAt: time.Now(),
	}, nil
}

// MatchResult is the classification outcome for one event.
type MatchResult struct {
	RuleID      *int64
	Decision    event.Decision
	Team        string
	Environment event.Environment
}

// Matched reports whether a rule hit.
func (m MatchResult) Matched() bool { return m.RuleID != nil }

// Match classifies an event against the snapshot: first match in
// (priority, id) order wins. The environment and team are resolved even on
// a miss so the unhandled meta-alert can carry them.
func (s *Snapshot) Match(ev *event.Event) MatchResult {
	env := event.EnvProd
	if s.DevHosts[ev.Hostname] {
		env = event.EnvDev
	}

	for _, r := range s.Rules {
		if !r.matches(ev) {
			continue
		}
		decision := r.ProdHandling
		if env == event.EnvDev {
			decision = r.DevHandling
		}
		team := r.Team
		if override, ok := s.Teams[ev.Hostname]; ok {
			team = override
		}
		id := r.ID
		return MatchResult{RuleID: &id, Decision: decision, Team: team, Environment: env}
	}

	return MatchResult{Environment: env}
}
