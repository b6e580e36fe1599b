// Package resolver turns a user's group memberships and the groups' rules
// into effective allow/deny decisions. Resolution is pure: it operates on
// snapshots already read from the policy store and performs no I/O.
package resolver

import (
	"sort"

	"github.com/bullseye-dist/bullseye/internal/capability"
)

// Group is the slice of group state resolution needs.
type Group struct {
	ID       string
	Name     string
	Priority uint32
}

// GlobalRule is one group's explicit stance on a platform-wide capability.
type GlobalRule struct {
	Capability capability.Capability
	Allow      bool
}

// ScopedRule is one group's explicit stance on an application-scoped
// capability. A nil ApplicationID is the group-wide default for every
// application the group administers.
type ScopedRule struct {
	ApplicationID *string
	Capability    capability.ScopedCapability
	Allow         bool
}

// GroupPolicy bundles a group the user belongs to with that group's rules.
type GroupPolicy struct {
	Group       Group
	GlobalRules []GlobalRule
	ScopedRules []ScopedRule
}

// Decision is the effective outcome for one capability.
type Decision struct {
	Allow         bool
	SourceGroupID string
	// Inherited is true when the decision was filled by inheritance
	// propagation rather than an explicit rule.
	Inherited bool
}

// orderPolicies sorts group policies by priority descending; ties break on
// group ID ascending so resolution is deterministic.
func orderPolicies(policies []GroupPolicy) []GroupPolicy {
	ordered := make([]GroupPolicy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Group.Priority != ordered[j].Group.Priority {
			return ordered[i].Group.Priority > ordered[j].Group.Priority
		}
		return ordered[i].Group.ID < ordered[j].Group.ID
	})
	return ordered
}

// ResolveGlobal computes the effective decision for every declared
// platform-wide capability.
//
// Explicit rules are applied in group priority order; the first group with a
// stance on a capability wins and that decision is never overwritten.
// Inheritance then fills still-undecided capabilities from each explicit
// decision's closure, again in priority order, without ever displacing an
// explicit decision. A Superuser allow overrides everything. Capabilities
// left undecided are denied.
func ResolveGlobal(policies []GroupPolicy, graph *capability.Graph) map[capability.Capability]Decision {
	ordered := orderPolicies(policies)

	decided := make(map[capability.Capability]Decision, len(graph.All()))

	// Explicit pass.
	for _, p := range ordered {
		for _, rule := range p.GlobalRules {
			if !graph.Known(rule.Capability) {
				continue
			}
			if _, ok := decided[rule.Capability]; ok {
				continue
			}
			decided[rule.Capability] = Decision{Allow: rule.Allow, SourceGroupID: p.Group.ID}
		}
	}

	// Inheritance pass: spread each explicit decision across its closure,
	// filling gaps only. Walking groups in the same priority order means a
	// higher-priority group's spread claims a capability before a
	// lower-priority group's spread can.
	for _, p := range ordered {
		caps := make([]capability.Capability, 0, len(p.GlobalRules))
		for _, rule := range p.GlobalRules {
			caps = append(caps, rule.Capability)
		}
		sort.Slice(caps, func(a, b int) bool { return caps[a] < caps[b] })
		for _, c := range caps {
			d, ok := decided[c]
			if !ok || d.Inherited || d.SourceGroupID != p.Group.ID {
				continue
			}
			for _, implied := range graph.Closure(c) {
				if implied == c {
					continue
				}
				if _, ok := decided[implied]; ok {
					continue
				}
				decided[implied] = Decision{Allow: d.Allow, SourceGroupID: p.Group.ID, Inherited: true}
			}
		}
	}

	// Superuser allow trumps every other stance, explicit denies included.
	if su, ok := decided[capability.Superuser]; ok && su.Allow {
		for _, c := range graph.All() {
			decided[c] = Decision{Allow: true, SourceGroupID: su.SourceGroupID, Inherited: c != capability.Superuser}
		}
		decided[capability.Superuser] = su
	}

	// Default deny for anything still unset.
	out := make(map[capability.Capability]Decision, len(graph.All()))
	for _, c := range graph.All() {
		if d, ok := decided[c]; ok {
			out[c] = d
			continue
		}
		out[c] = Decision{Allow: false}
	}
	return out
}

// ResolveScoped computes the effective decision for every declared
// application-scoped capability for one application.
//
// Within a single group an application-specific rule beats the group-wide
// default for the same capability; only then does cross-group priority
// ordering apply, with the same explicit/inheritance semantics as
// ResolveGlobal.
func ResolveScoped(policies []GroupPolicy, applicationID string, graph *capability.ScopedGraph) map[capability.ScopedCapability]Decision {
	ordered := orderPolicies(policies)

	decided := make(map[capability.ScopedCapability]Decision, len(graph.All()))

	type stance struct {
		allow bool
	}
	effective := make([]map[capability.ScopedCapability]stance, len(ordered))
	for i, p := range ordered {
		rules := make(map[capability.ScopedCapability]stance)
		specific := make(map[capability.ScopedCapability]bool)
		for _, rule := range p.ScopedRules {
			if !graph.Known(rule.Capability) {
				continue
			}
			switch {
			case rule.ApplicationID != nil && *rule.ApplicationID == applicationID:
				rules[rule.Capability] = stance{allow: rule.Allow}
				specific[rule.Capability] = true
			case rule.ApplicationID == nil && !specific[rule.Capability]:
				rules[rule.Capability] = stance{allow: rule.Allow}
			}
		}
		effective[i] = rules
	}

	// Explicit pass.
	for i, p := range ordered {
		for c, st := range effective[i] {
			if _, ok := decided[c]; ok {
				continue
			}
			decided[c] = Decision{Allow: st.allow, SourceGroupID: p.Group.ID}
		}
	}

	// Inheritance pass, deterministic order within each group.
	for i, p := range ordered {
		caps := make([]capability.ScopedCapability, 0, len(effective[i]))
		for c := range effective[i] {
			caps = append(caps, c)
		}
		sort.Slice(caps, func(a, b int) bool { return caps[a] < caps[b] })
		for _, c := range caps {
			d, ok := decided[c]
			if !ok || d.Inherited || d.SourceGroupID != p.Group.ID {
				continue
			}
			for _, implied := range graph.Closure(c) {
				if implied == c {
					continue
				}
				if _, ok := decided[implied]; ok {
					continue
				}
				decided[implied] = Decision{Allow: d.Allow, SourceGroupID: p.Group.ID, Inherited: true}
			}
		}
	}

	out := make(map[capability.ScopedCapability]Decision, len(graph.All()))
	for _, c := range graph.All() {
		if d, ok := decided[c]; ok {
			out[c] = d
			continue
		}
		out[c] = Decision{Allow: false}
	}
	return out
}

// AllowedGlobal extracts the sorted allowed capability names from a global
// decision map, the shape persisted by the permission cache.
func AllowedGlobal(decisions map[capability.Capability]Decision) []string {
	out := make([]string, 0, len(decisions))
	for c, d := range decisions {
		if d.Allow {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}

// AllowedScoped extracts the sorted allowed scoped capability names from a
// scoped decision map.
func AllowedScoped(decisions map[capability.ScopedCapability]Decision) []string {
	out := make([]string, 0, len(decisions))
	for c, d := range decisions {
		if d.Allow {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}
