package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullseye-dist/bullseye/internal/capability"
)

func strPtr(s string) *string { return &s }

func testGraphs(t *testing.T) (*capability.Graph, *capability.ScopedGraph) {
	t.Helper()
	graph, err := capability.NewGraph(capability.Catalog())
	require.NoError(t, err)
	scoped, err := capability.NewScopedGraph(capability.ScopedCatalog())
	require.NoError(t, err)
	return graph, scoped
}

func TestResolveGlobalDefaultDeny(t *testing.T) {
	graph, _ := testGraphs(t)

	decisions := ResolveGlobal(nil, graph)

	require.Len(t, decisions, len(graph.All()))
	for c, d := range decisions {
		assert.False(t, d.Allow, "capability %s should deny by default", c)
	}
}

func TestResolveGlobalExplicitDenyBeatsInheritedAllow(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-a", Name: "Restricted", Priority: 100},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdminUpdateDetails, Allow: false},
			},
		},
		{
			Group: Group{ID: "grp-b", Name: "Admins", Priority: 10},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdmin, Allow: true},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	// Explicit deny at higher priority stands even though the lower-priority
	// UserAdmin grant would have spread an allow onto it.
	d := decisions[capability.UserAdminUpdateDetails]
	assert.False(t, d.Allow)
	assert.False(t, d.Inherited)
	assert.Equal(t, "grp-a", d.SourceGroupID)
}

func TestResolveGlobalInheritanceFillsGaps(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-a", Name: "Restricted", Priority: 100},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdminUpdateDetails, Allow: false},
			},
		},
		{
			Group: Group{ID: "grp-b", Name: "Admins", Priority: 10},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdmin, Allow: true},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	// No explicit rule for UserAdminViewAll anywhere, so the UserAdmin grant
	// fills it by inheritance.
	d := decisions[capability.UserAdminViewAll]
	assert.True(t, d.Allow)
	assert.True(t, d.Inherited)
	assert.Equal(t, "grp-b", d.SourceGroupID)
}

func TestResolveGlobalExplicitBeatsHigherPrioritySpread(t *testing.T) {
	graph, _ := testGraphs(t)

	// The high-priority group's UserAdmin deny spreads over the family, but
	// the low-priority group's explicit grant on one member holds: inherited
	// propagation fills gaps only.
	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-a", Priority: 100},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdmin, Allow: false},
			},
		},
		{
			Group: Group{ID: "grp-b", Priority: 1},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdminViewAll, Allow: true},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	viewAll := decisions[capability.UserAdminViewAll]
	assert.True(t, viewAll.Allow)
	assert.False(t, viewAll.Inherited)
	assert.Equal(t, "grp-b", viewAll.SourceGroupID)

	// Siblings without explicit rules take the spread deny.
	assert.False(t, decisions[capability.UserAdminUpdateDetails].Allow)
	assert.True(t, decisions[capability.UserAdminUpdateDetails].Inherited)
}

func TestResolveGlobalSuperuserOverridesExplicitDeny(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-c", Priority: 1},
			GlobalRules: []GlobalRule{
				{Capability: capability.Superuser, Allow: true},
				{Capability: capability.BullseyeDeleteApp, Allow: false},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	for _, c := range graph.All() {
		assert.True(t, decisions[c].Allow, "superuser should allow %s", c)
	}
}

func TestResolveGlobalSuperuserDenyDoesNotOverride(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-c", Priority: 1},
			GlobalRules: []GlobalRule{
				{Capability: capability.Superuser, Allow: false},
				{Capability: capability.FileUpload, Allow: true},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	assert.False(t, decisions[capability.Superuser].Allow)
	assert.True(t, decisions[capability.FileUpload].Allow)
	assert.False(t, decisions[capability.BullseyeDeleteApp].Allow)
}

func TestResolveGlobalPriorityTieBreaksOnGroupID(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-b", Priority: 50},
			GlobalRules: []GlobalRule{
				{Capability: capability.FileUpload, Allow: true},
			},
		},
		{
			Group: Group{ID: "grp-a", Priority: 50},
			GlobalRules: []GlobalRule{
				{Capability: capability.FileUpload, Allow: false},
			},
		},
	}

	decisions := ResolveGlobal(policies, graph)

	d := decisions[capability.FileUpload]
	assert.False(t, d.Allow)
	assert.Equal(t, "grp-a", d.SourceGroupID)
}

func TestResolveGlobalIdempotent(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-a", Priority: 100},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdminUpdateDetails, Allow: false},
				{Capability: capability.BlogAdmin, Allow: true},
			},
		},
		{
			Group: Group{ID: "grp-b", Priority: 10},
			GlobalRules: []GlobalRule{
				{Capability: capability.UserAdmin, Allow: true},
				{Capability: capability.FileAdmin, Allow: false},
			},
		},
	}

	first := ResolveGlobal(policies, graph)
	second := ResolveGlobal(policies, graph)
	assert.Equal(t, first, second)
	assert.Equal(t, AllowedGlobal(first), AllowedGlobal(second))
}

func TestResolveScopedSpecificBeatsGroupDefault(t *testing.T) {
	_, scoped := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-y", Priority: 10},
			ScopedRules: []ScopedRule{
				{ApplicationID: nil, Capability: capability.ScopedAdmin, Allow: true},
				{ApplicationID: strPtr("app-1"), Capability: capability.ScopedAdmin, Allow: false},
			},
		},
	}

	forApp1 := ResolveScoped(policies, "app-1", scoped)
	assert.False(t, forApp1[capability.ScopedAdmin].Allow, "specific deny beats the group default")

	forApp2 := ResolveScoped(policies, "app-2", scoped)
	assert.True(t, forApp2[capability.ScopedAdmin].Allow, "group default applies to other applications")
}

func TestResolveScopedSpecificWinsRegardlessOfRuleOrder(t *testing.T) {
	_, scoped := testGraphs(t)

	// Same rules, specific one listed first.
	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-y", Priority: 10},
			ScopedRules: []ScopedRule{
				{ApplicationID: strPtr("app-1"), Capability: capability.ScopedAdmin, Allow: false},
				{ApplicationID: nil, Capability: capability.ScopedAdmin, Allow: true},
			},
		},
	}

	decisions := ResolveScoped(policies, "app-1", scoped)
	assert.False(t, decisions[capability.ScopedAdmin].Allow)
}

func TestResolveScopedInheritanceAndPriority(t *testing.T) {
	_, scoped := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-high", Priority: 100},
			ScopedRules: []ScopedRule{
				{ApplicationID: strPtr("app-1"), Capability: capability.ScopedDeleteVersion, Allow: false},
			},
		},
		{
			Group: Group{ID: "grp-low", Priority: 1},
			ScopedRules: []ScopedRule{
				{ApplicationID: nil, Capability: capability.ScopedAdmin, Allow: true},
			},
		},
	}

	decisions := ResolveScoped(policies, "app-1", scoped)

	// Explicit deny from the high-priority group survives the low-priority
	// Admin grant's spread.
	assert.False(t, decisions[capability.ScopedDeleteVersion].Allow)
	assert.False(t, decisions[capability.ScopedDeleteVersion].Inherited)

	// Remaining members fill from the Admin grant.
	assert.True(t, decisions[capability.ScopedUploadBuild].Allow)
	assert.True(t, decisions[capability.ScopedUploadBuild].Inherited)
	assert.True(t, decisions[capability.ScopedAdmin].Allow)
}

func TestResolveScopedDefaultDeny(t *testing.T) {
	_, scoped := testGraphs(t)

	decisions := ResolveScoped(nil, "app-1", scoped)
	for c, d := range decisions {
		assert.False(t, d.Allow, "scoped capability %s should deny by default", c)
	}
}

func TestAllowedSetsAreSortedAndAllowOnly(t *testing.T) {
	graph, _ := testGraphs(t)

	policies := []GroupPolicy{
		{
			Group: Group{ID: "grp-a", Priority: 5},
			GlobalRules: []GlobalRule{
				{Capability: capability.FileAdmin, Allow: true},
				{Capability: capability.BlogPost, Allow: false},
			},
		},
	}

	allowed := AllowedGlobal(ResolveGlobal(policies, graph))
	assert.Equal(t, []string{"FileAdmin", "FileDelete", "FileUpload"}, allowed)
}
