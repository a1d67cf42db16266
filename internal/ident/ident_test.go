// ABOUTME: Tests for the identifier grammar
// ABOUTME: Covers channel id construction/parsing, agent keys, and pair ordering

package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/2389/coven-mesh/internal/fault"
)

func TestProjectID_StableAndShort(t *testing.T) {
	id := ProjectID("/home/work/acme")
	assert.Len(t, id, 16)
	assert.Equal(t, id, ProjectID("/home/work/acme"))
	assert.NotEqual(t, id, ProjectID("/home/work/other"))
}

func TestChannelID_Construction(t *testing.T) {
	assert.Equal(t, "global:general", GlobalChannelID("general"))
	assert.Equal(t, "proj_a1b2c3d4:dev", ProjectChannelID("a1b2c3d4", "dev"))
	assert.Equal(t, "proj_a1b2c3d4:dev", ProjectChannelID("a1b2c3d4ffffffff", "dev"))

	alice := AgentKey{Name: "alice", ProjectID: "a1b2c3d4ffffffff"}
	assert.Equal(t, "global:agent-notes:bob", NotesChannelID(AgentKey{Name: "bob"}))
	assert.Equal(t, "proj_a1b2c3d4:agent-notes:alice", NotesChannelID(alice))
}

func TestDirectChannelID_CanonicalOrder(t *testing.T) {
	alice := AgentKey{Name: "alice", ProjectID: "a1b2c3d4ffffffff"}
	bob := AgentKey{Name: "bob"}

	id := DirectChannelID(alice, bob)
	assert.Equal(t, "dm:alice:a1b2c3d4:bob", id)
	assert.Equal(t, id, DirectChannelID(bob, alice))

	// Same name: the global participant sorts first.
	globalSam := AgentKey{Name: "sam"}
	projSam := AgentKey{Name: "sam", ProjectID: "ffff0000ffff0000"}
	assert.Equal(t, "dm:sam:sam:ffff0000", DirectChannelID(projSam, globalSam))
}

func TestDirectChannelID_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z][a-z0-9]{0,6}`), 2, 2, rapid.ID[string],
		).Draw(t, "names")
		projects := rapid.SliceOfN(
			rapid.OneOf(rapid.Just(""), rapid.StringMatching(`[0-9a-f]{16}`)), 2, 2,
		).Draw(t, "projects")

		a := AgentKey{Name: names[0], ProjectID: projects[0]}
		b := AgentKey{Name: names[1], ProjectID: projects[1]}

		forward := DirectChannelID(a, b)
		backward := DirectChannelID(b, a)
		if forward != backward {
			t.Fatalf("direct id differs by argument order: %q vs %q", forward, backward)
		}

		parsed, err := ParseChannelID(forward)
		if err != nil {
			t.Fatalf("parsing generated id %q: %v", forward, err)
		}
		if parsed.Scope != ScopeDirect {
			t.Fatalf("expected direct scope for %q, got %q", forward, parsed.Scope)
		}
		regenerated := DirectChannelID(
			AgentKey{Name: parsed.DMFirst.Name, ProjectID: parsed.DMFirst.ProjectID},
			AgentKey{Name: parsed.DMSecond.Name, ProjectID: parsed.DMSecond.ProjectID},
		)
		if regenerated != forward {
			t.Fatalf("parse/rebuild changed id: %q -> %q", forward, regenerated)
		}
	})
}

func TestParseChannelID_Forms(t *testing.T) {
	tests := []struct {
		id     string
		scope  string
		name   string
		notes  bool
		prefix string
	}{
		{id: "global:general", scope: ScopeGlobal, name: "general"},
		{id: "proj_a1b2c3d4:dev", scope: ScopeProject, name: "dev", prefix: "a1b2c3d4"},
		{id: "global:agent-notes:alice", scope: ScopeGlobal, notes: true},
		{id: "proj_a1b2c3d4:agent-notes:alice", scope: ScopeProject, notes: true, prefix: "a1b2c3d4"},
	}

	for _, tt := range tests {
		parsed, err := ParseChannelID(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.scope, parsed.Scope, tt.id)
		assert.Equal(t, tt.notes, parsed.IsNotes, tt.id)
		assert.Equal(t, tt.prefix, parsed.ProjectPrefix, tt.id)
		if tt.name != "" {
			assert.Equal(t, tt.name, parsed.Name, tt.id)
		}
	}
}

func TestParseChannelID_DirectForms(t *testing.T) {
	parsed, err := ParseChannelID("dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.DMFirst.Name)
	assert.True(t, parsed.DMFirst.IsGlobal())
	assert.Equal(t, "bob", parsed.DMSecond.Name)

	parsed, err = ParseChannelID("dm:alice:a1b2c3d4:bob")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", parsed.DMFirst.ProjectID)
	assert.True(t, parsed.DMSecond.IsGlobal())

	// Legacy form without suffixes for project agents still parses.
	parsed, err = ParseChannelID("dm:alice:bob:11223344")
	require.NoError(t, err)
	assert.True(t, parsed.DMFirst.IsGlobal())
	assert.Equal(t, "11223344", parsed.DMSecond.ProjectID)
}

func TestParseChannelID_Malformed(t *testing.T) {
	for _, id := range []string{
		"",
		"general",
		"global:",
		"unknown:general",
		"proj_:dev",
		"global:Has Spaces",
		"global:notes-marker:alice:extra",
		"dm:alice",
		"dm:a:b:c:d:e",
	} {
		_, err := ParseChannelID(id)
		require.Error(t, err, id)
		assert.True(t, fault.IsBadRequest(err), "want BadRequest for %q, got %v", id, err)
	}
}

func TestParseAgentKey(t *testing.T) {
	key, err := ParseAgentKey("alice")
	require.NoError(t, err)
	assert.True(t, key.IsGlobal())

	key, err = ParseAgentKey("alice@proj_a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", key.ProjectID)
	assert.Equal(t, "alice@proj_a1b2c3d4", key.String())

	_, err = ParseAgentKey("alice@nonsense")
	assert.True(t, fault.IsBadRequest(err))

	_, err = ParseAgentKey("Not Valid@proj_a1b2c3d4")
	assert.True(t, fault.IsBadRequest(err))
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsDirectID("dm:alice:bob"))
	assert.False(t, IsDirectID("global:dm-stuff"))
	assert.True(t, IsNotesID("global:agent-notes:alice"))
	assert.False(t, IsNotesID("global:general"))
}
