package mutation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapseTagGroups_Empty(t *testing.T) {
	assert.Empty(t, CollapseTagGroups(nil))
	assert.Empty(t, CollapseTagGroups([]TagGroupMutation{}))
}

func TestCollapseTagGroups_SetDominatesEarlierAdd(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewAddTags("g", "a"),
		NewSetTags("g", "b"),
	})

	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(NewSetTags("g", "b")), "got %+v", got[0])
}

func TestCollapseTagGroups_AddThenRemoveCancels(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewAddTags("g", "a"),
		NewRemoveTags("g", "a"),
	})

	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(NewRemoveTags("g", "a")), "got %+v", got[0])
}

func TestCollapseTagGroups_RemoveThenAddCancels(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewRemoveTags("g", "a", "b"),
		NewAddTags("g", "a"),
	})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"a"}, got[0].Add["g"].Sorted())
	assert.Equal(t, []string{"b"}, got[0].Remove["g"].Sorted())
}

func TestCollapseTagGroups_LaterEditsFoldIntoSet(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewSetTags("g", "a", "b"),
		NewAddTags("g", "c"),
		NewRemoveTags("g", "a"),
	})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"b", "c"}, got[0].Set["g"].Sorted())
	assert.Empty(t, got[0].Add)
	assert.Empty(t, got[0].Remove)
}

func TestCollapseTagGroups_SetEmittedBeforeAddRemove(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewAddTags("h", "x"),
		NewSetTags("g", "a"),
		NewRemoveTags("i", "y"),
	})

	require.Len(t, got, 2)
	assert.Equal(t, []string{"a"}, got[0].Set["g"].Sorted())
	assert.Empty(t, got[0].Add)
	assert.Equal(t, []string{"x"}, got[1].Add["h"].Sorted())
	assert.Equal(t, []string{"y"}, got[1].Remove["i"].Sorted())
	assert.Empty(t, got[1].Set)
}

func TestCollapseTagGroups_KeepsEmptySet(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewAddTags("g", "a"),
		NewSetTags("g"),
	})

	require.Len(t, got, 1)
	tags, ok := got[0].Set["g"]
	require.True(t, ok)
	assert.Empty(t, tags)
}

func TestCollapseTagGroups_SkipsBlankGroupsAndNormalizes(t *testing.T) {
	got := CollapseTagGroups([]TagGroupMutation{
		NewAddTags("   ", "a"),
		NewAddTags(" g ", "a"),
		NewAddTags("g"),
	})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"g"}, keys(got[0].Add))
}

func TestCollapseTagGroups_DoesNotAliasInput(t *testing.T) {
	set := NewSetTags("g", "a")
	got := CollapseTagGroups([]TagGroupMutation{set, NewAddTags("g", "b")})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"a"}, set.Set["g"].Sorted())
	assert.Equal(t, []string{"a", "b"}, got[0].Set["g"].Sorted())
}

func TestCollapseTagGroups_Idempotent(t *testing.T) {
	inputs := [][]TagGroupMutation{
		{NewAddTags("g", "a"), NewRemoveTags("g", "a")},
		{NewAddTags("g", "a", "b"), NewRemoveTags("g", "b"), NewSetTags("h", "z")},
		{NewSetTags("g"), NewAddTags("g", "a"), NewRemoveTags("h", "q"), NewAddTags("h", "q", "r")},
		{NewRemoveTags("g", "a"), NewAddTags("g", "a"), NewRemoveTags("g", "a")},
	}

	for i, in := range inputs {
		once := CollapseTagGroups(in)
		twice := CollapseTagGroups(once)
		require.Len(t, twice, len(once), "input %d", i)
		for j := range once {
			assert.True(t, once[j].Equal(twice[j]), "input %d mutation %d: %+v != %+v", i, j, once[j], twice[j])
		}
	}
}

func TestCollapseTagGroups_PreservesFinalState(t *testing.T) {
	start := map[string]TagSet{
		"g": NewTagSet("a", "old"),
		"h": NewTagSet("keep"),
	}
	in := []TagGroupMutation{
		NewAddTags("g", "b"),
		NewRemoveTags("g", "old"),
		NewSetTags("h", "new"),
		NewAddTags("h", "more"),
		NewRemoveTags("i", "x"),
	}

	direct := ApplyTagGroups(start, in)
	collapsed := ApplyTagGroups(start, CollapseTagGroups(in))

	assert.True(t, groupsEqual(direct, collapsed), "direct=%v collapsed=%v", direct, collapsed)
}

func TestTagGroupMutation_JSON(t *testing.T) {
	m := TagGroupMutation{
		Add: map[string]TagSet{"g": NewTagSet("b", "a")},
		Set: map[string]TagSet{"h": NewTagSet()},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"add":{"g":["a","b"]},"set":{"h":[]}}`, string(data))

	var decoded TagGroupMutation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, m.Equal(decoded))
}

func TestApplyTagGroups_DoesNotMutateInput(t *testing.T) {
	start := map[string]TagSet{"g": NewTagSet("a")}
	out := ApplyTagGroups(start, []TagGroupMutation{NewAddTags("g", "b")})

	assert.Equal(t, []string{"a"}, start["g"].Sorted())
	assert.Equal(t, []string{"a", "b"}, out["g"].Sorted())
}

func keys(m map[string]TagSet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
