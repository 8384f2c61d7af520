package mutation

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TagSet is an unordered set of tags. It encodes as a sorted JSON array.
type TagSet map[string]struct{}

// NewTagSet builds a set from the given tags. Blank tags are skipped.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether tag is in the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Clone returns an independent copy. A nil set clones to an empty set.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the tags in ascending order. Never nil.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Equal reports set equality.
func (s TagSet) Equal(o TagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if !o.Has(t) {
			return false
		}
	}
	return true
}

func (s TagSet) addAll(o TagSet) {
	for t := range o {
		s[t] = struct{}{}
	}
}

func (s TagSet) removeAll(o TagSet) {
	for t := range o {
		delete(s, t)
	}
}

// MarshalJSON encodes the set as a sorted array.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array of strings.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}

// TagGroupMutation edits tag groups. Each map is keyed by group name.
type TagGroupMutation struct {
	Add    map[string]TagSet `json:"add,omitempty"`
	Remove map[string]TagSet `json:"remove,omitempty"`
	Set    map[string]TagSet `json:"set,omitempty"`
}

// NewAddTags returns a mutation adding tags to group.
func NewAddTags(group string, tags ...string) TagGroupMutation {
	return TagGroupMutation{Add: map[string]TagSet{group: NewTagSet(tags...)}}
}

// NewRemoveTags returns a mutation removing tags from group.
func NewRemoveTags(group string, tags ...string) TagGroupMutation {
	return TagGroupMutation{Remove: map[string]TagSet{group: NewTagSet(tags...)}}
}

// NewSetTags returns a mutation replacing the tags of group.
func NewSetTags(group string, tags ...string) TagGroupMutation {
	return TagGroupMutation{Set: map[string]TagSet{group: NewTagSet(tags...)}}
}

// IsEmpty reports whether the mutation carries no edits.
func (m TagGroupMutation) IsEmpty() bool {
	return len(m.Add) == 0 && len(m.Remove) == 0 && len(m.Set) == 0
}

// Equal reports structural equality.
func (m TagGroupMutation) Equal(o TagGroupMutation) bool {
	return groupsEqual(m.Add, o.Add) && groupsEqual(m.Remove, o.Remove) && groupsEqual(m.Set, o.Set)
}

func groupsEqual(a, b map[string]TagSet) bool {
	return maps.EqualFunc(a, b, TagSet.Equal)
}

// Apply replays the mutation onto tagGroups in add, remove, set order.
func (m TagGroupMutation) Apply(tagGroups map[string]TagSet) {
	for group, tags := range m.Add {
		existing, ok := tagGroups[group]
		if !ok {
			existing = TagSet{}
			tagGroups[group] = existing
		}
		existing.addAll(tags)
	}
	for group, tags := range m.Remove {
		if existing, ok := tagGroups[group]; ok {
			existing.removeAll(tags)
		}
	}
	for group, tags := range m.Set {
		tagGroups[group] = tags.Clone()
	}
}

// normalizeGroup trims and NFC-normalizes a group name.
func normalizeGroup(group string) string {
	return norm.NFC.String(strings.TrimSpace(group))
}

// CollapseTagGroups reduces mutations to at most two: one holding every set
// group, followed by one holding the combined add and remove groups.
//
// Within a single mutation the add map is processed first, then remove, then
// set. An add cancels a pending remove for the same tags and vice versa. A set
// replaces anything pending for its group, and later adds/removes against a
// set group are folded into the set.
func CollapseTagGroups(mutations []TagGroupMutation) []TagGroupMutation {
	if len(mutations) == 0 {
		return nil
	}

	add := map[string]TagSet{}
	remove := map[string]TagSet{}
	set := map[string]TagSet{}

	for _, m := range mutations {
		for rawGroup, tags := range m.Add {
			group := normalizeGroup(rawGroup)
			if group == "" || len(tags) == 0 {
				continue
			}
			if existing, ok := set[group]; ok {
				existing.addAll(tags)
				continue
			}
			if existing, ok := remove[group]; ok {
				existing.removeAll(tags)
				if len(existing) == 0 {
					delete(remove, group)
				}
			}
			if _, ok := add[group]; !ok {
				add[group] = TagSet{}
			}
			add[group].addAll(tags)
		}

		for rawGroup, tags := range m.Remove {
			group := normalizeGroup(rawGroup)
			if group == "" || len(tags) == 0 {
				continue
			}
			if existing, ok := set[group]; ok {
				existing.removeAll(tags)
				continue
			}
			if existing, ok := add[group]; ok {
				existing.removeAll(tags)
				if len(existing) == 0 {
					delete(add, group)
				}
			}
			if _, ok := remove[group]; !ok {
				remove[group] = TagSet{}
			}
			remove[group].addAll(tags)
		}

		for rawGroup, tags := range m.Set {
			group := normalizeGroup(rawGroup)
			if group == "" {
				continue
			}
			set[group] = tags.Clone()
			delete(add, group)
			delete(remove, group)
		}
	}

	var out []TagGroupMutation
	if len(set) > 0 {
		out = append(out, TagGroupMutation{Set: set})
	}
	if len(add) > 0 || len(remove) > 0 {
		collapsed := TagGroupMutation{}
		if len(add) > 0 {
			collapsed.Add = add
		}
		if len(remove) > 0 {
			collapsed.Remove = remove
		}
		out = append(out, collapsed)
	}
	return out
}

// ApplyTagGroups replays mutations in order onto a copy of tagGroups.
func ApplyTagGroups(tagGroups map[string]TagSet, mutations []TagGroupMutation) map[string]TagSet {
	out := make(map[string]TagSet, len(tagGroups))
	for group, tags := range tagGroups {
		out[group] = tags.Clone()
	}
	for _, m := range mutations {
		m.Apply(out)
	}
	return out
}
