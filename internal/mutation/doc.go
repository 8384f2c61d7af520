// Package mutation defines the audience edit records synchronized with the
// backend: tag group, attribute and subscription-list mutations.
//
// Mutations are immutable values. Each kind has a collapse reduction that
// turns an ordered sequence of edits into the minimal equivalent sequence:
//
//   - Tag groups: set dominates prior add/remove for the same group, add and
//     remove cancel each other, and the result is at most two mutations
//     (sets first, then the combined add/remove).
//   - Attributes and subscription lists: last write per key wins, original
//     chronological order preserved.
//
// All collapse functions are pure and idempotent:
//
//	Collapse(Collapse(m)) == Collapse(m)
//
// Batches are compared through Fingerprint, a canonical JSON encoding (sorted
// keys, NFC strings, no HTML escaping) so that two batches holding the same
// mutations compare equal regardless of map iteration order.
package mutation
