package channel

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/audiencesync/internal/mutation"
)

type applyFunc[M any] func(ctx context.Context, mutations []M) error

// TagGroupsEditor collects tag group edits and applies them as one batch.
type TagGroupsEditor struct {
	mutations []mutation.TagGroupMutation
	apply     applyFunc[mutation.TagGroupMutation]
}

// AddTags adds tags to group.
func (e *TagGroupsEditor) AddTags(group string, tags ...string) *TagGroupsEditor {
	e.mutations = append(e.mutations, mutation.NewAddTags(group, tags...))
	return e
}

// RemoveTags removes tags from group.
func (e *TagGroupsEditor) RemoveTags(group string, tags ...string) *TagGroupsEditor {
	e.mutations = append(e.mutations, mutation.NewRemoveTags(group, tags...))
	return e
}

// SetTags replaces the tags of group. No tags clears the group.
func (e *TagGroupsEditor) SetTags(group string, tags ...string) *TagGroupsEditor {
	e.mutations = append(e.mutations, mutation.NewSetTags(group, tags...))
	return e
}

// Apply queues the edits. They are durable when Apply returns nil.
func (e *TagGroupsEditor) Apply(ctx context.Context) error {
	return e.apply(ctx, e.mutations)
}

// AttributesEditor collects attribute edits and applies them as one batch.
type AttributesEditor struct {
	clock     clockwork.Clock
	mutations []mutation.AttributeMutation
	errs      []error
	apply     applyFunc[mutation.AttributeMutation]
}

// SetAttribute sets key to value. Invalid values are reported by Apply.
func (e *AttributesEditor) SetAttribute(key string, value any) *AttributesEditor {
	m, err := mutation.NewSetAttribute(key, value, e.clock.Now())
	if err != nil {
		e.errs = append(e.errs, err)
		return e
	}
	e.mutations = append(e.mutations, m)
	return e
}

// RemoveAttribute removes key.
func (e *AttributesEditor) RemoveAttribute(key string) *AttributesEditor {
	m, err := mutation.NewRemoveAttribute(key, e.clock.Now())
	if err != nil {
		e.errs = append(e.errs, err)
		return e
	}
	e.mutations = append(e.mutations, m)
	return e
}

// Apply queues the edits, or returns the validation errors and queues
// nothing.
func (e *AttributesEditor) Apply(ctx context.Context) error {
	if len(e.errs) > 0 {
		return errors.Join(e.errs...)
	}
	return e.apply(ctx, e.mutations)
}

// SubscriptionListsEditor collects subscription list edits and applies them
// as one batch.
type SubscriptionListsEditor struct {
	clock     clockwork.Clock
	mutations []mutation.SubscriptionListMutation
	errs      []error
	apply     applyFunc[mutation.SubscriptionListMutation]
}

// Subscribe subscribes to listID.
func (e *SubscriptionListsEditor) Subscribe(listID string) *SubscriptionListsEditor {
	return e.add(mutation.NewSubscribe(listID, e.clock.Now()))
}

// Unsubscribe unsubscribes from listID.
func (e *SubscriptionListsEditor) Unsubscribe(listID string) *SubscriptionListsEditor {
	return e.add(mutation.NewUnsubscribe(listID, e.clock.Now()))
}

func (e *SubscriptionListsEditor) add(m mutation.SubscriptionListMutation, err error) *SubscriptionListsEditor {
	if err != nil {
		e.errs = append(e.errs, err)
		return e
	}
	e.mutations = append(e.mutations, m)
	return e
}

// Apply queues the edits, or returns the validation errors and queues
// nothing.
func (e *SubscriptionListsEditor) Apply(ctx context.Context) error {
	if len(e.errs) > 0 {
		return errors.Join(e.errs...)
	}
	return e.apply(ctx, e.mutations)
}
