package channel

import (
	"context"
	"log/slog"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/store"
)

// ContactWorkTag is the scheduler tag that uploads contact property edits.
const ContactWorkTag = "contact.update"

const contactIDKey = "contact.id"

// Contact keeps the tag groups, attributes and subscription lists of a named
// user in sync. Edits made while no contact is identified wait in the queue.
type Contact struct {
	kv        store.KV
	audience  *audience
	scheduler job.Scheduler
	logger    *slog.Logger
}

// NewContact returns a Contact persisting its state in kv.
func NewContact(kv store.KV, t api.Transport, e api.Endpoint, scheduler job.Scheduler, opts ...Option) *Contact {
	o := newOptions(opts)
	return &Contact{
		kv:        kv,
		audience:  newAudience(kv, t, e, api.ContactDomain, scheduler, ContactWorkTag, o),
		scheduler: scheduler,
		logger:    o.logger.With("component", "contact"),
	}
}

// Start binds the registrars to the stored contact id and asks for an
// upload pass.
func (c *Contact) Start(ctx context.Context) error {
	id, ok, err := c.Identifier(ctx)
	if err != nil {
		return err
	}
	var ref *string
	if ok {
		ref = &id
	}
	if err := c.audience.bind(ctx, ref, false); err != nil {
		return err
	}
	return c.scheduler.RequestWork(ctx, ContactWorkTag)
}

// Identifier returns the current contact id.
func (c *Contact) Identifier(ctx context.Context) (string, bool, error) {
	id, ok, err := store.GetJSON[string](ctx, c.kv, contactIDKey)
	if err != nil || !ok || id == "" {
		return "", false, err
	}
	return id, true, nil
}

// SetContactIdentity switches the contact. Edits queued for a previous
// contact are discarded; edits made before any contact was identified are
// kept for the new one. An empty id unbinds the registrars.
func (c *Contact) SetContactIdentity(ctx context.Context, contactID string) error {
	_, hadContact := c.audience.tags.Identifier()

	var ref *string
	if contactID == "" {
		if err := c.kv.Remove(ctx, contactIDKey); err != nil {
			return err
		}
	} else {
		if err := store.PutJSON(ctx, c.kv, contactIDKey, contactID); err != nil {
			return err
		}
		ref = &contactID
	}
	if err := c.audience.bind(ctx, ref, hadContact); err != nil {
		return err
	}
	c.logger.Info("contact identity changed", "contact_id", contactID)
	return c.scheduler.RequestWork(ctx, ContactWorkTag)
}

// Handler uploads pending contact edits for ContactWorkTag.
func (c *Contact) Handler() job.Handler {
	return func(ctx context.Context, _ string) job.Result {
		return c.UploadPending(ctx)
	}
}

// UploadPending drains the contact's queues.
func (c *Contact) UploadPending(ctx context.Context) job.Result {
	return c.audience.upload(ctx)
}

// EditTagGroups returns an editor for the contact's tag groups.
func (c *Contact) EditTagGroups() *TagGroupsEditor {
	return c.audience.editTagGroups()
}

// EditAttributes returns an editor for the contact's attributes.
func (c *Contact) EditAttributes() *AttributesEditor {
	return c.audience.editAttributes()
}

// EditSubscriptionLists returns an editor for the contact's subscription
// lists.
func (c *Contact) EditSubscriptionLists() *SubscriptionListsEditor {
	return c.audience.editSubscriptionLists()
}

// SubscriptionLists returns the lists the contact is subscribed to.
func (c *Contact) SubscriptionLists(ctx context.Context, includePending bool) (map[string]struct{}, error) {
	return c.audience.view.current(ctx, includePending)
}

// OnSubscriptionListsUploaded registers l to be called after subscription
// list edits upload.
func (c *Contact) OnSubscriptionListsUploaded(l func(contactID string, uploaded []mutation.SubscriptionListMutation)) {
	c.audience.subscriptions.AddListener(l)
}

// Pending returns the number of queued batches per property.
func (c *Contact) Pending(ctx context.Context) (PendingCounts, error) {
	return c.audience.pending(ctx)
}

// Reset drops pending edits, cached subscription lists and local history.
func (c *Contact) Reset(ctx context.Context) error {
	return c.audience.reset(ctx)
}
