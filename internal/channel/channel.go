package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/store"
)

// WorkTag is the scheduler tag that runs registration and the channel
// property uploads.
const WorkTag = "channel.update"

const (
	installIDKey   = "channel.install_id"
	channelTagsKey = "channel.tags"
	contactRefKey  = "channel.contact_id"
)

// Device is the device state reported in the channel registration.
type Device struct {
	DeviceType        string            `yaml:"device_type" json:"device_type"`
	PushAddress       string            `yaml:"push_address" json:"push_address,omitempty"`
	OptIn             bool              `yaml:"opt_in" json:"opt_in"`
	BackgroundEnabled bool              `yaml:"background" json:"background"`
	Timezone          string            `yaml:"timezone" json:"timezone,omitempty"`
	Language          string            `yaml:"language" json:"language,omitempty"`
	Country           string            `yaml:"country" json:"country,omitempty"`
	AppVersion        string            `yaml:"app_version" json:"app_version,omitempty"`
	SDKVersion        string            `yaml:"sdk_version" json:"sdk_version,omitempty"`
	DeviceModel       string            `yaml:"device_model" json:"device_model,omitempty"`
	APIVersion        *int              `yaml:"api_version" json:"api_version,omitempty"`
	LocationSettings  *bool             `yaml:"location_settings" json:"location_settings,omitempty"`
	Permissions       map[string]string `yaml:"permissions" json:"permissions,omitempty"`
	UserID            string            `yaml:"user_id" json:"user_id,omitempty"`

	// ChannelTagRegistration makes the registration own the channel's
	// device tags.
	ChannelTagRegistration bool `yaml:"channel_tag_registration" json:"channel_tag_registration"`
	IsActive               bool `yaml:"is_active" json:"is_active"`
}

// Channel keeps one device's channel registered and its tag groups,
// attributes and subscription lists in sync.
type Channel struct {
	kv           store.KV
	registration *Registration
	audience     *audience
	scheduler    job.Scheduler
	build        PayloadBuilder
	device       Device
	clock        clockwork.Clock
	logger       *slog.Logger
}

// New returns a Channel persisting its state in kv. Nothing is sent until
// the scheduler runs the Handler.
func New(kv store.KV, t api.Transport, e api.Endpoint, scheduler job.Scheduler, opts ...Option) *Channel {
	o := newOptions(opts)
	logger := o.logger.With("component", "channel")

	c := &Channel{
		kv:           kv,
		registration: NewRegistration(kv, api.NewChannelClient(t, e), o.method, o.clock, logger, o.metrics),
		audience:     newAudience(kv, t, e, api.ChannelDomain, scheduler, WorkTag, o),
		scheduler:    scheduler,
		device:       o.device,
		clock:        o.clock,
		logger:       logger,
	}
	c.build = o.build
	if c.build == nil {
		c.build = c.defaultPayload
	}
	return c
}

// Start binds the property registrars to the stored channel id and asks
// for a registration pass.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.scheduler.RequestWork(ctx, WorkTag)
}

// Handler runs UpdateRegistration for WorkTag.
func (c *Channel) Handler() job.Handler {
	return func(ctx context.Context, _ string) job.Result {
		return c.UpdateRegistration(ctx)
	}
}

// UpdateRegistration registers or updates the channel, then uploads pending
// property edits. Property uploads are skipped when registration must be
// retried.
func (c *Channel) UpdateRegistration(ctx context.Context) job.Result {
	out := c.registration.Update(ctx, c.build)

	if err := c.bind(ctx); err != nil {
		c.logger.Error("failed to bind registrars", "error", err)
		return job.Retry
	}
	if out.NeedsUpdate {
		if err := c.scheduler.RequestWork(ctx, WorkTag); err != nil {
			c.logger.Warn("failed to request follow-up registration", "error", err)
		}
	}
	if out.Result == job.Retry {
		return job.Retry
	}
	return job.Combine(out.Result, c.audience.upload(ctx))
}

func (c *Channel) bind(ctx context.Context) error {
	id, ok, err := c.registration.Identifier(ctx)
	if err != nil {
		return err
	}
	var ref *string
	if ok {
		ref = &id
	}
	return c.audience.bind(ctx, ref, false)
}

// Identifier returns the channel id, if one has been assigned.
func (c *Channel) Identifier(ctx context.Context) (string, bool, error) {
	return c.registration.Identifier(ctx)
}

// State returns the registration state.
func (c *Channel) State(ctx context.Context) State {
	return c.registration.State(ctx)
}

// OnCreated registers l to be called when a channel id is assigned.
func (c *Channel) OnCreated(l func(channelID string)) {
	c.registration.OnCreated(l)
}

// OnUpdated registers l to be called after a registration update.
func (c *Channel) OnUpdated(l func(channelID string)) {
	c.registration.OnUpdated(l)
}

// OnTagGroupsUploaded registers l to be called after tag group edits upload.
func (c *Channel) OnTagGroupsUploaded(l func(channelID string, uploaded []mutation.TagGroupMutation)) {
	c.audience.tags.AddListener(l)
}

// OnAttributesUploaded registers l to be called after attribute edits
// upload.
func (c *Channel) OnAttributesUploaded(l func(channelID string, uploaded []mutation.AttributeMutation)) {
	c.audience.attributes.AddListener(l)
}

// OnSubscriptionListsUploaded registers l to be called after subscription
// list edits upload.
func (c *Channel) OnSubscriptionListsUploaded(l func(channelID string, uploaded []mutation.SubscriptionListMutation)) {
	c.audience.subscriptions.AddListener(l)
}

// EditTagGroups returns an editor for the channel's tag groups.
func (c *Channel) EditTagGroups() *TagGroupsEditor {
	return c.audience.editTagGroups()
}

// EditAttributes returns an editor for the channel's attributes.
func (c *Channel) EditAttributes() *AttributesEditor {
	return c.audience.editAttributes()
}

// EditSubscriptionLists returns an editor for the channel's subscription
// lists.
func (c *Channel) EditSubscriptionLists() *SubscriptionListsEditor {
	return c.audience.editSubscriptionLists()
}

// SubscriptionLists returns the lists the channel is subscribed to. With
// includePending, edits not yet uploaded are applied too.
func (c *Channel) SubscriptionLists(ctx context.Context, includePending bool) (map[string]struct{}, error) {
	return c.audience.view.current(ctx, includePending)
}

// PendingTagGroups returns the queued tag group edits.
func (c *Channel) PendingTagGroups(ctx context.Context) ([]mutation.TagGroupMutation, error) {
	return c.audience.tags.PendingMutations(ctx)
}

// PendingAttributes returns the queued attribute edits.
func (c *Channel) PendingAttributes(ctx context.Context) ([]mutation.AttributeMutation, error) {
	return c.audience.attributes.PendingMutations(ctx)
}

// PendingSubscriptionLists returns the queued subscription list edits.
func (c *Channel) PendingSubscriptionLists(ctx context.Context) ([]mutation.SubscriptionListMutation, error) {
	return c.audience.subscriptions.PendingMutations(ctx)
}

// SetChannelTags replaces the device tags carried in the registration and
// requests an update.
func (c *Channel) SetChannelTags(ctx context.Context, tags ...string) error {
	if err := store.PutJSON(ctx, c.kv, channelTagsKey, mutation.NewTagSet(tags...)); err != nil {
		return err
	}
	return c.scheduler.RequestWork(ctx, WorkTag)
}

// ChannelTags returns the device tags carried in the registration.
func (c *Channel) ChannelTags(ctx context.Context) (mutation.TagSet, error) {
	tags, _, err := store.GetJSON[mutation.TagSet](ctx, c.kv, channelTagsKey)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = mutation.NewTagSet()
	}
	return tags, nil
}

// SetContactID records the contact the channel is associated with and
// requests an update. An empty id clears the association.
func (c *Channel) SetContactID(ctx context.Context, contactID string) error {
	var err error
	if contactID == "" {
		err = c.kv.Remove(ctx, contactRefKey)
	} else {
		err = store.PutJSON(ctx, c.kv, contactRefKey, contactID)
	}
	if err != nil {
		return err
	}
	return c.scheduler.RequestWork(ctx, WorkTag)
}

// Status summarizes the channel for display.
type Status struct {
	ChannelID string            `json:"channel_id,omitempty"`
	State     string            `json:"state"`
	Info      *RegistrationInfo `json:"registration,omitempty"`
	Pending   PendingCounts     `json:"pending"`
}

// Status returns the registration state and pending edit counts.
func (c *Channel) Status(ctx context.Context) (Status, error) {
	s := Status{State: c.State(ctx).String()}
	id, _, err := c.Identifier(ctx)
	if err != nil {
		return s, err
	}
	s.ChannelID = id
	if s.Info, err = c.registration.Info(ctx); err != nil {
		return s, err
	}
	s.Pending, err = c.audience.pending(ctx)
	return s, err
}

// Reset drops pending edits, cached subscription lists and local history.
// Registration state is kept.
func (c *Channel) Reset(ctx context.Context) error {
	return c.audience.reset(ctx)
}

func (c *Channel) defaultPayload(ctx context.Context) (Payload, error) {
	installID, err := c.installID(ctx)
	if err != nil {
		return Payload{}, err
	}
	contactID, _, err := store.GetJSON[string](ctx, c.kv, contactRefKey)
	if err != nil {
		return Payload{}, err
	}

	d := c.device
	p := Payload{
		DeviceType:        d.DeviceType,
		OptIn:             d.OptIn,
		BackgroundEnabled: d.BackgroundEnabled,
		PushAddress:       d.PushAddress,
		SetTags:           d.ChannelTagRegistration,
		Timezone:          d.Timezone,
		Language:          d.Language,
		Country:           d.Country,
		LocationSettings:  d.LocationSettings,
		AppVersion:        d.AppVersion,
		SDKVersion:        d.SDKVersion,
		DeviceModel:       d.DeviceModel,
		APIVersion:        d.APIVersion,
		ContactID:         contactID,
		IsActive:          d.IsActive,
		Permissions:       d.Permissions,
		UserID:            d.UserID,
		InstallID:         installID,
	}
	if p.DeviceType == "" {
		p.DeviceType = api.DefaultPlatform
	}
	if p.SetTags {
		if p.Tags, err = c.ChannelTags(ctx); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

// installID returns the stable per-install id, creating it on first use.
func (c *Channel) installID(ctx context.Context) (string, error) {
	id, ok, err := store.GetJSON[string](ctx, c.kv, installIDKey)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.PutJSON(ctx, c.kv, installIDKey, id); err != nil {
		return "", fmt.Errorf("store install id: %w", err)
	}
	return id, nil
}
