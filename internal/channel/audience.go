package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/metrics"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/registrar"
	"github.com/roach88/audiencesync/internal/store"
)

// Option configures a Channel or Contact.
type Option func(*options)

type options struct {
	device     Device
	method     GenerationMethod
	build      PayloadBuilder
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cacheTTL   time.Duration
	historyTTL time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		method:     Automatic(),
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		cacheTTL:   DefaultSubscriptionCacheTTL,
		historyTTL: DefaultLocalHistoryTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDevice sets the device properties reported in the registration.
func WithDevice(d Device) Option {
	return func(o *options) { o.device = d }
}

// WithGenerationMethod sets how a missing channel id is obtained.
func WithGenerationMethod(m GenerationMethod) Option {
	return func(o *options) { o.method = m }
}

// WithPayloadBuilder replaces the payload built from the Device.
func WithPayloadBuilder(b PayloadBuilder) Option {
	return func(o *options) { o.build = b }
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSubscriptionCache sets the snapshot TTL and the local history TTL.
func WithSubscriptionCache(ttl, historyTTL time.Duration) Option {
	return func(o *options) {
		o.cacheTTL = ttl
		o.historyTTL = historyTTL
	}
}

// audience is the tag, attribute and subscription list state of one
// identity, with the scheduler tag that drains it.
type audience struct {
	tags          *registrar.Registrar[mutation.TagGroupMutation]
	attributes    *registrar.Registrar[mutation.AttributeMutation]
	subscriptions *registrar.Registrar[mutation.SubscriptionListMutation]
	view          *subscriptionView

	scheduler job.Scheduler
	workTag   string
	clock     clockwork.Clock
}

func newAudience(kv store.KV, t api.Transport, e api.Endpoint, d api.Domain, scheduler job.Scheduler, workTag string, o options) *audience {
	prefix := d.String() + "."
	regOpts := []registrar.Option{
		registrar.WithLogger(o.logger),
		registrar.WithMetrics(o.metrics),
		registrar.WithClock(o.clock),
	}
	subscriptionClient := api.NewSubscriptionListClient(t, e, d)

	a := &audience{
		tags:          registrar.NewTagGroups(prefix+"tags", kv, api.NewTagGroupClient(t, e, d), regOpts...),
		attributes:    registrar.NewAttributes(prefix+"attributes", kv, api.NewAttributeClient(t, e, d), regOpts...),
		subscriptions: registrar.NewSubscriptionLists(prefix+"subscription_lists", kv, subscriptionClient, regOpts...),
		scheduler:     scheduler,
		workTag:       workTag,
		clock:         o.clock,
	}
	a.view = newSubscriptionView(subscriptionClient, a.subscriptions, o.clock, o.cacheTTL, o.historyTTL)
	return a
}

// bind points all three registrars at id.
func (a *audience) bind(ctx context.Context, id *string, discardOnChange bool) error {
	if err := a.tags.SetIdentifier(ctx, id, discardOnChange); err != nil {
		return err
	}
	if err := a.attributes.SetIdentifier(ctx, id, discardOnChange); err != nil {
		return err
	}
	return a.subscriptions.SetIdentifier(ctx, id, discardOnChange)
}

// upload drains the registrars one after another.
func (a *audience) upload(ctx context.Context) job.Result {
	return job.Combine(
		job.FromSynced(a.tags.UploadPending(ctx)),
		job.FromSynced(a.attributes.UploadPending(ctx)),
		job.FromSynced(a.subscriptions.UploadPending(ctx)),
	)
}

func queueAndSchedule[M any](a *audience, r *registrar.Registrar[M]) applyFunc[M] {
	return func(ctx context.Context, mutations []M) error {
		if err := r.AddPending(ctx, mutations); err != nil {
			return err
		}
		return a.scheduler.RequestWork(ctx, a.workTag)
	}
}

func (a *audience) editTagGroups() *TagGroupsEditor {
	return &TagGroupsEditor{apply: queueAndSchedule(a, a.tags)}
}

func (a *audience) editAttributes() *AttributesEditor {
	return &AttributesEditor{clock: a.clock, apply: queueAndSchedule(a, a.attributes)}
}

func (a *audience) editSubscriptionLists() *SubscriptionListsEditor {
	return &SubscriptionListsEditor{clock: a.clock, apply: queueAndSchedule(a, a.subscriptions)}
}

// PendingCounts is the number of queued batches per property.
type PendingCounts struct {
	TagGroups         int `json:"tag_groups"`
	Attributes        int `json:"attributes"`
	SubscriptionLists int `json:"subscription_lists"`
}

func (a *audience) pending(ctx context.Context) (PendingCounts, error) {
	var (
		p   PendingCounts
		err error
	)
	if p.TagGroups, err = a.tags.PendingBatches(ctx); err != nil {
		return p, err
	}
	if p.Attributes, err = a.attributes.PendingBatches(ctx); err != nil {
		return p, err
	}
	p.SubscriptionLists, err = a.subscriptions.PendingBatches(ctx)
	return p, err
}

// reset drops queued edits, cached snapshots and local history.
func (a *audience) reset(ctx context.Context) error {
	if err := a.tags.ClearPending(ctx); err != nil {
		return err
	}
	if err := a.attributes.ClearPending(ctx); err != nil {
		return err
	}
	if err := a.subscriptions.ClearPending(ctx); err != nil {
		return err
	}
	a.view.invalidate()
	return nil
}
