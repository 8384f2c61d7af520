// Package registrar owns, per property, the identifier that mutations are
// addressed to, the durable queue of pending batches, and the loop that
// drains that queue to the backend.
//
// Uploads use compare-and-pop: a batch is removed only if, after the server
// accepted it, it is still the head of the queue and the identifier it was
// sent to is still current. A batch appended or an identifier swapped while
// an upload is in flight is therefore never lost or misattributed.
package registrar

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/metrics"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/queue"
	"github.com/roach88/audiencesync/internal/store"
)

// Client uploads one batch for an identifier.
type Client[M any] interface {
	Upload(ctx context.Context, identifier string, batch []M) (*api.Response, error)
}

// Listener is called after the backend accepted a batch for identifier.
type Listener[M any] func(identifier string, uploaded []M)

// Option configures a Registrar.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock used to time uploads.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Registrar synchronizes one property (tags, attributes or subscription
// lists) for one identity domain.
type Registrar[M any] struct {
	property string
	client   Client[M]
	collapse func([]M) []M
	queue    *queue.Queue[M]

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	// mu makes the identifier and the queue change together.
	mu         sync.Mutex
	identifier *string

	flight    singleflight.Group
	listeners atomic.Pointer[[]Listener[M]]
}

// QueueKey returns the store key holding property's queue.
func QueueKey(property string) string {
	return "queue." + property
}

// New returns a Registrar for property, persisting its queue in kv.
func New[M any](property string, kv store.KV, client Client[M], collapse func([]M) []M, opts ...Option) *Registrar[M] {
	o := options{logger: slog.Default(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("property", property)

	return &Registrar[M]{
		property: property,
		client:   client,
		collapse: collapse,
		queue:    queue.New[M](kv, QueueKey(property), logger),
		logger:   logger,
		metrics:  o.metrics,
		clock:    o.clock,
	}
}

// NewTagGroups returns a Registrar for tag group mutations.
func NewTagGroups(property string, kv store.KV, client Client[mutation.TagGroupMutation], opts ...Option) *Registrar[mutation.TagGroupMutation] {
	return New(property, kv, client, mutation.CollapseTagGroups, opts...)
}

// NewAttributes returns a Registrar for attribute mutations.
func NewAttributes(property string, kv store.KV, client Client[mutation.AttributeMutation], opts ...Option) *Registrar[mutation.AttributeMutation] {
	return New(property, kv, client, mutation.CollapseAttributes, opts...)
}

// NewSubscriptionLists returns a Registrar for subscription list mutations.
func NewSubscriptionLists(property string, kv store.KV, client Client[mutation.SubscriptionListMutation], opts ...Option) *Registrar[mutation.SubscriptionListMutation] {
	return New(property, kv, client, mutation.CollapseSubscriptionLists, opts...)
}

// Property returns the property name.
func (r *Registrar[M]) Property() string {
	return r.property
}

// Identifier returns the bound identifier.
func (r *Registrar[M]) Identifier() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identifier == nil {
		return "", false
	}
	return *r.identifier, true
}

// SetIdentifier binds the registrar to id (nil unbinds it). With
// discardOnChange, a different id also clears every pending batch in the same
// critical section.
func (r *Registrar[M]) SetIdentifier(ctx context.Context, id *string, discardOnChange bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := !sameIdentifier(r.identifier, id)
	if id != nil {
		v := *id
		id = &v
	}
	if discardOnChange && changed {
		if err := r.queue.Clear(ctx); err != nil {
			return err
		}
		r.logger.Debug("identifier changed, pending mutations discarded")
	}
	r.identifier = id
	return nil
}

func sameIdentifier(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// AddPending collapses mutations and appends them as one batch. The batch is
// durable once AddPending returns nil.
func (r *Registrar[M]) AddPending(ctx context.Context, mutations []M) error {
	batch := r.collapse(mutations)
	if len(batch) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.queue.Append(ctx, batch); err != nil {
		return err
	}
	r.recordDepth(ctx)
	return nil
}

// PendingMutations returns every queued mutation, collapsed, in order.
func (r *Registrar[M]) PendingMutations(ctx context.Context) ([]M, error) {
	batches, err := r.queue.All(ctx)
	if err != nil {
		return nil, err
	}
	return r.collapse(flatten(batches)), nil
}

// PendingBatches returns the number of queued batches.
func (r *Registrar[M]) PendingBatches(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}

// ClearPending drops every queued batch.
func (r *Registrar[M]) ClearPending(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Clear(ctx)
}

// AddListener registers l for accepted uploads.
func (r *Registrar[M]) AddListener(l Listener[M]) {
	for {
		old := r.listeners.Load()
		var next []Listener[M]
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, l)
		if r.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (r *Registrar[M]) notify(identifier string, batch []M) {
	ls := r.listeners.Load()
	if ls == nil {
		return
	}
	for _, l := range *ls {
		l(identifier, batch)
	}
}

func flatten[M any](batches [][]M) []M {
	var out []M
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func (r *Registrar[M]) recordDepth(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if n, err := r.queue.Len(ctx); err == nil {
		r.metrics.SetPending(r.property, n)
	}
}
