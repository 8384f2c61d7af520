package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/metrics"
	"github.com/roach88/audiencesync/internal/store"
)

// ReregistrationInterval bounds how long an unchanged registration goes
// without being resent, and how long minimized updates may be sent before a
// full payload is required again.
const ReregistrationInterval = 24 * time.Hour

const (
	channelIDKey        = "channel.id"
	registrationInfoKey = "channel.registration_info"
)

// State is the registration state of the channel.
type State int

const (
	NoIdentity State = iota
	Creating
	Registered
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Registered:
		return "registered"
	default:
		return "no_identity"
	}
}

// GenerationMethod decides how a channel id is obtained when none is stored.
type GenerationMethod struct {
	restoreID string
}

// Automatic asks the backend to create a new channel.
func Automatic() GenerationMethod {
	return GenerationMethod{}
}

// Restore adopts an existing channel id instead of creating one. Ids that are
// not UUIDs fall back to Automatic.
func Restore(channelID string) GenerationMethod {
	return GenerationMethod{restoreID: channelID}
}

func (m GenerationMethod) restorable() (string, bool) {
	if m.restoreID == "" {
		return "", false
	}
	if _, err := uuid.Parse(m.restoreID); err != nil {
		return "", false
	}
	return m.restoreID, true
}

// RegistrationInfo is what the backend last accepted.
type RegistrationInfo struct {
	Date           time.Time  `json:"date"`
	LastFullUpload *time.Time `json:"last_full_upload_date,omitempty"`
	Payload        Payload    `json:"payload"`
	Location       string     `json:"location"`
}

// ChannelAPI is the subset of api.ChannelClient registration uses.
type ChannelAPI interface {
	Create(ctx context.Context, payload any) (*api.ChannelResponse, error)
	Update(ctx context.Context, channelID string, payload any) (*api.ChannelResponse, error)
	Location(channelID string) string
}

// PayloadBuilder returns the current registration payload.
type PayloadBuilder func(ctx context.Context) (Payload, error)

// Outcome is the result of one registration pass.
type Outcome struct {
	Result job.Result

	// Created is set when this pass created or restored the channel.
	Created string

	// NeedsUpdate is set when the payload changed while the request was in
	// flight.
	NeedsUpdate bool
}

// Registration drives the channel record through create, update and
// conflict recovery.
type Registration struct {
	kv      store.KV
	client  ChannelAPI
	method  GenerationMethod
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	creating atomic.Bool

	created atomic.Pointer[[]func(string)]
	updated atomic.Pointer[[]func(string)]
}

// NewRegistration returns a Registration persisting its state in kv.
func NewRegistration(kv store.KV, client ChannelAPI, method GenerationMethod, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Registration {
	return &Registration{
		kv:      kv,
		client:  client,
		method:  method,
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// Identifier returns the stored channel id. An unreadable id is dropped
// together with its registration info, leaving the channel to be created
// again.
func (r *Registration) Identifier(ctx context.Context) (string, bool, error) {
	id, ok, err := store.GetJSON[string](ctx, r.kv, channelIDKey)
	var corrupt *store.CorruptError
	if errors.As(err, &corrupt) {
		r.logger.Warn("discarding unreadable channel id", "error", err)
		if err := r.kv.Remove(ctx, channelIDKey); err != nil {
			return "", false, err
		}
		if err := r.kv.Remove(ctx, registrationInfoKey); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	if err != nil || !ok || id == "" {
		return "", false, err
	}
	return id, true, nil
}

// Info returns the last accepted registration, if any.
func (r *Registration) Info(ctx context.Context) (*RegistrationInfo, error) {
	info, ok, err := store.GetJSON[RegistrationInfo](ctx, r.kv, registrationInfoKey)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// State returns the current state.
func (r *Registration) State(ctx context.Context) State {
	if r.creating.Load() {
		return Creating
	}
	if _, ok, _ := r.Identifier(ctx); ok {
		return Registered
	}
	return NoIdentity
}

// OnCreated registers l to be called with the id of a newly created channel.
func (r *Registration) OnCreated(l func(channelID string)) {
	addListener(&r.created, l)
}

// OnUpdated registers l to be called after the backend accepted an update.
func (r *Registration) OnUpdated(l func(channelID string)) {
	addListener(&r.updated, l)
}

func addListener(p *atomic.Pointer[[]func(string)], l func(string)) {
	for {
		old := p.Load()
		var next []func(string)
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, l)
		if p.CompareAndSwap(old, &next) {
			return
		}
	}
}

func notifyAll(p *atomic.Pointer[[]func(string)], id string) {
	if ls := p.Load(); ls != nil {
		for _, l := range *ls {
			l(id)
		}
	}
}

// Update creates the channel if there is no id yet, otherwise sends the
// (minimized) payload if anything changed or the registration is stale.
func (r *Registration) Update(ctx context.Context, build PayloadBuilder) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := build(ctx)
	if err != nil {
		r.logger.Error("failed to build registration payload", "error", err)
		return Outcome{Result: job.Retry}
	}

	id, ok, err := r.Identifier(ctx)
	if err != nil {
		r.logger.Error("failed to read channel id", "error", err)
		return Outcome{Result: job.Retry}
	}
	if !ok {
		return r.create(ctx, build, payload, r.method)
	}
	return r.update(ctx, build, id, payload)
}

func (r *Registration) create(ctx context.Context, build PayloadBuilder, payload Payload, method GenerationMethod) Outcome {
	r.creating.Store(true)
	defer r.creating.Store(false)

	if id, ok := method.restorable(); ok {
		r.logger.Info("restoring channel", "channel_id", id)
		if err := store.PutJSON(ctx, r.kv, channelIDKey, id); err != nil {
			r.logger.Error("failed to store channel id", "error", err)
			return Outcome{Result: job.Retry}
		}
		r.metrics.ObserveRegistration("restore", api.StatusSuccess.String())
		notifyAll(&r.created, id)

		out := r.update(ctx, build, id, payload)
		if out.Created == "" {
			out.Created = id
		}
		return out
	}

	resp, err := r.client.Create(ctx, payload)
	status := classify(resp, err)
	r.metrics.ObserveRegistration("create", status.String())

	switch status {
	case api.StatusSuccess:
		now := r.clock.Now()
		info := RegistrationInfo{Date: now, LastFullUpload: &now, Payload: payload, Location: resp.Location}
		if err := r.store(ctx, resp.Identifier, &info); err != nil {
			r.logger.Error("failed to store registration", "error", err)
			return Outcome{Result: job.Retry}
		}
		r.logger.Info("channel created", "channel_id", resp.Identifier)
		notifyAll(&r.created, resp.Identifier)
		return Outcome{Result: job.Done, Created: resp.Identifier, NeedsUpdate: !r.upToDate(ctx, build, resp.Identifier)}

	case api.StatusRetryable:
		r.logger.Debug("channel creation failed, will retry", "error", err, "status", responseStatus(resp))
		return Outcome{Result: job.Retry}

	default:
		r.logger.Error("channel creation rejected", "error", err, "status", responseStatus(resp))
		return Outcome{Result: job.Fatal}
	}
}

func (r *Registration) update(ctx context.Context, build PayloadBuilder, id string, payload Payload) Outcome {
	info, err := r.Info(ctx)
	if err != nil {
		r.logger.Warn("discarding unreadable registration info", "error", err)
		info = nil
	}

	send, ok := r.updatePayload(info, r.client.Location(id), payload)
	if !ok {
		r.metrics.ObserveRegistration("update", "skipped")
		r.logger.Debug("channel already up to date", "channel_id", id)
		return Outcome{Result: job.Done}
	}

	resp, err := r.client.Update(ctx, id, send)
	status := classify(resp, err)
	r.metrics.ObserveRegistration("update", status.String())

	switch status {
	case api.StatusSuccess:
		now := r.clock.Now()
		next := RegistrationInfo{Date: now, Payload: payload, Location: resp.Location}
		if send.Equal(payload.forUpdate(), true) {
			next.LastFullUpload = &now
		} else if info != nil {
			next.LastFullUpload = info.LastFullUpload
		}
		if err := store.PutJSON(ctx, r.kv, registrationInfoKey, next); err != nil {
			r.logger.Error("failed to store registration", "error", err)
			return Outcome{Result: job.Retry}
		}
		r.logger.Debug("channel updated", "channel_id", id)
		notifyAll(&r.updated, id)
		return Outcome{Result: job.Done, NeedsUpdate: !r.upToDate(ctx, build, id)}

	case api.StatusConflict:
		r.logger.Info("channel no longer exists, recreating", "channel_id", id)
		if err := r.clear(ctx); err != nil {
			r.logger.Error("failed to clear registration", "error", err)
			return Outcome{Result: job.Retry}
		}
		return r.create(ctx, build, payload, Automatic())

	case api.StatusRetryable:
		r.logger.Debug("channel update failed, will retry", "error", err, "status", responseStatus(resp))
		return Outcome{Result: job.Retry}

	default:
		r.logger.Error("channel update rejected", "error", err, "status", responseStatus(resp))
		return Outcome{Result: job.Fatal}
	}
}

// updatePayload returns what to send for an update, and false when nothing
// needs sending.
func (r *Registration) updatePayload(info *RegistrationInfo, location string, payload Payload) (Payload, bool) {
	if info == nil || info.Location != location {
		return payload.forUpdate(), true
	}
	if info.LastFullUpload == nil || r.clock.Since(*info.LastFullUpload) > ReregistrationInterval {
		return payload.forUpdate(), true
	}
	if !r.shouldUpdate(payload, info, location) {
		return Payload{}, false
	}
	return payload.Minimize(&info.Payload), true
}

func (r *Registration) shouldUpdate(payload Payload, info *RegistrationInfo, location string) bool {
	if info == nil || info.Location != location {
		return true
	}
	since := r.clock.Since(info.Date)
	if since < 0 || since > ReregistrationInterval {
		return true
	}
	return !payload.Equal(info.Payload, false)
}

func (r *Registration) upToDate(ctx context.Context, build PayloadBuilder, id string) bool {
	payload, err := build(ctx)
	if err != nil {
		return true
	}
	info, err := r.Info(ctx)
	if err != nil {
		return false
	}
	return !r.shouldUpdate(payload, info, r.client.Location(id))
}

func (r *Registration) store(ctx context.Context, id string, info *RegistrationInfo) error {
	if err := store.PutJSON(ctx, r.kv, channelIDKey, id); err != nil {
		return err
	}
	return store.PutJSON(ctx, r.kv, registrationInfoKey, info)
}

func (r *Registration) clear(ctx context.Context) error {
	if err := r.kv.Remove(ctx, registrationInfoKey); err != nil {
		return err
	}
	return r.kv.Remove(ctx, channelIDKey)
}

func classify(resp *api.ChannelResponse, err error) api.Status {
	if resp == nil {
		return api.Classify(nil, err)
	}
	return api.Classify(resp.Response, err)
}

func responseStatus(resp *api.ChannelResponse) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.Status
}
