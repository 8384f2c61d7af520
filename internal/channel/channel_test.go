package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/fakeapi"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/store"
	"github.com/roach88/audiencesync/internal/testutil"
)

var testDevice = Device{
	DeviceType:  "android",
	OptIn:       true,
	Timezone:    "Europe/Berlin",
	Language:    "de",
	Country:     "DE",
	AppVersion:  "2.1.0",
	SDKVersion:  "17.0.0",
	DeviceModel: "Pixel 8",
}

// harness runs a Channel against the fake backend over real HTTP.
type harness struct {
	fake      *fakeapi.Server
	transport api.Transport
	endpoint  api.Endpoint
	kv        *store.Store
	clock     clockwork.FakeClock
	opts      []Option

	ch      *Channel
	contact *Contact
	jobs    *job.Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	fake := fakeapi.New(fakeapi.WithLogger(discardLogger()))
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := api.DefaultHTTPConfig()
	cfg.RetryMax = 0
	cfg.RequestsPerSecond = 0

	h := &harness{
		fake:      fake,
		transport: api.NewHTTPTransport(cfg, api.WithLogger(discardLogger())),
		endpoint:  api.Endpoint{BaseURL: srv.URL},
		kv:        testutil.OpenStore(t),
		clock:     testutil.NewClock(),
		opts:      opts,
	}
	h.start(t)
	return h
}

// start builds the dispatcher, channel and contact over the harness store,
// as a fresh process would.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	opts := append([]Option{
		WithClock(h.clock),
		WithLogger(discardLogger()),
		WithDevice(testDevice),
	}, h.opts...)

	h.jobs = job.NewDispatcher(h.kv, job.WithClock(h.clock), job.WithLogger(discardLogger()))
	h.ch = New(h.kv, h.transport, h.endpoint, h.jobs, opts...)
	h.contact = NewContact(h.kv, h.transport, h.endpoint, h.jobs, opts...)
	h.jobs.Handle(WorkTag, h.ch.Handler())
	h.jobs.Handle(ContactWorkTag, h.contact.Handler())

	require.NoError(t, h.jobs.Start(ctx))
	require.NoError(t, h.ch.Start(ctx))
	require.NoError(t, h.contact.Start(ctx))
}

func (h *harness) run(t *testing.T) job.Result {
	t.Helper()
	return h.jobs.RunPending(context.Background())
}

func (h *harness) channelID(t *testing.T) string {
	t.Helper()
	id, ok, err := h.ch.Identifier(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestChannel_RegistersAndUploadsQueuedEdits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var created []string
	h.ch.OnCreated(func(id string) { created = append(created, id) })
	var uploadedTags []mutation.TagGroupMutation
	h.ch.OnTagGroupsUploaded(func(_ string, uploaded []mutation.TagGroupMutation) {
		uploadedTags = append(uploadedTags, uploaded...)
	})

	require.NoError(t, h.ch.EditTagGroups().AddTags("loyalty", "gold").SetTags("region", "emea").Apply(ctx))
	require.NoError(t, h.ch.EditAttributes().SetAttribute("first_name", "Ada").SetAttribute("visits", 3).Apply(ctx))
	require.NoError(t, h.ch.EditSubscriptionLists().Subscribe("newsletter").Apply(ctx))

	assert.Equal(t, job.Done, h.run(t))

	id := h.channelID(t)
	assert.Equal(t, []string{id}, created)
	assert.NotEmpty(t, uploadedTags)

	got := h.fake.ChannelAudience(id)
	assert.Equal(t, mutation.NewTagSet("gold"), got.Tags["loyalty"])
	assert.Equal(t, mutation.NewTagSet("emea"), got.Tags["region"])
	assert.Equal(t, map[string]any{"first_name": "Ada", "visits": json.Number("3")}, got.Attributes)
	assert.Equal(t, []string{"newsletter"}, got.Subscriptions)

	status, err := h.ch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, status.ChannelID)
	assert.Equal(t, "registered", status.State)
	assert.Equal(t, PendingCounts{}, status.Pending)
	assert.Empty(t, h.jobs.Pending())

	lists, err := h.ch.SubscriptionLists(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, set("newsletter"), lists)
}

func TestChannel_RegistrationBodyCarriesDevice(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))

	body, ok := h.fake.Channel(h.channelID(t))
	require.True(t, ok)

	var p Payload
	require.NoError(t, p.UnmarshalJSON(body))
	assert.Equal(t, "DE", p.Country)
	assert.Equal(t, "Pixel 8", p.DeviceModel)
	assert.True(t, p.OptIn)
	assert.NotEmpty(t, p.InstallID)
}

func TestChannel_RetryableUploadKeepsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))

	h.fake.Fail(fakeapi.RouteTags, http.StatusServiceUnavailable)
	require.NoError(t, h.ch.EditTagGroups().AddTags("g", "a").Apply(ctx))

	assert.Equal(t, job.Retry, h.run(t))
	pending, err := h.ch.PendingTagGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, []string{WorkTag}, h.jobs.Pending())

	// Still backing off.
	assert.Equal(t, job.Done, h.run(t))
	assert.Equal(t, 1, h.fake.Hits(fakeapi.RouteTags))

	h.clock.Advance(job.DefaultBackoff.Initial)
	assert.Equal(t, job.Done, h.run(t))
	assert.Equal(t, mutation.NewTagSet("a"), h.fake.ChannelAudience(h.channelID(t)).Tags["g"])
}

func TestChannel_RegistrationRetrySkipsUploads(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.Fail(fakeapi.RouteCreate, http.StatusInternalServerError)
	require.NoError(t, h.ch.EditTagGroups().AddTags("g", "a").Apply(ctx))

	assert.Equal(t, job.Retry, h.run(t))
	assert.Equal(t, 0, h.fake.Hits(fakeapi.RouteTags))
	assert.Equal(t, NoIdentity, h.ch.State(ctx))

	h.clock.Advance(job.DefaultBackoff.Initial)
	assert.Equal(t, job.Done, h.run(t))
	assert.Equal(t, 1, h.fake.Hits(fakeapi.RouteTags))
}

func TestChannel_RegistrarsRunAfterSkippedUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))

	require.NoError(t, h.ch.EditAttributes().SetAttribute("tier", "gold").Apply(ctx))
	assert.Equal(t, job.Done, h.run(t))

	assert.Equal(t, 0, h.fake.Hits(fakeapi.RouteUpdate))
	assert.Equal(t, "gold", h.fake.ChannelAudience(h.channelID(t)).Attributes["tier"])
}

func TestChannel_ConflictRecreatesAndUploadsToNewChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))
	oldID := h.channelID(t)

	h.fake.DeleteChannel(oldID)
	require.NoError(t, h.ch.EditAttributes().SetAttribute("tier", "gold").Apply(ctx))
	require.NoError(t, h.ch.SetContactID(ctx, "contact-1"))

	assert.Equal(t, job.Done, h.run(t))

	newID := h.channelID(t)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, 1, h.fake.Hits(fakeapi.RouteUpdate))
	assert.Equal(t, 2, h.fake.Hits(fakeapi.RouteCreate))
	assert.Equal(t, "gold", h.fake.ChannelAudience(newID).Attributes["tier"])

	body, ok := h.fake.Channel(newID)
	require.True(t, ok)
	var p Payload
	require.NoError(t, p.UnmarshalJSON(body))
	assert.Equal(t, "contact-1", p.ContactID)
}

func TestChannel_ClientErrorDropsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))

	h.fake.Fail(fakeapi.RouteAttributes, http.StatusBadRequest)
	require.NoError(t, h.ch.EditAttributes().SetAttribute("a", "1").Apply(ctx))

	assert.Equal(t, job.Done, h.run(t))
	pending, err := h.ch.PendingAttributes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NotContains(t, h.fake.ChannelAudience(h.channelID(t)).Attributes, "a")
}

func TestChannel_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.Fail(fakeapi.RouteCreate, http.StatusServiceUnavailable)
	require.NoError(t, h.ch.EditSubscriptionLists().Subscribe("weekly").Apply(ctx))
	require.Equal(t, job.Retry, h.run(t))

	h.start(t)

	assert.Equal(t, job.Done, h.run(t))
	assert.Equal(t, []string{"weekly"}, h.fake.ChannelAudience(h.channelID(t)).Subscriptions)
}

func TestChannel_ResetDropsPendingEdits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ch.EditTagGroups().AddTags("g", "a").Apply(ctx))
	require.NoError(t, h.ch.EditSubscriptionLists().Subscribe("x").Apply(ctx))

	require.NoError(t, h.ch.Reset(ctx))

	status, err := h.ch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PendingCounts{}, status.Pending)
}

func TestChannel_SubscriptionListsIncludePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ch.EditSubscriptionLists().Subscribe("a").Apply(ctx))
	require.Equal(t, job.Done, h.run(t))

	h.fake.Fail(fakeapi.RouteSubscriptions, http.StatusServiceUnavailable)
	require.NoError(t, h.ch.EditSubscriptionLists().Unsubscribe("a").Subscribe("b").Apply(ctx))
	require.Equal(t, job.Retry, h.run(t))

	withPending, err := h.ch.SubscriptionLists(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, set("b"), withPending)

	confirmed, err := h.ch.SubscriptionLists(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, set("a"), confirmed)
}

func TestChannel_DefaultPayload(t *testing.T) {
	ctx := context.Background()
	device := testDevice
	device.ChannelTagRegistration = true
	sched := job.NewMockScheduler(gomock.NewController(t))
	sched.EXPECT().RequestWork(gomock.Any(), WorkTag).Return(nil).Times(2)

	ch := New(testutil.NewMemoryKV(), testutil.NewScriptedTransport(), api.Endpoint{BaseURL: "https://api.test"}, sched,
		WithDevice(device), WithClock(testutil.NewClock()), WithLogger(discardLogger()))
	require.NoError(t, ch.SetChannelTags(ctx, "b", "a"))
	require.NoError(t, ch.SetContactID(ctx, "contact-9"))

	first, err := ch.defaultPayload(ctx)
	require.NoError(t, err)
	second, err := ch.defaultPayload(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, first.InstallID)
	assert.Equal(t, first.InstallID, second.InstallID)
	assert.True(t, first.SetTags)
	assert.Equal(t, []string{"a", "b"}, first.Tags.Sorted())
	assert.Equal(t, "contact-9", first.ContactID)
	assert.Equal(t, "DE", first.Country)
}

func TestChannel_DefaultDeviceType(t *testing.T) {
	ch := New(testutil.NewMemoryKV(), testutil.NewScriptedTransport(), api.Endpoint{BaseURL: "https://api.test"},
		job.NewMockScheduler(gomock.NewController(t)), WithLogger(discardLogger()))

	p, err := ch.defaultPayload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.DefaultPlatform, p.DeviceType)
	assert.False(t, p.SetTags)
	assert.Nil(t, p.Tags)
}

func TestEditors_QueueAndRequestWork(t *testing.T) {
	ctx := context.Background()
	sched := job.NewMockScheduler(gomock.NewController(t))
	sched.EXPECT().RequestWork(gomock.Any(), WorkTag).Return(nil).Times(3)

	ch := New(testutil.NewMemoryKV(), testutil.NewScriptedTransport(), api.Endpoint{BaseURL: "https://api.test"}, sched,
		WithClock(testutil.NewClock()), WithLogger(discardLogger()))

	require.NoError(t, ch.EditTagGroups().AddTags("g", "a").RemoveTags("g", "a").SetTags("h").Apply(ctx))
	require.NoError(t, ch.EditAttributes().SetAttribute("k", "v").RemoveAttribute("k").Apply(ctx))
	require.NoError(t, ch.EditSubscriptionLists().Subscribe("x").Apply(ctx))

	tags, err := ch.PendingTagGroups(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)

	attrs, err := ch.PendingAttributes(ctx)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, mutation.AttributeRemove, attrs[0].Action)
	assert.True(t, testutil.Epoch.Equal(attrs[0].Timestamp))

	lists, err := ch.PendingSubscriptionLists(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "x", lists[0].ListID)
}

func TestEditors_InvalidEditsQueueNothing(t *testing.T) {
	ctx := context.Background()
	sched := job.NewMockScheduler(gomock.NewController(t))

	ch := New(testutil.NewMemoryKV(), testutil.NewScriptedTransport(), api.Endpoint{BaseURL: "https://api.test"}, sched,
		WithClock(testutil.NewClock()), WithLogger(discardLogger()))

	err := ch.EditAttributes().SetAttribute("ok", "v").SetAttribute("bad", nil).Apply(ctx)
	assert.ErrorIs(t, err, mutation.ErrInvalidAttribute)

	err = ch.EditSubscriptionLists().Subscribe(" ").Apply(ctx)
	assert.ErrorIs(t, err, mutation.ErrEmptyListID)

	status, err := ch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PendingCounts{}, status.Pending)
	assert.Equal(t, "no_identity", status.State)
}

func TestChannel_UpdatedListenerAfterPayloadChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, job.Done, h.run(t))

	var updated []string
	h.ch.OnUpdated(func(id string) { updated = append(updated, id) })

	h.clock.Advance(time.Minute)
	require.NoError(t, h.ch.SetContactID(ctx, "contact-2"))
	require.Equal(t, job.Done, h.run(t))

	assert.Equal(t, []string{h.channelID(t)}, updated)
}

func TestChannel_StartsWithUnreadableIdentifier(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewMemoryKV()
	require.NoError(t, kv.Put(ctx, "channel.id", []byte(`[1,`)))
	sched := job.NewMockScheduler(gomock.NewController(t))
	sched.EXPECT().RequestWork(gomock.Any(), WorkTag).Return(nil)

	ch := New(kv, testutil.NewScriptedTransport(), api.Endpoint{BaseURL: "https://api.test"}, sched,
		WithLogger(discardLogger()))
	require.NoError(t, ch.Start(ctx))

	_, ok, err := ch.Identifier(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, NoIdentity, ch.State(ctx))
}
