package fakeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/mutation"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts ...Option) (*Server, api.Transport, api.Endpoint) {
	t.Helper()
	fake := New(opts...)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := api.DefaultHTTPConfig()
	cfg.AppKey = "key"
	cfg.AppSecret = "secret"
	cfg.RetryMax = 0
	cfg.RequestsPerSecond = 0
	return fake, api.NewHTTPTransport(cfg), api.Endpoint{BaseURL: srv.URL}
}

func createChannel(t *testing.T, tr api.Transport, e api.Endpoint) string {
	t.Helper()
	resp, err := api.NewChannelClient(tr, e).Create(context.Background(), map[string]any{"channel": map[string]any{"device_type": "android"}})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuccess, api.Classify(resp.Response, nil))
	return resp.Identifier
}

func TestServer_CreateAndUpdateChannel(t *testing.T) {
	ctx := context.Background()
	fake, tr, e := newTestServer(t)
	client := api.NewChannelClient(tr, e)

	resp, err := client.Create(ctx, map[string]any{"channel": map[string]any{"device_type": "android"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Identifier)
	assert.Equal(t, client.Location(resp.Identifier), resp.Location)

	upd, err := client.Update(ctx, resp.Identifier, map[string]any{"channel": map[string]any{"opt_in": true}})
	require.NoError(t, err)
	assert.Equal(t, api.StatusSuccess, api.Classify(upd.Response, nil))

	body, ok := fake.Channel(resp.Identifier)
	require.True(t, ok)
	assert.JSONEq(t, `{"channel":{"opt_in":true}}`, string(body))
	assert.Equal(t, []string{resp.Identifier}, fake.ChannelIDs())
}

func TestServer_UpdateUnknownChannelConflicts(t *testing.T) {
	fake, tr, e := newTestServer(t)
	id := createChannel(t, tr, e)
	fake.DeleteChannel(id)

	resp, err := api.NewChannelClient(tr, e).Update(context.Background(), id, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, api.StatusConflict, api.Classify(resp.Response, nil))
}

func TestServer_ChannelAudience(t *testing.T) {
	ctx := context.Background()
	fake, tr, e := newTestServer(t)
	id := createChannel(t, tr, e)

	tags := api.NewTagGroupClient(tr, e, api.ChannelDomain)
	resp, err := tags.Upload(ctx, id, []mutation.TagGroupMutation{
		mutation.NewAddTags("g", "a", "b"),
		mutation.NewRemoveTags("g", "b"),
		mutation.NewSetTags("h", "x"),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	set, err := mutation.NewSetAttribute("color", "red", t0)
	require.NoError(t, err)
	_, err = api.NewAttributeClient(tr, e, api.ChannelDomain).Upload(ctx, id, []mutation.AttributeMutation{set})
	require.NoError(t, err)

	sub, err := mutation.NewSubscribe("news", t0)
	require.NoError(t, err)
	lists := api.NewSubscriptionListClient(tr, e, api.ChannelDomain)
	_, err = lists.Upload(ctx, id, []mutation.SubscriptionListMutation{sub})
	require.NoError(t, err)

	want := Audience{
		Tags:          map[string]mutation.TagSet{"g": mutation.NewTagSet("a"), "h": mutation.NewTagSet("x")},
		Attributes:    map[string]any{"color": "red"},
		Subscriptions: []string{"news"},
	}
	if diff := cmp.Diff(want, fake.ChannelAudience(id)); diff != "" {
		t.Errorf("channel audience mismatch (-want +got):\n%s", diff)
	}

	fetched, err := lists.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, fetched)
}

func TestServer_ContactAudience(t *testing.T) {
	ctx := context.Background()
	fake, tr, e := newTestServer(t)

	_, err := api.NewTagGroupClient(tr, e, api.ContactDomain).Upload(ctx, "named", []mutation.TagGroupMutation{mutation.NewAddTags("g", "a")})
	require.NoError(t, err)
	sub, err := mutation.NewSubscribe("weekly", t0)
	require.NoError(t, err)
	lists := api.NewSubscriptionListClient(tr, e, api.ContactDomain)
	_, err = lists.Upload(ctx, "named", []mutation.SubscriptionListMutation{sub})
	require.NoError(t, err)

	got := fake.ContactAudience("named")
	assert.Equal(t, mutation.NewTagSet("a"), got.Tags["g"])
	assert.Equal(t, []string{"weekly"}, got.Subscriptions)

	fetched, err := lists.Fetch(ctx, "named")
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly"}, fetched)
}

func TestServer_UnknownChannelIsClientError(t *testing.T) {
	_, tr, e := newTestServer(t)

	resp, err := api.NewTagGroupClient(tr, e, api.ChannelDomain).Upload(context.Background(), "nope", []mutation.TagGroupMutation{mutation.NewAddTags("g", "a")})
	require.NoError(t, err)
	assert.Equal(t, api.StatusClientError, api.Classify(resp, nil))
}

func TestServer_FailInjection(t *testing.T) {
	fake, tr, e := newTestServer(t)
	fake.Fail(RouteCreate, http.StatusServiceUnavailable, http.StatusTooManyRequests)

	client := api.NewChannelClient(tr, e)
	for _, want := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		resp, err := client.Create(context.Background(), map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Status)
		assert.Equal(t, api.StatusRetryable, api.Classify(resp.Response, nil))
	}

	createChannel(t, tr, e)
	assert.Equal(t, 3, fake.Hits(RouteCreate))
	assert.Len(t, fake.ChannelIDs(), 1)
}

func TestServer_RequiresCredentials(t *testing.T) {
	fake := New(WithCredentials("key", "other"))
	srv := httptest.NewServer(fake)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/subscription_lists/channels/x", nil)
	require.NoError(t, err)
	req.SetBasicAuth("key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["ok"])
}
