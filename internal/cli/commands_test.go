package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/audiencesync/internal/fakeapi"
)

// cliEnv runs the CLI against a fake backend and a temporary database.
type cliEnv struct {
	backend *fakeapi.Server
	config  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	backend := fakeapi.New()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	config := filepath.Join(dir, "audiencesync.yaml")
	content := fmt.Sprintf(`
api:
  base_url: %s
  app_key: key
  app_secret: secret
http:
  retry_max: 0
store:
  path: %s
device:
  device_type: android
  opt_in: true
  country: DE
log:
  level: error
`, srv.URL, filepath.Join(dir, "audiencesync.db"))
	require.NoError(t, os.WriteFile(config, []byte(content), 0o600))

	return &cliEnv{backend: backend, config: config}
}

// run executes one CLI invocation, as a separate process would.
func (e *cliEnv) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	argv := append([]string{"--config", e.config, "--env-file", ""}, args...)
	code := Execute(context.Background(), argv, stdout, stderr)
	if stderr.Len() > 0 {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), code
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, code := e.run(t, args...)
	require.Equal(t, ExitSuccess, code, "audiencesync %v: %s", args, out)
	return out
}

func (e *cliEnv) channelID(t *testing.T) string {
	t.Helper()
	ids := e.backend.ChannelIDs()
	require.Len(t, ids, 1)
	return ids[0]
}

func decodeData(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data
}

func TestCLI_TagsThenSync(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "tags", "add", "loyalty", "gold")
	assert.Contains(t, out, "queued tag group add for channel")

	out = env.mustRun(t, "sync")
	id := env.channelID(t)
	assert.Contains(t, out, "sync done: channel "+id)

	tags := env.backend.ChannelAudience(id).Tags["loyalty"]
	assert.True(t, tags.Has("gold"))

	body, ok := env.backend.Channel(id)
	require.True(t, ok)
	assert.Contains(t, string(body), `"locale_country":"DE"`)
}

func TestCLI_StatusJSON(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun(t, "tags", "set", "interests", "cycling")
	env.mustRun(t, "attributes", "set", "visits", "3", "--type", "number")

	data := decodeData(t, env.mustRun(t, "--format", "json", "status"))
	ch := data["channel"].(map[string]any)
	assert.Equal(t, "no_identity", ch["state"])
	pending := ch["pending"].(map[string]any)
	assert.Equal(t, float64(1), pending["tag_groups"])
	assert.Equal(t, float64(1), pending["attributes"])
	assert.Contains(t, data["pending_work"], "channel.update")

	env.mustRun(t, "sync")

	data = decodeData(t, env.mustRun(t, "--format", "json", "status"))
	ch = data["channel"].(map[string]any)
	assert.Equal(t, env.channelID(t), ch["channel_id"])
	assert.Equal(t, "registered", ch["state"])
	pending = ch["pending"].(map[string]any)
	assert.Equal(t, float64(0), pending["tag_groups"])
	assert.Equal(t, float64(0), pending["attributes"])
	assert.Equal(t, json.Number("3"), env.backend.ChannelAudience(env.channelID(t)).Attributes["visits"])
}

func TestCLI_SyncRetryExitCode(t *testing.T) {
	env := newCLIEnv(t)
	env.backend.Fail(fakeapi.RouteCreate, http.StatusServiceUnavailable)

	env.mustRun(t, "tags", "add", "loyalty", "gold")

	out, code := env.run(t, "sync")
	assert.Equal(t, ExitRetry, code)
	assert.Contains(t, out, "Error [E003]: sync incomplete")
	assert.Contains(t, out, "pending work: channel.update")
	assert.Empty(t, env.backend.ChannelIDs())

	// A later invocation retries straight away.
	env.mustRun(t, "sync")
	assert.True(t, env.backend.ChannelAudience(env.channelID(t)).Tags["loyalty"].Has("gold"))
}

func TestCLI_SyncRetryJSON(t *testing.T) {
	env := newCLIEnv(t)
	env.backend.Fail(fakeapi.RouteCreate, http.StatusTooManyRequests)

	out, code := env.run(t, "--format", "json", "sync")
	assert.Equal(t, ExitRetry, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRetry, resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details["pending_work"], "channel.update")
}

func TestCLI_InvalidEditQueuesNothing(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.run(t, "attributes", "set", "visits", "many", "--type", "number")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out, "invalid attribute value")

	out, code = env.run(t, "subscriptions", "subscribe", " ")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out, "edit rejected")

	data := decodeData(t, env.mustRun(t, "--format", "json", "status"))
	pending := data["channel"].(map[string]any)["pending"].(map[string]any)
	assert.Equal(t, float64(0), pending["attributes"])
	assert.Equal(t, float64(0), pending["subscription_lists"])
}

func TestCLI_ContactEdits(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun(t, "tags", "add", "--contact", "interests", "cycling")
	out := env.mustRun(t, "contact", "identify", "user-1")
	assert.Contains(t, out, "identified as user-1")

	env.mustRun(t, "sync")

	assert.True(t, env.backend.ContactAudience("user-1").Tags["interests"].Has("cycling"),
		"anonymous edits carry over to the first contact")
	body, ok := env.backend.Channel(env.channelID(t))
	require.True(t, ok)
	assert.Contains(t, string(body), `"contact_id":"user-1"`)

	data := decodeData(t, env.mustRun(t, "--format", "json", "status"))
	assert.Equal(t, "user-1", data["contact"].(map[string]any)["contact_id"])

	out = env.mustRun(t, "contact", "clear")
	assert.Contains(t, out, "contact cleared")
}

func TestCLI_SubscriptionsList(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun(t, "subscriptions", "subscribe", "weekly")
	env.mustRun(t, "sync")

	out := env.mustRun(t, "subscriptions", "list")
	assert.Contains(t, out, "channel: weekly")

	env.mustRun(t, "subscriptions", "subscribe", "promos")
	data := decodeData(t, env.mustRun(t, "--format", "json", "subscriptions", "list", "--pending"))
	assert.Equal(t, []any{"promos", "weekly"}, data["list_ids"])
	assert.Equal(t, true, data["include_pending"])
}

func TestCLI_Reset(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun(t, "tags", "add", "loyalty", "gold")
	out := env.mustRun(t, "reset")
	assert.Contains(t, out, "reset channel")

	data := decodeData(t, env.mustRun(t, "--format", "json", "status"))
	pending := data["channel"].(map[string]any)["pending"].(map[string]any)
	assert.Equal(t, float64(0), pending["tag_groups"])
}

func TestCLI_MissingConfig(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(),
		[]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "--env-file", "", "status"},
		stdout, stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stdout.String(), "failed to load config")
}
