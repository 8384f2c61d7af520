// Package config loads audiencesync settings from YAML, .env files and the
// environment, and validates them against an embedded CUE schema.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/channel"
	"github.com/roach88/audiencesync/internal/job"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUDIENCESYNC_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as "30s" in YAML and JSON.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete runtime configuration.
type Config struct {
	API     APIConfig      `yaml:"api" json:"api"`
	HTTP    HTTPConfig     `yaml:"http" json:"http"`
	Store   StoreConfig    `yaml:"store" json:"store"`
	Device  channel.Device `yaml:"device" json:"device"`
	Jobs    JobsConfig     `yaml:"jobs" json:"jobs"`
	Cache   CacheConfig    `yaml:"cache" json:"cache"`
	Log     LogConfig      `yaml:"log" json:"log"`
	Metrics MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// APIConfig locates and authenticates against the backend.
type APIConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	AppKey    string `yaml:"app_key" json:"app_key"`
	AppSecret string `yaml:"app_secret" json:"app_secret"`
	Platform  string `yaml:"platform" json:"platform"`

	// RestoreChannelID adopts an existing channel instead of creating one.
	RestoreChannelID string `yaml:"restore_channel_id" json:"restore_channel_id,omitempty"`
}

// HTTPConfig tunes the transport.
type HTTPConfig struct {
	UserAgent         string   `yaml:"user_agent" json:"user_agent,omitempty"`
	Timeout           Duration `yaml:"timeout" json:"timeout"`
	RetryMax          int      `yaml:"retry_max" json:"retry_max"`
	RetryWaitMin      Duration `yaml:"retry_wait_min" json:"retry_wait_min"`
	RetryWaitMax      Duration `yaml:"retry_wait_max" json:"retry_wait_max"`
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `yaml:"burst" json:"burst"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// JobsConfig sets the retry backoff of scheduled work.
type JobsConfig struct {
	BackoffInitial Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max" json:"backoff_max"`
}

// CacheConfig sets the subscription list cache lifetimes.
type CacheConfig struct {
	SubscriptionTTL Duration `yaml:"subscription_ttl" json:"subscription_ttl"`
	HistoryTTL      Duration `yaml:"history_ttl" json:"history_ttl"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	h := api.DefaultHTTPConfig()
	return &Config{
		API: APIConfig{
			BaseURL:  "https://device-api.urbanairship.com",
			Platform: api.DefaultPlatform,
		},
		HTTP: HTTPConfig{
			UserAgent:         h.UserAgent,
			Timeout:           Duration(h.Timeout),
			RetryMax:          h.RetryMax,
			RetryWaitMin:      Duration(h.RetryWaitMin),
			RetryWaitMax:      Duration(h.RetryWaitMax),
			RequestsPerSecond: h.RequestsPerSecond,
			Burst:             h.Burst,
		},
		Store:  StoreConfig{Path: "audiencesync.db"},
		Device: channel.Device{DeviceType: api.DefaultPlatform},
		Jobs: JobsConfig{
			BackoffInitial: Duration(job.DefaultBackoff.Initial),
			BackoffMax:     Duration(job.DefaultBackoff.Max),
		},
		Cache: CacheConfig{
			SubscriptionTTL: Duration(channel.DefaultSubscriptionCacheTTL),
			HistoryTTL:      Duration(channel.DefaultLocalHistoryTTL),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file. Values
// from envFiles apply only where the process environment has none; missing
// env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil, nil
	}
	env, err := godotenv.Read(existing...)
	if err != nil {
		return nil, fmt.Errorf("read env files: %w", err)
	}
	return env, nil
}

// applyEnv overrides fields from AUDIENCESYNC_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BASE_URL":           &c.API.BaseURL,
		"APP_KEY":            &c.API.AppKey,
		"APP_SECRET":         &c.API.AppSecret,
		"PLATFORM":           &c.API.Platform,
		"RESTORE_CHANNEL_ID": &c.API.RestoreChannelID,
		"STORE_PATH":         &c.Store.Path,
		"LOG_LEVEL":          &c.Log.Level,
		"LOG_FORMAT":         &c.Log.Format,
		"METRICS_ADDR":       &c.Metrics.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "HTTP_TIMEOUT"); ok {
		if err := c.HTTP.Timeout.set(v); err != nil {
			return fmt.Errorf("%sHTTP_TIMEOUT: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "HTTP_RETRY_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_RETRY_MAX: %w", EnvPrefix, err)
		}
		c.HTTP.RetryMax = n
	}
	return nil
}

// Validate checks the configuration against the embedded schema and the
// cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile config: %w", err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	if c.HTTP.RetryWaitMin > c.HTTP.RetryWaitMax {
		return fmt.Errorf("%w: http.retry_wait_min exceeds http.retry_wait_max", ErrInvalid)
	}
	if c.Jobs.BackoffInitial <= 0 || c.Jobs.BackoffInitial > c.Jobs.BackoffMax {
		return fmt.Errorf("%w: jobs.backoff_initial must be positive and at most jobs.backoff_max", ErrInvalid)
	}
	return nil
}

// Endpoint returns the backend location.
func (c *Config) Endpoint() api.Endpoint {
	return api.Endpoint{BaseURL: c.API.BaseURL, Platform: c.API.Platform}
}

// HTTPTransport returns the transport settings.
func (c *Config) HTTPTransport() api.HTTPConfig {
	return api.HTTPConfig{
		AppKey:            c.API.AppKey,
		AppSecret:         c.API.AppSecret,
		UserAgent:         c.HTTP.UserAgent,
		Timeout:           time.Duration(c.HTTP.Timeout),
		RetryMax:          c.HTTP.RetryMax,
		RetryWaitMin:      time.Duration(c.HTTP.RetryWaitMin),
		RetryWaitMax:      time.Duration(c.HTTP.RetryWaitMax),
		RequestsPerSecond: c.HTTP.RequestsPerSecond,
		Burst:             c.HTTP.Burst,
	}
}

// Backoff returns the retry backoff of scheduled work.
func (c *Config) Backoff() job.Backoff {
	return job.Backoff{Initial: time.Duration(c.Jobs.BackoffInitial), Max: time.Duration(c.Jobs.BackoffMax)}
}

// GenerationMethod returns Restore when a restore id is configured.
func (c *Config) GenerationMethod() channel.GenerationMethod {
	if c.API.RestoreChannelID != "" {
		return channel.Restore(c.API.RestoreChannelID)
	}
	return channel.Automatic()
}

// ChannelOptions returns the channel and contact options the config
// determines.
func (c *Config) ChannelOptions() []channel.Option {
	return []channel.Option{
		channel.WithDevice(c.Device),
		channel.WithGenerationMethod(c.GenerationMethod()),
		channel.WithSubscriptionCache(time.Duration(c.Cache.SubscriptionTTL), time.Duration(c.Cache.HistoryTTL)),
	}
}
