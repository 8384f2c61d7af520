package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/channel"
	"github.com/roach88/audiencesync/internal/config"
	"github.com/roach88/audiencesync/internal/job"
	"github.com/roach88/audiencesync/internal/metrics"
	"github.com/roach88/audiencesync/internal/store"
)

// app is the wired runtime one command works against.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	registry   *prometheus.Registry
	dispatcher *job.Dispatcher
	channel    *channel.Channel
	contact    *channel.Contact
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	var envFiles []string
	if o.EnvFile != "" {
		envFiles = append(envFiles, o.EnvFile)
	}
	cfg, err := config.Load(o.Config, envFiles...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openApp loads the config, opens the database and starts the channel and
// contact so persisted identifiers and pending work are picked up.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	logger.Debug("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: prometheus.NewRegistry(),
	}

	m := metrics.New()
	if err := m.Register(a.registry); err != nil {
		a.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	transport := api.NewHTTPTransport(cfg.HTTPTransport(), api.WithLogger(logger))
	a.dispatcher = job.NewDispatcher(st, job.WithLogger(logger), job.WithBackoff(cfg.Backoff()))

	chOpts := append(cfg.ChannelOptions(), channel.WithLogger(logger), channel.WithMetrics(m))
	a.channel = channel.New(st, transport, cfg.Endpoint(), a.dispatcher, chOpts...)
	a.contact = channel.NewContact(st, transport, cfg.Endpoint(), a.dispatcher, chOpts...)
	a.dispatcher.Handle(channel.WorkTag, a.channel.Handler())
	a.dispatcher.Handle(channel.ContactWorkTag, a.contact.Handler())

	if err := a.dispatcher.Start(ctx); err != nil {
		a.close()
		return nil, WrapExitError(ExitCommandError, "failed to load pending work", err)
	}
	if err := a.channel.Start(ctx); err != nil {
		a.close()
		return nil, WrapExitError(ExitCommandError, "failed to start channel", err)
	}
	if err := a.contact.Start(ctx); err != nil {
		a.close()
		return nil, WrapExitError(ExitCommandError, "failed to start contact", err)
	}
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// editTarget picks the channel or the contact's registrars.
type editTarget interface {
	EditTagGroups() *channel.TagGroupsEditor
	EditAttributes() *channel.AttributesEditor
	EditSubscriptionLists() *channel.SubscriptionListsEditor
	SubscriptionLists(ctx context.Context, includePending bool) (map[string]struct{}, error)
}

func (a *app) target(contact bool) editTarget {
	if contact {
		return a.contact
	}
	return a.channel
}
