package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/audiencesync/internal/channel"
	"github.com/roach88/audiencesync/internal/job"
)

// syncResult is printed after a successful sync pass.
type syncResult struct {
	Result    string                `json:"result"`
	ChannelID string                `json:"channel_id,omitempty"`
	Pending   channel.PendingCounts `json:"pending"`
}

func (r syncResult) String() string {
	var b strings.Builder
	if r.ChannelID == "" {
		fmt.Fprintf(&b, "sync %s (no channel)\n", r.Result)
	} else {
		fmt.Fprintf(&b, "sync %s: channel %s\n", r.Result, r.ChannelID)
	}
	writePending(&b, r.Pending)
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Register the channel and upload queued edits once",
		Long: `Run one pass of due work: create or update the channel registration,
then upload queued tag group, attribute and subscription list edits for the
channel and the identified contact.

Exits 3 when work is left pending for a later retry.

Example:
  audiencesync sync
  audiencesync sync --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				return runSync(ctx, rootOpts, cmd, a)
			})
		},
	}
}

func runSync(ctx context.Context, opts *RootOptions, cmd *cobra.Command, a *app) error {
	res := a.dispatcher.RunPending(ctx)
	a.logger.Debug("sync pass finished", "result", res)
	opts.formatter(cmd).VerboseLog("ran pending work: %s", res)

	switch res {
	case job.Retry:
		return NewRetryError(a.dispatcher.Pending())
	case job.Fatal:
		return NewExitError(ExitFailure, "sync failed, see log for details")
	}

	status, err := a.channel.Status(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read channel status", err)
	}
	return opts.formatter(cmd).Success(syncResult{
		Result:    res.String(),
		ChannelID: status.ChannelID,
		Pending:   status.Pending,
	})
}
