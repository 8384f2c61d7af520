package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/audiencesync/internal/channel"
)

// contactStatus describes the identified contact.
type contactStatus struct {
	ContactID string                `json:"contact_id,omitempty"`
	Pending   channel.PendingCounts `json:"pending"`
}

// statusView is printed by the status command.
type statusView struct {
	Channel     channel.Status `json:"channel"`
	Contact     contactStatus  `json:"contact"`
	PendingWork []string       `json:"pending_work"`
}

func (s statusView) String() string {
	var b strings.Builder
	id := s.Channel.ChannelID
	if id == "" {
		id = "(none)"
	}
	fmt.Fprintf(&b, "channel:  %s [%s]\n", id, s.Channel.State)
	if info := s.Channel.Info; info != nil {
		fmt.Fprintf(&b, "  registered %s\n", info.Date.Format("2006-01-02 15:04:05Z07:00"))
	}
	writePending(&b, s.Channel.Pending)
	b.WriteString("\n")

	contact := s.Contact.ContactID
	if contact == "" {
		contact = "(anonymous)"
	}
	fmt.Fprintf(&b, "contact:  %s\n", contact)
	writePending(&b, s.Contact.Pending)
	b.WriteString("\n")

	if len(s.PendingWork) > 0 {
		fmt.Fprintf(&b, "work:     %s", strings.Join(s.PendingWork, ", "))
	} else {
		b.WriteString("work:     idle")
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show channel and contact identifiers and pending edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				view, err := collectStatus(ctx, a)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read status", err)
				}
				return rootOpts.formatter(cmd).Success(view)
			})
		},
	}
}

func collectStatus(ctx context.Context, a *app) (statusView, error) {
	var (
		view statusView
		err  error
	)
	if view.Channel, err = a.channel.Status(ctx); err != nil {
		return view, err
	}
	if view.Contact.ContactID, _, err = a.contact.Identifier(ctx); err != nil {
		return view, err
	}
	if view.Contact.Pending, err = a.contact.Pending(ctx); err != nil {
		return view, err
	}
	view.PendingWork = a.dispatcher.Pending()
	return view, nil
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop queued edits and cached subscription lists",
		Long: `Drop every queued edit and cached subscription list for the channel,
or for the contact with --contact. The channel registration is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				var err error
				if opts.Contact {
					err = a.contact.Reset(ctx)
				} else {
					err = a.channel.Reset(ctx)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to reset", err)
				}
				return rootOpts.formatter(cmd).Success(fmt.Sprintf("reset %s", opts.targetName()))
			})
		},
	}
	opts.bind(cmd)
	return cmd
}
