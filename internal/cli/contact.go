package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// identity is printed after the contact identity changed.
type identity struct {
	ContactID string `json:"contact_id"`
}

func (i identity) String() string {
	if i.ContactID == "" {
		return "contact cleared"
	}
	return fmt.Sprintf("identified as %s", i.ContactID)
}

// NewContactCommand creates the contact command group.
func NewContactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage the named user the channel belongs to",
		Long: `Bind the channel to a named contact. Edits made while anonymous carry
over to the first contact; switching to another contact drops edits that
were not uploaded yet.

Example:
  audiencesync contact identify user-42
  audiencesync contact clear`,
	}

	setIdentity := func(cmd *cobra.Command, id string) error {
		return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
			if err := a.contact.SetContactIdentity(ctx, id); err != nil {
				return WrapExitError(ExitCommandError, "failed to set contact", err)
			}
			if err := a.channel.SetContactID(ctx, id); err != nil {
				return WrapExitError(ExitCommandError, "failed to set channel contact", err)
			}
			return rootOpts.formatter(cmd).Success(identity{ContactID: id})
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "identify <contact-id>",
		Short: "Identify the channel's contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return NewExitError(ExitCommandError, "contact id must not be empty")
			}
			return setIdentity(cmd, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setIdentity(cmd, "")
		},
	})
	return cmd
}
