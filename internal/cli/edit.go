package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// EditOptions holds flags shared by the edit commands.
type EditOptions struct {
	*RootOptions
	Contact bool
}

func (o *EditOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&o.Contact, "contact", false, "edit the identified contact instead of the channel")
}

func (o *EditOptions) targetName() string {
	if o.Contact {
		return "contact"
	}
	return "channel"
}

// queued is printed after an edit was stored.
type queued struct {
	Target   string `json:"target"`
	Property string `json:"property"`
	Action   string `json:"action"`
}

func (q queued) String() string {
	return fmt.Sprintf("queued %s %s for %s", q.Property, q.Action, q.Target)
}

// applyEdit queues one edit and reports it.
func applyEdit(opts *EditOptions, cmd *cobra.Command, property, action string, apply func(context.Context, editTarget) error) error {
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, a *app) error {
		if err := apply(ctx, a.target(opts.Contact)); err != nil {
			return WrapExitError(ExitCommandError, "edit rejected", err)
		}
		a.logger.Debug("edit queued", "target", opts.targetName(), "property", property, "action", action)
		return opts.formatter(cmd).Success(queued{Target: opts.targetName(), Property: property, Action: action})
	})
}

// NewTagsCommand creates the tags command group.
func NewTagsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Queue tag group edits",
		Long: `Queue tag group edits for upload.

Example:
  audiencesync tags add loyalty gold early-access
  audiencesync tags remove loyalty early-access
  audiencesync tags set --contact interests cycling`,
	}
	opts.bind(cmd)

	edit := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " <group> [tag...]",
			Short: strings.ToUpper(action[:1]) + action[1:] + " tags in a group",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				group, tags := args[0], args[1:]
				if action != "set" && len(tags) == 0 {
					return NewExitError(ExitCommandError, action+" needs at least one tag")
				}
				return applyEdit(opts, cmd, "tag group", action, func(ctx context.Context, t editTarget) error {
					e := t.EditTagGroups()
					switch action {
					case "add":
						e.AddTags(group, tags...)
					case "remove":
						e.RemoveTags(group, tags...)
					default:
						e.SetTags(group, tags...)
					}
					return e.Apply(ctx)
				})
			},
		}
	}
	cmd.AddCommand(edit("add"), edit("remove"), edit("set"))
	return cmd
}

// AttributeTypes are the value types "attributes set" accepts.
var AttributeTypes = []string{"string", "number", "bool", "date", "json"}

// NewAttributesCommand creates the attributes command group.
func NewAttributesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}
	var valueType string

	cmd := &cobra.Command{
		Use:   "attributes",
		Short: "Queue attribute edits",
		Long: `Queue attribute edits for upload.

Example:
  audiencesync attributes set first_name Ada
  audiencesync attributes set visits 12 --type number
  audiencesync attributes remove first_name`,
	}
	opts.bind(cmd)

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseAttributeValue(args[1], valueType)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid attribute value", err)
			}
			return applyEdit(opts, cmd, "attribute", "set", func(ctx context.Context, t editTarget) error {
				return t.EditAttributes().SetAttribute(args[0], value).Apply(ctx)
			})
		},
	}
	set.Flags().StringVar(&valueType, "type", "string", fmt.Sprintf("value type (%s)", strings.Join(AttributeTypes, "|")))

	remove := &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove an attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyEdit(opts, cmd, "attribute", "remove", func(ctx context.Context, t editTarget) error {
				return t.EditAttributes().RemoveAttribute(args[0]).Apply(ctx)
			})
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func parseAttributeValue(raw, valueType string) (any, error) {
	switch valueType {
	case "string":
		return raw, nil
	case "number":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	case "date":
		return time.Parse(time.RFC3339, raw)
	case "json":
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unknown type %q: must be one of %v", valueType, AttributeTypes)
	}
}

// subscriptionList is printed by "subscriptions list".
type subscriptionList struct {
	Target         string   `json:"target"`
	IncludePending bool     `json:"include_pending"`
	ListIDs        []string `json:"list_ids"`
}

func (l subscriptionList) String() string {
	if len(l.ListIDs) == 0 {
		return fmt.Sprintf("%s: no subscriptions", l.Target)
	}
	return fmt.Sprintf("%s: %s", l.Target, strings.Join(l.ListIDs, ", "))
}

// NewSubscriptionsCommand creates the subscriptions command group.
func NewSubscriptionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}
	var includePending bool

	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Queue subscription list edits and list subscriptions",
		Long: `Queue subscription list edits and show current subscriptions.

Example:
  audiencesync subscriptions subscribe weekly-digest
  audiencesync subscriptions unsubscribe promotions
  audiencesync subscriptions list --pending`,
	}
	opts.bind(cmd)

	edit := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " <list-id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a subscription list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return applyEdit(opts, cmd, "subscription list", action, func(ctx context.Context, t editTarget) error {
					e := t.EditSubscriptionLists()
					if action == "subscribe" {
						e.Subscribe(args[0])
					} else {
						e.Unsubscribe(args[0])
					}
					return e.Apply(ctx)
				})
			},
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions known to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(ctx context.Context, a *app) error {
				ids, err := a.target(opts.Contact).SubscriptionLists(ctx, includePending)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to fetch subscription lists", err)
				}
				out := subscriptionList{Target: opts.targetName(), IncludePending: includePending, ListIDs: []string{}}
				for id := range ids {
					out.ListIDs = append(out.ListIDs, id)
				}
				slices.Sort(out.ListIDs)
				return opts.formatter(cmd).Success(out)
			})
		},
	}
	list.Flags().BoolVar(&includePending, "pending", false, "apply edits not yet uploaded")

	cmd.AddCommand(edit("subscribe"), edit("unsubscribe"), list)
	return cmd
}
