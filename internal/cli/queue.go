package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/uuid"
)

// QueueOptions holds flags for the queue subcommands.
type QueueOptions struct {
	*RootOptions
	Statuses []string
	Payload  string
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the outbound action queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Long: `List queued actions, oldest first.

Example:
  petsync queue list
  petsync queue list --status failed,abandoned --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, opts)
		},
	}
	list.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only show these statuses (pending, in_flight, failed, abandoned, completed)")

	discard := &cobra.Command{
		Use:   "discard <action-id>",
		Short: "Delete an abandoned action",
		Args:  actionIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Discard(commandContext(cmd), models.UUID(args[0])); err != nil {
				return commandError("discard failed", err)
			}
			fmt.Fprintf(opts.Stdout, "discarded %s\n", args[0])
			return nil
		},
	}

	resubmit := &cobra.Command{
		Use:   "resubmit <action-id>",
		Short: "Return an abandoned action to the queue",
		Long: `Return an abandoned action to the queue with a fresh retry budget,
optionally replacing its payload.

Example:
  petsync queue resubmit 6f1c... --payload '{"pet_id":"...","name":"Max","species":"dog","owner_id":"..."}'`,
		Args: actionIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResubmit(cmd, opts, models.UUID(args[0]))
		},
	}
	resubmit.Flags().StringVar(&opts.Payload, "payload", "", "replacement payload as JSON (default: keep the stored payload)")

	cmd.AddCommand(list, discard, resubmit)
	return cmd
}

// actionIDArg requires exactly one well-formed action ID.
func actionIDArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if err := uuid.Validate(args[0]); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	return nil
}

func runQueueList(cmd *cobra.Command, opts *QueueOptions) error {
	statuses := make([]models.ActionStatus, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		statuses = append(statuses, models.ActionStatus(strings.TrimSpace(s)))
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	actions, err := a.engine.Actions(commandContext(cmd), statuses...)
	if err != nil {
		return commandError("failed to list queue", err)
	}

	views := make([]actionView, len(actions))
	for i, action := range actions {
		views[i] = newActionView(action)
	}

	return newPrinter(opts.RootOptions).print(views, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATUS\tRETRIES\tNEXT RETRY\tLAST ERROR")
		for _, action := range actions {
			next := "-"
			if action.Status == models.ActionFailed {
				next = action.NextRetryTime().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				action.ID, action.Kind, action.EntityID, action.Status, action.RetryCount, next, action.LastError)
		}
	})
}

func runResubmit(cmd *cobra.Command, opts *QueueOptions, id models.UUID) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	var payload models.Payload
	if opts.Payload != "" {
		action, err := a.engine.Action(ctx, id)
		if err != nil {
			return commandError("resubmit failed", err)
		}
		payload, err = models.DecodePayload(action.Kind, json.RawMessage(opts.Payload))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid payload", err)
		}
	}

	action, err := a.engine.Resubmit(ctx, id, payload)
	if err != nil {
		return commandError("resubmit failed", err)
	}
	fmt.Fprintf(opts.Stdout, "resubmitted %s (%s)\n", action.ID, action.Status)
	return nil
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Sync bool
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <kind> <payload-json>",
		Short: "Record a user action for delivery",
		Long: fmt.Sprintf(`Record a user action and apply it to the local cache.

Kinds: %s

Example:
  petsync enqueue create_pet '{"owner_id":"demo-owner","name":"Max","species":"dog"}' --demo --sync`,
			kindList()),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, models.ActionKind(args[0]), json.RawMessage(args[1]))
		},
	}
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "run a sync cycle after enqueueing")
	return cmd
}

func kindList() string {
	kinds := make([]string, len(models.ActionKinds))
	for i, k := range models.ActionKinds {
		kinds[i] = string(k)
	}
	return strings.Join(kinds, ", ")
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, kind models.ActionKind, raw json.RawMessage) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	action, err := a.engine.SubmitJSON(ctx, kind, raw)
	if err != nil {
		return commandError("enqueue failed", err)
	}

	if opts.Sync {
		if err := a.start(ctx); err != nil {
			return err
		}
		if _, err := a.engine.RunCycle(ctx); err != nil {
			return commandError("sync cycle failed", err)
		}
		if action, err = a.engine.Action(ctx, action.ID); err != nil {
			return commandError("failed to reload action", err)
		}
	}

	return newPrinter(opts.RootOptions).print(newActionView(action), func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "action:\t%s\n", action.ID)
		fmt.Fprintf(w, "kind:\t%s\n", action.Kind)
		fmt.Fprintf(w, "entity:\t%s\n", action.EntityID)
		fmt.Fprintf(w, "status:\t%s\n", action.Status)
		if action.LastError != "" {
			fmt.Fprintf(w, "last error:\t%s\n", action.LastError)
		}
	})
}

// actionView is the json/yaml rendering of a queued action, with the payload
// decoded and timestamps as times.
type actionView struct {
	ID          models.UUID            `json:"id" yaml:"id"`
	Kind        models.ActionKind      `json:"kind" yaml:"kind"`
	EntityID    models.UUID            `json:"entity_id" yaml:"entity_id"`
	ParentID    models.UUID            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Status      models.ActionStatus    `json:"status" yaml:"status"`
	RetryCount  int                    `json:"retry_count" yaml:"retry_count"`
	NextRetryAt *time.Time             `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	LastError   string                 `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at" yaml:"created_at"`
	Payload     map[string]interface{} `json:"payload" yaml:"payload"`
}

func newActionView(a *models.QueuedAction) actionView {
	v := actionView{
		ID:         a.ID,
		Kind:       a.Kind,
		EntityID:   a.EntityID,
		ParentID:   a.ParentID,
		Status:     a.Status,
		RetryCount: a.RetryCount,
		LastError:  a.LastError,
		CreatedAt:  a.CreatedAtTime().UTC(),
	}
	if a.Status == models.ActionFailed {
		next := a.NextRetryTime().UTC()
		v.NextRetryAt = &next
	}
	if err := json.Unmarshal(a.Payload, &v.Payload); err != nil {
		v.Payload = map[string]interface{}{"raw": string(a.Payload)}
	}
	return v
}
