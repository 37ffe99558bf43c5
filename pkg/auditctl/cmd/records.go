package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/auditctl/output"
	"github.com/telekom/audit-trail/pkg/store"
)

// filterFlags are the record selectors shared by list and verify.
type filterFlags struct {
	entityClass string
	entityID    string
	action      string
	user        string
	transaction string
	since       string
	until       string
	limit       int
	offset      int
}

func (f *filterFlags) register(cmd *cobra.Command, defaultLimit int, limitUsage string) {
	cmd.Flags().StringVar(&f.entityClass, "entity-class", "", "Only records of this entity class")
	cmd.Flags().StringVar(&f.entityID, "entity-id", "", "Only records of this entity id")
	cmd.Flags().StringVar(&f.action, "action", "", "Only records with this action: create, update, delete")
	cmd.Flags().StringVar(&f.user, "user", "", "Only records by this user id")
	cmd.Flags().StringVar(&f.transaction, "transaction", "", "Only records of this transaction hash")
	cmd.Flags().StringVar(&f.since, "since", "", "Only records at or after this time (RFC3339 or a duration like 24h)")
	cmd.Flags().StringVar(&f.until, "until", "", "Only records before this time (RFC3339 or a duration like 1h)")
	cmd.Flags().IntVar(&f.limit, "limit", defaultLimit, limitUsage)
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Number of records to skip")
}

func (f *filterFlags) build(now time.Time) (store.Filter, error) {
	filter := store.Filter{
		EntityClass:     f.entityClass,
		EntityID:        f.entityID,
		UserID:          f.user,
		TransactionHash: f.transaction,
		Limit:           f.limit,
		Offset:          f.offset,
	}
	if f.action != "" {
		action := audit.Action(strings.ToLower(f.action))
		switch action {
		case audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete:
			filter.Action = action
		default:
			return store.Filter{}, fmt.Errorf("invalid action %q: must be one of create, update, delete", f.action)
		}
	}
	if f.limit < 0 || f.offset < 0 {
		return store.Filter{}, errors.New("limit and offset must be non-negative")
	}

	var err error
	if filter.Since, err = parseTime(f.since, now); err != nil {
		return store.Filter{}, fmt.Errorf("invalid --since: %w", err)
	}
	if filter.Until, err = parseTime(f.until, now); err != nil {
		return store.Filter{}, fmt.Errorf("invalid --until: %w", err)
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return store.Filter{}, errors.New("--since must be before --until")
	}
	return filter, nil
}

// parseTime accepts an RFC3339 timestamp or a duration counted back from now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", s)
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}

func NewListCommand() *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}
			filter, err := filters.build(time.Now())
			if err != nil {
				return err
			}

			s, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			entries, err := s.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			switch format {
			case output.FormatTable:
				output.WriteRecordTable(rt.Writer(), entries)
			case output.FormatWide:
				output.WriteRecordTableWide(rt.Writer(), entries)
			default:
				if entries == nil {
					entries = []store.Entry{}
				}
				return output.WriteObject(rt.Writer(), format, entries)
			}
			return nil
		},
	}
	filters.register(cmd, store.DefaultListLimit, "Maximum number of records")
	return cmd
}

func NewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}

			s, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			entry, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("audit record %s not found", args[0])
				}
				return err
			}

			if format.Structured() {
				return output.WriteObject(rt.Writer(), format, entry)
			}
			output.WriteRecordDetail(rt.Writer(), entry)
			return nil
		},
	}
}
