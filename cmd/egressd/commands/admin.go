package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/busybox42/egressd/cmd/egressd/client"
	"github.com/busybox42/egressd/internal/api"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/queue"
)

// adminFlags are shared by the admin subcommands
type adminFlags struct {
	apiURL string
	asJSON bool
}

func newAdminCmd(opts *options) *cobra.Command {
	flags := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage a running server through its admin API",
	}
	cmd.PersistentFlags().StringVarP(&flags.apiURL, "api-url", "a", "", "admin API URL (default: server.admin_listen from the configuration)")
	cmd.PersistentFlags().BoolVar(&flags.asJSON, "json", false, "print responses as JSON")

	cmd.AddCommand(newBounceCmd(opts, flags))
	cmd.AddCommand(newSuspendCmd(opts, flags))
	cmd.AddCommand(newSuspendReadyCmd(opts, flags))
	cmd.AddCommand(newRebindCmd(opts, flags))
	cmd.AddCommand(newQueuesCmd(opts, flags))
	return cmd
}

// newClient targets --api-url, falling back to the configured admin
// listener
func (f *adminFlags) newClient(opts *options) (*client.Client, error) {
	if f.apiURL != "" {
		return client.NewClient(f.apiURL), nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Server.AdminListen == "" {
		return nil, fmt.Errorf("admin API is disabled in the configuration; use --api-url")
	}
	return client.NewClient(cfg.Server.AdminListen), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func addCriteriaFlags(cmd *cobra.Command, c *queue.Criteria) {
	cmd.Flags().StringVar(&c.Domain, "domain", "", "match the recipient domain")
	cmd.Flags().StringVar(&c.Tenant, "tenant", "", "match the tenant")
	cmd.Flags().StringVar(&c.Campaign, "campaign", "", "match the campaign")
	cmd.Flags().StringVar(&c.RoutingDomain, "routing-domain", "", "match the routing domain")
}

func writeJSONTo(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func criteriaString(c queue.Criteria) string {
	s := ""
	add := func(k, v string) {
		if v == "" {
			return
		}
		if s != "" {
			s += " "
		}
		s += k + "=" + v
	}
	add("campaign", c.Campaign)
	add("tenant", c.Tenant)
	add("domain", c.Domain)
	add("routing_domain", c.RoutingDomain)
	if s == "" {
		return "(all)"
	}
	return s
}

func newBounceCmd(opts *options, flags *adminFlags) *cobra.Command {
	var (
		req      api.EntryRequest
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bounce",
		Short: "Bounce matching messages now and for the next --duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			if duration > 0 {
				d := policy.Duration(duration)
				req.Duration = &d
			}
			view, err := c.Bounce(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bounce %s installed for %s until %s; %d messages bounced\n",
				view.ID, criteriaString(view.Criteria), view.Expires.Format(time.RFC3339), view.TotalBounced)
			return nil
		},
	}
	addCriteriaFlags(cmd, &req.Criteria)
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with each bounce (required)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long the entry stays active (default 5m)")
	_ = cmd.MarkFlagRequired("reason")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active bounce entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			views, err := c.Bounces(commandContext(cmd))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active bounces")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCRITERIA\tREASON\tEXPIRES\tBOUNCED")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", v.ID, criteriaString(v.Criteria), v.Reason, v.Expires.Format(time.RFC3339), v.TotalBounced)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a bounce entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			if err := c.CancelBounce(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bounce %s removed\n", id)
			return nil
		},
	})
	return cmd
}

func newSuspendCmd(opts *options, flags *adminFlags) *cobra.Command {
	var (
		req      api.EntryRequest
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "suspend",
		Short: "Hold matching scheduled queues for --duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			if duration > 0 {
				d := policy.Duration(duration)
				req.Duration = &d
			}
			view, err := c.Suspend(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Suspension %s installed for %s until %s\n",
				view.ID, criteriaString(view.Criteria), view.Expires.Format(time.RFC3339))
			return nil
		},
	}
	addCriteriaFlags(cmd, &req.Criteria)
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with each delay (required)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long the entry stays active (default 5m)")
	_ = cmd.MarkFlagRequired("reason")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active suspensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			views, err := c.Suspensions(commandContext(cmd))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active suspensions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCRITERIA\tREASON\tEXPIRES")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, criteriaString(v.Criteria), v.Reason, v.Expires.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <id>",
		Short: "Remove a suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			if err := c.Resume(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Suspension %s removed\n", id)
			return nil
		},
	})
	return cmd
}

func newSuspendReadyCmd(opts *options, flags *adminFlags) *cobra.Command {
	var (
		req      api.ReadySuspendRequest
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "suspend-ready <source->site>",
		Short: "Hold one ready queue for --duration",
		Long: `Stop delivery through one egress path. Messages queued for it, and
messages promoted while the suspension lasts, go back to their scheduled
queues until it expires. Queue names are listed by "egressd admin queues".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			req.Name = args[0]
			if duration > 0 {
				d := policy.Duration(duration)
				req.Duration = &d
			}
			s, err := c.SuspendReady(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ready queue suspension %s installed for %s until %s\n",
				s.ID, s.Name, s.Expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with each delay (required)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long the suspension stays active (default 5m)")
	_ = cmd.MarkFlagRequired("reason")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active ready queue suspensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			entries, err := c.ReadySuspensions(commandContext(cmd))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active ready queue suspensions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUE\tREASON\tEXPIRES")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Reason, e.Expires.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <id>",
		Short: "Remove a ready queue suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			if err := c.ResumeReady(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ready queue suspension %s removed\n", id)
			return nil
		},
	})
	return cmd
}

func newRebindCmd(opts *options, flags *adminFlags) *cobra.Command {
	var req queue.RebindRequest
	cmd := &cobra.Command{
		Use:   "rebind",
		Short: "Apply metadata to matching messages and requeue them",
		Long: `Set metadata on every message in the matching scheduled queues and insert
them again, so that they land in the queue the new metadata selects.
For example: egressd admin rebind --domain example.com --set queue=slow --reason maintenance`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(req.Data) == 0 {
				return fmt.Errorf("at least one --set key=value is required")
			}
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			n, err := c.Rebind(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), api.RebindResponse{Rebound: n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d messages rebound\n", n)
			return nil
		},
	}
	addCriteriaFlags(cmd, &req.Criteria)
	cmd.Flags().StringToStringVar(&req.Data, "set", nil, "metadata to apply, as key=value")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with each move (required)")
	cmd.Flags().BoolVar(&req.AlwaysFlush, "always-flush", false, "make messages due now even when the queue does not change")
	cmd.Flags().BoolVar(&req.SuppressLogging, "suppress-logging", false, "do not write AdminRebind records")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newQueuesCmd(opts *options, flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show scheduled and ready queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Queues(commandContext(cmd))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return writeJSONTo(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULED QUEUE\tSIZE\tNEXT DUE")
			for _, q := range resp.Scheduled {
				due := "-"
				if q.NextDue != nil {
					due = q.NextDue.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", q.Name, q.Size, due)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out)

			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "READY QUEUE\tSIZE\tCONNECTIONS\tBREAKER")
			for _, q := range resp.Ready {
				fmt.Fprintf(w, "%s\t%d\t%d/%d\t%s\n", q.Name, q.Size, q.Connections, q.Limit, q.Breaker)
			}
			return w.Flush()
		},
	}
}
