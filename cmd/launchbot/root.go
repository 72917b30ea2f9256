package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"launchbot/internal/app"
	"launchbot/internal/launch"
	"launchbot/internal/schedule"
)

type rootOptions struct {
	config string
	level  string
	json   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "launchbot",
		Short:         "Launch notification bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "./config.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.level, "log-level", "info", "log level for offline commands")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print json instead of text")

	cmd.AddCommand(
		newRunCommand(opts),
		newPlanCommand(opts),
		newSweepCommand(opts),
		newStatsCommand(opts),
		newRecipientCommand(opts),
	)
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts.config)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background())
				return err
			}
			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			if err := a.Stop(stopCtx); err != nil {
				return err
			}
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the schedule computed from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			plan, err := off.Plan(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			return writePlan(cmd.OutOrStdout(), plan)
		},
	}
}

func writePlan(w io.Writer, p schedule.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "now\t%s\n", p.Now.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "upcoming\t%d\n", p.Upcoming)
	fmt.Fprintf(tw, "refresh\t%s\t(x%.2f, %s)\n", p.RefreshAt.UTC().Format(time.RFC3339), p.Multiplier, p.Reason)
	if b := p.Notification; b != nil {
		for _, d := range b.Items {
			fmt.Fprintf(tw, "notify\t%s\t%s\t%s\n", b.At.UTC().Format(time.RFC3339), d.Class, d.EventID)
		}
	} else {
		fmt.Fprintln(tw, "notify\tnone")
	}
	for _, d := range p.Missed {
		fmt.Fprintf(tw, "missed\t%s\t%s\t%s\n", d.FireAt.UTC().Format(time.RFC3339), d.Class, d.EventID)
	}
	return tw.Flush()
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			n, err := off.Sweep(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events\n", n)
			return nil
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the stored counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			stats, err := off.Store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for k, v := range stats {
				fmt.Fprintf(tw, "%s\t%d\n", k, v)
			}
			return tw.Flush()
		},
	}
}

type recipientOptions struct {
	allow   []string
	deny    []string
	classes []string
	offset  float64
}

func newRecipientCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipient",
		Short: "Manage subscribed chats",
	}

	ropts := &recipientOptions{}
	add := &cobra.Command{
		Use:   "add <chat-id>",
		Short: "Subscribe a chat or replace its subscription",
		Example: `  launchbot recipient add -1001234567890 --allow All
  launchbot recipient add 42 --allow SpaceX --allow "Rocket Lab" --classes 1h,5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ropts.recipient(args[0])
			if err != nil {
				return err
			}
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			if err := off.Recipients().Subscribe(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscribed %d\n", r.ChatID)
			return nil
		},
	}
	add.Flags().StringArrayVar(&ropts.allow, "allow", []string{launch.AllProviders}, "provider to follow (repeatable)")
	add.Flags().StringArrayVar(&ropts.deny, "deny", nil, "provider to ignore (repeatable)")
	add.Flags().StringSliceVar(&ropts.classes, "classes", nil, "lead-time classes to receive, e.g. 24h,1h (default all)")
	add.Flags().Float64Var(&ropts.offset, "utc-offset", 0, "display timezone offset in hours")

	rm := &cobra.Command{
		Use:   "rm <chat-id>",
		Short: "Unsubscribe a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("chat id: %w", err)
			}
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			if err := off.Store.DeleteRecipient(cmd.Context(), chatID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", chatID)
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List subscribed chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			off, err := app.OpenOffline(opts.config, opts.level)
			if err != nil {
				return err
			}
			defer off.Close()
			rs, err := off.Store.Recipients(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), rs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range rs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ChatID,
					strings.Join(r.ProviderAllow, ","), strings.Join(r.ProviderDeny, ","), r.LeadTimePrefs.Encode())
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, rm, ls)
	return cmd
}

func (o *recipientOptions) recipient(rawID string) (launch.Recipient, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		return launch.Recipient{}, fmt.Errorf("chat id: %w", err)
	}
	r := launch.Recipient{
		ChatID:        chatID,
		ProviderAllow: o.allow,
		ProviderDeny:  o.deny,
		UTCOffset:     o.offset,
	}
	for _, s := range o.classes {
		c, err := launch.ParseClass(s)
		if err != nil {
			return launch.Recipient{}, err
		}
		if !c.IsLead() {
			return launch.Recipient{}, fmt.Errorf("%s is not a lead-time class", c)
		}
		r.LeadTimePrefs.Set(c, true)
	}
	return r, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
