package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/banshee-data/safety.report/internal/vision/stability"
	"github.com/banshee-data/safety.report/internal/vision/storage/sqlite"
)

type eventsOptions struct {
	dbPath string
	source string
	key    string
	since  time.Duration
	limit  int
	open   bool
}

func newEventsCmd() *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded verdict events",
		Long:  "Show recent verdict start/end events from the event store, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.Open(opts.dbPath)
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer store.Close()
			return listEvents(cmd.OutOrStdout(), store, opts, time.Now())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dbPath, "db", "sentinel.db", "SQLite event store path")
	f.StringVar(&opts.source, "source", "", "only events from this camera")
	f.StringVar(&opts.key, "key", "", "only events for this track key (source/track/attribute)")
	f.DurationVar(&opts.since, "since", 0, "only events recorded within this long")
	f.IntVar(&opts.limit, "limit", 50, "maximum events to show")
	f.BoolVar(&opts.open, "open", false, "show verdicts that are currently held instead")
	return cmd
}

func listEvents(w io.Writer, store *sqlite.EventStore, opts eventsOptions, now time.Time) error {
	if opts.open {
		recs, err := store.OpenVerdicts()
		if err != nil {
			return fmt.Errorf("failed to fetch open verdicts: %w", err)
		}
		if len(recs) == 0 {
			fmt.Fprintln(w, "No open verdicts.")
			return nil
		}
		for _, r := range recs {
			fmt.Fprintf(w, "%s %-28s %s %s for %s\n",
				color.New(color.FgGreen).Sprint("HELD   "), r.Key, r.Verdict,
				confidence(r.Confidence), now.Sub(r.StartedAt).Round(time.Second))
		}
		return nil
	}

	filter := sqlite.EventFilter{Source: opts.source, Key: opts.key, Limit: opts.limit}
	if opts.since > 0 {
		filter.Since = now.Add(-opts.since)
	}
	recs, err := store.ListEvents(filter)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, r := range recs {
		printEvent(w, r)
	}
	return nil
}

func printEvent(w io.Writer, r sqlite.EventRecord) {
	ts := r.RecordedAt.Local().Format("2006-01-02 15:04:05.000")
	switch r.Type {
	case string(stability.EventStarted):
		fmt.Fprintf(w, "%s %s %-28s %s %s\n", ts, color.New(color.FgGreen).Sprint("STARTED"),
			r.Key, r.Verdict, confidence(r.Confidence))
	default:
		reason := r.Reason
		c := color.New(color.FgYellow)
		if reason == stability.ReasonLost {
			c = color.New(color.FgRed)
		}
		fmt.Fprintf(w, "%s %s %-28s %s held %s (%s)\n", ts, c.Sprint("ENDED  "),
			r.Key, r.Verdict, r.Duration().Round(time.Millisecond), reason)
	}
}

func confidence(c float64) string {
	s := fmt.Sprintf("%.2f", c)
	switch {
	case c >= 0.8:
		return color.New(color.FgGreen).Sprint(s)
	case c >= 0.5:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}
