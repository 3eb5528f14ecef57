package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/callbridge/internal/calls"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/store"
)

func newPlaceCmd(opts *globalOpts) *cobra.Command {
	var (
		cc    callstate.CallContext
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place an outbound agent call",
		Long:  "Places a call to a business. The agent speaks on your behalf using the request and context given. Use --watch to follow the call until it ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var h calls.Handle
			if err := c.do(cmd.Context(), http.MethodPost, "/api/calls", cc, &h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call %s %s\n", h.CallID, h.Status)
			if !watch {
				return nil
			}
			return watchCall(cmd.Context(), c, cmd.OutOrStdout(), h.CallID, time.Second)
		},
	}

	cmd.Flags().StringVar(&cc.BusinessName, "business", "", "business name")
	cmd.Flags().StringVar(&cc.DestinationNumber, "number", "", "destination phone number (E.164)")
	cmd.Flags().StringVar(&cc.UserRequest, "request", "", "what the agent should ask for")
	cmd.Flags().StringVar(&cc.Category, "category", "", "business category")
	cmd.Flags().StringVar(&cc.CallerContext, "context", "", "extra details the agent may share")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the call until it ends")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status <call-id>",
		Short: "Show a call's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			s, err := getCall(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newWatchCmd(opts *globalOpts) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <call-id>",
		Short: "Follow a call live until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return watchCall(cmd.Context(), c, cmd.OutOrStdout(), args[0], interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func newHangupCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <call-id>",
		Short: "End a call in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var s callstate.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/api/calls/"+url.PathEscape(args[0])+"/hangup", nil, &s); err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOpts) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var list []store.CallSummary
			if err := c.do(cmd.Context(), http.MethodGet, "/api/calls?limit="+strconv.Itoa(limit), nil, &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no calls")
				return nil
			}
			for _, cs := range list {
				started := "-"
				if cs.StartTime != nil {
					started = cs.StartTime.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(out, "%-36s  %-11s  %s  %4ds  %s\n", cs.CallID, cs.Status, started, cs.DurationSeconds, cs.BusinessName)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of calls to list")
	return cmd
}

func getCall(ctx context.Context, c *apiClient, id string) (callstate.Session, error) {
	var s callstate.Session
	err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(id), nil, &s)
	return s, err
}

// watchCall prints transcript lines as they arrive and returns once the
// call reaches a terminal status.
func watchCall(ctx context.Context, c *apiClient, out io.Writer, id string, interval time.Duration) error {
	seen := 0
	last := callstate.Status("")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := getCall(ctx, c, id)
		if err != nil {
			return err
		}
		if s.Status != last {
			fmt.Fprintf(out, "[%s]\n", s.Status)
			last = s.Status
		}
		for ; seen < len(s.Transcript); seen++ {
			l := s.Transcript[seen]
			fmt.Fprintf(out, "%s: %s\n", l.Speaker, l.Text)
		}
		if s.Status.Terminal() {
			printOutcome(out, s)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printSession(out io.Writer, s callstate.Session) {
	fmt.Fprintf(out, "Call:    %s\n", s.CallID)
	fmt.Fprintf(out, "Status:  %s\n", s.Status)
	if s.Context.BusinessName != "" {
		fmt.Fprintf(out, "Business: %s\n", s.Context.BusinessName)
	}
	if s.EndReason != "" {
		fmt.Fprintf(out, "Reason:  %s\n", s.EndReason)
	}
	fmt.Fprintf(out, "Lines:   %d\n", len(s.Transcript))
	printOutcome(out, s)
}

func printOutcome(out io.Writer, s callstate.Session) {
	if s.Quote != nil {
		fmt.Fprintf(out, "Quote:   %s\n", s.Quote.Display)
	}
	if s.Appointment != nil {
		fmt.Fprintf(out, "Booked:  %s\n", s.Appointment.When)
	}
	if s.DurationSeconds > 0 {
		fmt.Fprintf(out, "Duration: %ds\n", s.DurationSeconds)
	}
}
