package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"fassets/internal/snapshot"
	"fassets/internal/tickets"

	"github.com/spf13/cobra"
)

// getCommand builds a read-only command that prints one GET endpoint.
func getCommand(use, short string, args cobra.PositionalArgs, path func(args []string) string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			raw, err := c.get(path(args), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func statusCommand() *cobra.Command {
	return getCommand("status", "Show pause state, supply and event sequence", cobra.NoArgs,
		func([]string) string { return "/status" })
}

func agentCommand() *cobra.Command {
	return getCommand("agent <vault>", "Show one agent's collateral and backing", cobra.ExactArgs(1),
		func(args []string) string { return "/agents/" + url.PathEscape(args[0]) })
}

func ticketsCommand() *cobra.Command {
	var vault string
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List redemption tickets in queue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			path := "/tickets"
			if vault != "" {
				path = "/agents/" + url.PathEscape(vault) + "/tickets"
			}
			raw, err := c.get(path, nil)
			if err != nil {
				return err
			}
			return printTickets(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&vault, "agent", "", "Only list tickets of this agent vault")
	return cmd
}

func printTickets(cmd *cobra.Command, raw json.RawMessage) error {
	var rows []tickets.Ticket
	if err := json.Unmarshal(raw, &rows); err != nil {
		return printJSON(cmd, raw)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tVALUE_AMG")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", r.ID, r.Agent.Hex(), r.ValueAMG)
	}
	return tw.Flush()
}

func redemptionCommand() *cobra.Command {
	return getCommand("redemption <id>", "Show one redemption request", cobra.ExactArgs(1),
		func(args []string) string { return "/redemptions/" + url.PathEscape(args[0]) })
}

func eventsCommand() *cobra.Command {
	var (
		name  string
		agent string
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			if name != "" {
				q.Set("name", name)
			}
			if agent != "" {
				q.Set("agent", agent)
			}
			if after > 0 {
				q.Set("after", strconv.FormatUint(after, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			raw, err := c.get("/events", q)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "Event name, e.g. RedemptionRequested")
	flags.StringVar(&agent, "agent", "", "Agent vault address")
	flags.Uint64Var(&after, "after", 0, "Only events with a greater sequence number")
	flags.IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

// postCommand builds a signed command without a request body.
func postCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			raw, err := c.post(path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func triggerCommand() *cobra.Command {
	return postCommand("trigger", "Issue transfer instructions for due core vault requests", "/core-vault/trigger")
}

func governanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governance",
		Short: "Pause, unpause or terminate the asset manager",
	}
	cmd.AddCommand(
		postCommand("pause", "Stop new mintings", "/governance/pause"),
		postCommand("unpause", "Allow mintings again", "/governance/unpause"),
		postCommand("terminate", "Permanently stop the asset manager", "/governance/terminate"),
	)
	return cmd
}

func snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with state snapshot files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a snapshot header without loading its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := snapshot.ReadHeader(args[0])
			if err != nil {
				return err
			}
			raw, err := json.Marshal(h)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <dir>",
		Short: "List snapshot files, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := snapshot.List(args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})
	return cmd
}
