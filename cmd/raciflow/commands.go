package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/raciflow/pkg/client"
	"github.com/rmax-ai/raciflow/pkg/mcp"
)

// errInvalidMatrix makes `raciflow validate` exit non-zero.
var errInvalidMatrix = errors.New("matrix is invalid")

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	endpoint string
	token    string
	timeout  time.Duration
	output   string
}

func (g *globals) client() *client.Client {
	var opts []client.Option
	if g.token != "" {
		opts = append(opts, client.WithToken(g.token))
	}
	return client.NewClient(g.endpoint, opts...)
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "raciflow",
		Short: "Edit a RACI matrix and inspect the process graph it reconciles",
		Long: `raciflow talks to a running raciflow-d. Matrix edits are buffered by the
daemon and reconciled into the process graph once the matrix is valid.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch g.output {
			case "table", "json", "yaml":
				return nil
			}
			return fmt.Errorf("unknown output format %q (table, json or yaml)", g.output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.endpoint, "endpoint", envOr("RACIFLOW_ENDPOINT", client.DefaultEndpoint), "raciflow-d base URL")
	rootCmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("RACIFLOW_TOKEN"), "bearer token for write requests")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "output format: table, json or yaml")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(g),
		newCellCmd(g),
		newMatrixCmd(g),
		newFlushCmd(g),
		newValidateCmd(g),
		newGraphCmd(g),
		newNodeCmd(g),
		newResultCmd(g),
		newEventsCmd(g),
		newReportCmd(g),
		newWebhookCmd(g),
		newMCPCmd(g),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "raciflow %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the daemon and show the change buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			c := g.client()
			st, err := c.Ping(ctx)
			if err != nil {
				return err
			}
			buf, err := c.Buffer(ctx)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, map[string]any{
					"status": st.Status,
					"buffer": buf,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon: %s\n", st.Status)
			printBuffer(cmd.OutOrStdout(), buf)
			return nil
		},
	}
}

func newCellCmd(g *globals) *cobra.Command {
	cellCmd := &cobra.Command{
		Use:   "cell",
		Short: "Edit matrix cells",
	}
	cellCmd.AddCommand(&cobra.Command{
		Use:   "set <task> <role> [codes]",
		Short: "Buffer a cell edit, e.g. `cell set Review Editor RA`",
		Long: `Buffer a cell edit. Codes are letters from R, A, S, C and I; omit them to
clear the cell. The daemon reconciles after its debounce delay.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			edit := client.CellEdit{Task: args[0], Role: args[1]}
			if len(args) == 3 {
				edit.Cell = args[2]
			}
			return runSetCell(cmd, g, edit)
		},
	})
	cellCmd.AddCommand(&cobra.Command{
		Use:   "clear <task> <role>",
		Short: "Buffer an edit that empties a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetCell(cmd, g, client.CellEdit{Task: args[0], Role: args[1]})
		},
	})
	return cellCmd
}

func runSetCell(cmd *cobra.Command, g *globals, edit client.CellEdit) error {
	ctx, cancel := g.context(cmd)
	defer cancel()
	buf, err := g.client().SetCell(ctx, edit)
	if err != nil {
		return err
	}
	if g.output != "table" {
		return printStructured(cmd.OutOrStdout(), g.output, buf)
	}
	printBuffer(cmd.OutOrStdout(), buf)
	return nil
}

func newMatrixCmd(g *globals) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Show the stored matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			m, err := g.client().Matrix(ctx, pending)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, m)
			}
			return printMatrix(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "apply buffered edits to the view")
	return cmd
}

func newFlushCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Flush buffered edits now",
		Long: `Flush buffered edits now. An invalid matrix stays buffered unless --force
is given; a forced flush stores the matrix but the reconciler still refuses
to change the graph.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			out, err := g.client().Flush(ctx, force)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, out)
			}
			w := cmd.OutOrStdout()
			switch {
			case out.Queued:
				fmt.Fprintln(w, "flush already running, edits queued")
			case out.Flushed:
				fmt.Fprintf(w, "flushed %d edit(s)\n", out.Applied)
			default:
				fmt.Fprintln(w, "not flushed: matrix is invalid")
			}
			printIssues(w, out.Validation)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "store the matrix even when it is invalid")
	return cmd
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the matrix with pending edits applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			vr, err := g.client().Validate(ctx)
			if err != nil {
				return err
			}
			if g.output != "table" {
				if err := printStructured(cmd.OutOrStdout(), g.output, vr); err != nil {
					return err
				}
			} else {
				if vr.IsValid {
					fmt.Fprintln(cmd.OutOrStdout(), "matrix is valid")
				}
				printIssues(cmd.OutOrStdout(), vr)
			}
			if !vr.IsValid {
				return errInvalidMatrix
			}
			return nil
		},
	}
}

func newGraphCmd(g *globals) *cobra.Command {
	var synthetic bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the process graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			gr, err := g.client().Graph(ctx)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, gr)
			}
			return printGraph(cmd.OutOrStdout(), gr, synthetic)
		},
	}
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "only list nodes created by the reconciler")
	return cmd
}

func newNodeCmd(g *globals) *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Manage process graph nodes",
	}
	nodeCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a node as an editor would",
		Long: `Delete a node as an editor would. Deleting a role node clears that role's
cells in the matrix; deleting a chain node removes its code from the cell.`,
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			if err := g.client().DeleteNode(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return nodeCmd
}

func newResultCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "result",
		Short: "Show the most recent reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			pass, err := g.client().Result(ctx)
			if errors.Is(err, client.ErrNoPass) {
				fmt.Fprintln(cmd.OutOrStdout(), "no reconciliation pass yet")
				return nil
			}
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, pass)
			}
			printPass(cmd.OutOrStdout(), pass)
			return nil
		},
	}
}

func newEventsCmd(g *globals) *cobra.Command {
	var opts client.EventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent events from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			events, err := g.client().GetEvents(ctx, opts)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of events")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	cmd.Flags().StringVar(&opts.Task, "task", "", "only events about this task")
	cmd.Flags().StringVar(&opts.Role, "role", "", "only events about this role")
	return cmd
}

func newReportCmd(g *globals) *cobra.Command {
	var task, role, eventType, kind string
	cmd := &cobra.Command{
		Use:       "report <matrix|artifacts|events>",
		Short:     "Download a CSV report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"matrix", "artifacts", "events"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cobra.OnlyValidArgs(cmd, args); err != nil {
				return err
			}
			filters := map[string]string{}
			for k, v := range map[string]string{"task": task, "role": role, "event_type": eventType, "kind": kind} {
				if v != "" {
					filters[k] = v
				}
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			rc, err := g.client().Report(ctx, args[0], filters)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "filter by task")
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter events by type")
	cmd.Flags().StringVar(&kind, "kind", "", "filter artifacts by node kind")
	return cmd
}

func newWebhookCmd(g *globals) *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhooks that receive logged events",
	}

	var events []string
	addCmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook and print its signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			reg, err := g.client().RegisterWebhook(ctx, args[0], events)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, reg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook %s registered\nsecret: %s\n", reg.WebhookID, reg.Secret)
			return nil
		},
	}
	addCmd.Flags().StringSliceVar(&events, "events", nil, "event types to deliver (default all)")

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List registered webhooks",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			hooks, err := g.client().ListWebhooks(ctx)
			if err != nil {
				return err
			}
			if g.output != "table" {
				return printStructured(cmd.OutOrStdout(), g.output, hooks)
			}
			return printWebhooks(cmd.OutOrStdout(), hooks)
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <id>",
		Short:   "Remove a webhook",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			if err := g.client().DeleteWebhook(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	webhookCmd.AddCommand(addCmd, listCmd, deleteCmd)
	return webhookCmd
}

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the daemon as a Model Context Protocol server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []client.Option
			if g.token != "" {
				opts = append(opts, client.WithToken(g.token))
			}
			return mcp.NewServer(strings.TrimRight(g.endpoint, "/"), opts...).Serve()
		},
	}
}
