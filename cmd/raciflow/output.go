package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/raciflow/pkg/client"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

var (
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...)
}

func printMatrix(w io.Writer, m *matrix.Matrix) error {
	if m.Len() == 0 {
		_, err := fmt.Fprintln(w, "matrix is empty")
		return err
	}
	roles := m.AllRoles()
	t := newTable(append([]string{"task"}, roles...)...)
	for _, task := range m.Tasks() {
		row := []string{task}
		for _, role := range roles {
			row = append(row, m.Get(task, role).String())
		}
		t.Row(row...)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func printBuffer(w io.Writer, buf client.Buffer) {
	fmt.Fprintf(w, "buffer: %s, %d pending", buf.State, len(buf.Pending))
	if buf.Dropped > 0 {
		fmt.Fprintf(w, ", %d dropped", buf.Dropped)
	}
	fmt.Fprintln(w)
	for _, ch := range buf.Pending {
		fmt.Fprintf(w, "  %s\n", ch)
	}
}

func printIssues(w io.Writer, vr validation.Result) {
	for _, issue := range vr.Errors {
		fmt.Fprintf(w, "%s %s: %s\n", errorStyle.Render("error"), issue.Rule, issue.Message)
	}
	for _, issue := range vr.Warnings {
		fmt.Fprintf(w, "%s %s: %s\n", warnStyle.Render("warning"), issue.Rule, issue.Message)
	}
}

func printGraph(w io.Writer, g *graph.Graph, syntheticOnly bool) error {
	degree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		degree[e.FromID]++
		degree[e.ToID]++
	}
	nodes := make([]*graph.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if syntheticOnly && !n.IsSynthetic() {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind < nodes[j].Kind
		}
		return nodes[i].ID < nodes[j].ID
	})

	t := newTable("id", "kind", "label", "synthetic", "edges")
	for _, n := range nodes {
		t.Row(n.ID, string(n.Kind), n.Label, strconv.FormatBool(n.IsSynthetic()), strconv.Itoa(degree[n.ID]))
	}
	_, err := fmt.Fprintf(w, "%s\n%d node(s), %d edge(s)\n", t.String(), len(nodes), len(g.Edges))
	return err
}

func printPass(w io.Writer, pass client.Pass) {
	r := pass.Result
	fmt.Fprintf(w, "%s pass at %s\n", pass.Kind, pass.At.Format("2006-01-02 15:04:05 MST"))
	if r.Error != "" {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("failed:"), r.Error)
	}
	if r.Validation != nil && !r.Validation.IsValid {
		fmt.Fprintln(w, "blocked by validation")
		printIssues(w, *r.Validation)
	}
	fmt.Fprintf(w, "roles created:     %d\n", r.RolesCreated)
	fmt.Fprintf(w, "assignments:       %d\n", r.Assignments)
	fmt.Fprintf(w, "chain nodes:       %d\n", r.ChainNodes)
	fmt.Fprintf(w, "gateways created:  %d\n", r.GatewaysCreated)
	fmt.Fprintf(w, "elements removed:  %d\n", r.ElementsRemoved)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("error"), e)
	}
	for _, e := range r.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning"), e)
	}
}

func printEvents(w io.Writer, events []client.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	t := newTable("time", "type", "origin", "task", "role", "node")
	for _, e := range events {
		t.Row(e.TsEvent.Format("15:04:05"), e.EventType, e.Source.OriginID, e.Subject.Task, e.Subject.Role, e.Subject.NodeID)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func printWebhooks(w io.Writer, hooks []client.Webhook) error {
	if len(hooks) == 0 {
		_, err := fmt.Fprintln(w, "no webhooks")
		return err
	}
	t := newTable("id", "url", "events", "created")
	for _, h := range hooks {
		t.Row(h.WebhookID, h.URL, fmt.Sprint(h.Events), h.CreatedAt.Format("2006-01-02"))
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}
