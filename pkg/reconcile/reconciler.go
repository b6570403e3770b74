package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// ChainKey identifies a chain step across rebuilds.
type ChainKey struct {
	Task string      `json:"task"`
	Role string      `json:"role"`
	Code matrix.Code `json:"code"`
}

func (k ChainKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Task, k.Role, k.Code)
}

// ChainKeyOf reads the triple a chain node was built for.
func ChainKeyOf(n *graph.Node) (ChainKey, bool) {
	if n == nil || n.Kind != graph.NodeChain {
		return ChainKey{}, false
	}
	task, role, code := n.Attr(graph.AttrTask), n.Attr(graph.AttrRole), n.Attr(graph.AttrCode)
	if task == "" || role == "" || len(code) != 1 {
		return ChainKey{}, false
	}
	c, ok := matrix.ParseCode(rune(code[0]))
	if !ok || matrix.ChainLabel(c, role) == "" {
		return ChainKey{}, false
	}
	return ChainKey{Task: task, Role: role, Code: c}, true
}

// GatewayLabel names the AND gateway of a task.
func GatewayLabel(task string) string {
	return "AND " + task
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithValidator gates every pass on v. Invalid matrices cause no mutation.
func WithValidator(v *validation.Validator) Option {
	return func(r *Reconciler) {
		r.validator = v
	}
}

// WithSnapshotStore persists the flow snapshot.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(r *Reconciler) {
		r.snapshots = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// Reconciler rebuilds every synthetic artifact of the process graph from a
// matrix. Passes must not overlap; callers serialise them.
type Reconciler struct {
	provider  graph.Provider
	tasks     graph.TaskSource
	validator *validation.Validator
	snapshots SnapshotStore
	logger    *slog.Logger

	splicer   *Splicer
	collector *Collector

	snapMu   sync.Mutex
	snapshot *FlowSnapshot
}

// New creates a reconciler. A nil provider or task source is reported by
// every pass rather than rejected here.
func New(p graph.Provider, tasks graph.TaskSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		provider: p,
		tasks:    tasks,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.splicer = NewSplicer(p)
	r.collector = NewCollector(p, r.splicer, r.logger)
	return r
}

// FlowSnapshot returns the snapshot in use, or nil before the first pass.
func (r *Reconciler) FlowSnapshot() *FlowSnapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	return r.snapshot
}

// Reconcile runs a full pass: snapshot, teardown, chain construction,
// role and gateway construction, chain wiring, direct-connection
// restoration and orphan collection.
func (r *Reconciler) Reconcile(ctx context.Context, m *matrix.Matrix) Result {
	start := time.Now()
	res := newResult()
	if !r.available(&res) || !r.gate(m, &res) {
		r.logPass("reconcile pass skipped", start, &res)
		return res
	}
	if m == nil {
		m = matrix.New()
	}

	p := r.newPass(m, &res)
	refs := p.resolve(ctx)

	all, err := r.tasks.ListTasks(ctx)
	if err != nil {
		res.addError(&StepError{Step: "list tasks", Err: err})
	}
	p.captureSnapshot(ctx, all, refs)
	p.teardown(ctx)

	chains := p.buildChains(ctx, refs)
	for _, ref := range refs {
		p.assign(ctx, ref)
	}
	for _, ref := range refs {
		p.wire(ctx, ref, chains)
	}
	for _, ref := range refs {
		p.restoreDirect(ctx, ref)
	}
	r.collector.Collect(ctx, m, &res)

	r.logPass("reconcile pass completed", start, &res)
	return res
}

// ReconcileTask repairs one task: its gateway, assignment edges and the
// wiring of its existing chain steps. Missing chain steps are left to the
// next full pass. Orphans are collected afterwards.
func (r *Reconciler) ReconcileTask(ctx context.Context, m *matrix.Matrix, task string) Result {
	start := time.Now()
	res := newResult()
	if !r.available(&res) || !r.gate(m, &res) {
		return res
	}
	if m == nil {
		m = matrix.New()
	}

	p := r.newPass(m, &res)
	if ref, ok := p.resolveOne(ctx, task); ok {
		p.repair(ctx, ref)
	}
	r.collector.Collect(ctx, m, &res)

	r.logPass("task repair completed", start, &res, "task", task)
	return res
}

// HandleDeletion reacts to a synthetic node deleted outside the reconciler:
// it re-splices the flow around it, repairs the affected tasks and collects
// orphans. Non-synthetic deletions are ignored.
func (r *Reconciler) HandleDeletion(ctx context.Context, m *matrix.Matrix, ev graph.DeletionEvent) Result {
	start := time.Now()
	res := newResult()
	if ev.Node == nil || !ev.Node.IsSynthetic() {
		return res
	}
	if !r.available(&res) {
		return res
	}

	if err := r.splicer.Resplice(ctx, ev); err != nil {
		res.addError(&StepError{Step: "re-splice flow", Task: ev.Node.Attr(graph.AttrTask), Err: err})
	}
	if !r.gate(m, &res) {
		return res
	}
	if m == nil {
		m = matrix.New()
	}

	p := r.newPass(m, &res)
	for _, task := range affectedTasks(m, ev.Node) {
		if ref, ok := p.resolveOne(ctx, task); ok {
			p.repair(ctx, ref)
		}
	}
	r.collector.Collect(ctx, m, &res)

	r.logPass("deletion handled", start, &res, "node", ev.Node.Label, "kind", ev.Node.Kind)
	return res
}

func affectedTasks(m *matrix.Matrix, n *graph.Node) []string {
	switch n.Kind {
	case graph.NodeChain, graph.NodeAssignmentGateway:
		if task := n.Attr(graph.AttrTask); task != "" && m.HasTask(task) {
			return []string{task}
		}
	case graph.NodeRole:
		role := n.Attr(graph.AttrRole)
		if role == "" {
			role = n.Label
		}
		return m.TasksReferencing(role)
	}
	return nil
}

func (r *Reconciler) available(res *Result) bool {
	switch {
	case r.provider == nil:
		res.fail(&ProviderUnavailableError{Collaborator: "graph provider"})
		return false
	case r.tasks == nil:
		res.fail(&ProviderUnavailableError{Collaborator: "task source"})
		return false
	}
	return true
}

// gate reports every blocking issue and refuses the pass when the matrix
// is invalid.
func (r *Reconciler) gate(m *matrix.Matrix, res *Result) bool {
	if r.validator == nil || m == nil {
		return true
	}
	vr := r.validator.Validate(m)
	res.Validation = &vr
	for _, w := range vr.Warnings {
		res.Warnings = append(res.Warnings, w.Message)
	}
	if vr.IsValid {
		return true
	}
	for _, issue := range vr.Errors {
		res.Errors = append(res.Errors, issue.Message)
	}
	res.Causes = append(res.Causes, vr.Err())
	return false
}

func (r *Reconciler) logPass(msg string, start time.Time, res *Result, extra ...any) {
	args := []any{
		"roles_created", res.RolesCreated,
		"assignments", res.Assignments,
		"chain_nodes", res.ChainNodes,
		"gateways_created", res.GatewaysCreated,
		"elements_removed", res.ElementsRemoved,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
		"duration", time.Since(start),
	}
	args = append(args, extra...)
	if res.Error != "" {
		r.logger.Error(msg, append(args, "error", res.Error)...)
		return
	}
	r.logger.Info(msg, args...)
}

// loadSnapshot returns the flow snapshot, loading it from the store on
// first use.
func (r *Reconciler) loadSnapshot(ctx context.Context, res *Result) *FlowSnapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	if r.snapshot != nil {
		return r.snapshot
	}
	r.snapshot = NewFlowSnapshot()
	if r.snapshots == nil {
		return r.snapshot
	}
	loaded, err := r.snapshots.LoadFlowSnapshot(ctx)
	if err != nil {
		res.addWarning(fmt.Errorf("failed to load flow snapshot: %w", err))
		return r.snapshot
	}
	if loaded == nil {
		return r.snapshot
	}

	// Without chain steps the graph's own flows are the real successors and
	// win over a saved snapshot, which may describe an older definition.
	steps, err := r.provider.FindNodes(ctx, graph.And(graph.ByKind(graph.NodeChain), graph.Synthetic()))
	if err != nil {
		res.addWarning(fmt.Errorf("failed to inspect chain steps: %w", err))
		r.snapshot = loaded
		return r.snapshot
	}
	if len(steps) == 0 {
		r.logger.Info("saved flow snapshot discarded, graph has no chain steps", "tasks", loaded.Len())
		return r.snapshot
	}
	r.snapshot = loaded
	return r.snapshot
}

type taskRef struct {
	name string
	node *graph.Node
}

// pass carries the state of one reconciliation run.
type pass struct {
	r     *Reconciler
	m     *matrix.Matrix
	res   *Result
	roles map[string]*graph.Node
}

func (r *Reconciler) newPass(m *matrix.Matrix, res *Result) *pass {
	return &pass{r: r, m: m, res: res, roles: make(map[string]*graph.Node)}
}

func (p *pass) resolve(ctx context.Context) []taskRef {
	var refs []taskRef
	for _, name := range p.m.Tasks() {
		if matrix.IsChainName(name) {
			continue
		}
		if ref, ok := p.resolveOne(ctx, name); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (p *pass) resolveOne(ctx context.Context, name string) (taskRef, bool) {
	node, err := p.r.tasks.FindTaskByName(ctx, name)
	if err != nil || node == nil {
		p.res.addWarning(&UnresolvedTaskError{Task: name, Err: err})
		p.r.logger.Warn("task skipped", "task", name, "error", err)
		return taskRef{}, false
	}
	return taskRef{name: name, node: node}, true
}

func (p *pass) captureSnapshot(ctx context.Context, all []*graph.Node, refs []taskRef) {
	snap := p.r.loadSnapshot(ctx, p.res)

	candidates := make([]*graph.Node, 0, len(all)+len(refs))
	candidates = append(candidates, all...)
	for _, ref := range refs {
		candidates = append(candidates, ref.node)
	}

	captured := 0
	for _, t := range candidates {
		if snap.Has(t.ID) {
			continue
		}
		succ, err := observeSuccessors(ctx, p.r.provider, t.ID)
		if err != nil {
			p.res.addError(&StepError{Step: "capture flow snapshot", Task: t.Label, Err: err})
			continue
		}
		if snap.Capture(t.ID, succ) {
			captured++
		}
	}
	if captured == 0 || p.r.snapshots == nil {
		return
	}
	if err := p.r.snapshots.SaveFlowSnapshot(ctx, snap); err != nil {
		p.res.addWarning(fmt.Errorf("failed to persist flow snapshot: %w", err))
		return
	}
	p.r.logger.Debug("flow snapshot captured", "tasks", captured)
}

// teardown drops every synthetic link, gateway and chain step. Role nodes
// stay so their identity survives the rebuild; the collector removes the
// unused ones.
func (p *pass) teardown(ctx context.Context) {
	prov := p.r.provider

	edges, err := prov.FindEdges(ctx, graph.EdgeOfKind(graph.EdgeAssignment, graph.EdgeApproval, graph.EdgeParticipation))
	if err != nil {
		p.res.addError(&StepError{Step: "teardown links", Err: err})
	} else if len(edges) > 0 {
		if err := prov.Disconnect(ctx, edges); err != nil {
			p.res.addError(&StepError{Step: "teardown links", Err: err})
		}
	}

	gateways, err := prov.FindNodes(ctx, graph.ByKind(graph.NodeAssignmentGateway))
	if err != nil {
		p.res.addError(&StepError{Step: "teardown gateways", Err: err})
	} else if len(gateways) > 0 {
		if err := prov.RemoveNodes(ctx, gateways); err != nil {
			p.res.addError(&StepError{Step: "teardown gateways", Err: err})
		} else {
			p.res.ElementsRemoved += len(gateways)
		}
	}

	chains, err := prov.FindNodes(ctx, graph.And(graph.ByKind(graph.NodeChain), graph.Synthetic()))
	if err != nil {
		p.res.addError(&StepError{Step: "teardown chain steps", Err: err})
		return
	}
	for _, n := range chains {
		if err := p.r.splicer.Remove(ctx, n); err != nil {
			p.res.addError(&StepError{Step: "teardown chain step", Task: n.Attr(graph.AttrTask), Role: n.Attr(graph.AttrRole), Err: err})
			continue
		}
		p.res.ElementsRemoved++
	}
}

// buildChains creates the C, A and I steps of every task in matrix order
// and splices them in front of the snapshot successors. Tasks without steps
// keep their current flows; teardown already bridged any removed chain.
func (p *pass) buildChains(ctx context.Context, refs []taskRef) map[ChainKey]*graph.Node {
	chains := make(map[ChainKey]*graph.Node)
	done := make(map[string]bool)

	for _, ref := range refs {
		if done[ref.node.ID] {
			continue
		}
		done[ref.node.ID] = true

		var steps []*graph.Node
		for _, code := range matrix.ChainCodes() {
			for _, role := range p.m.RolesWith(ref.name, code) {
				node, err := p.createChain(ctx, ref, role, code)
				if err != nil {
					p.res.addError(&StepError{Step: "create chain step", Task: ref.name, Role: role, Err: err})
					continue
				}
				steps = append(steps, node)
				chains[ChainKey{Task: ref.name, Role: role, Code: code}] = node
				p.res.ChainNodes++
			}
		}
		if len(steps) > 0 {
			p.splice(ctx, ref, steps)
		}
	}
	return chains
}

func (p *pass) createChain(ctx context.Context, ref taskRef, role string, code matrix.Code) (*graph.Node, error) {
	element := graph.ElementThrowEvent
	if code == matrix.Accountable {
		element = graph.ElementUserTask
	}
	return p.r.provider.CreateNode(ctx, graph.NodeChain, graph.Attributes{
		graph.AttrName:      matrix.ChainLabel(code, role),
		graph.AttrSynthetic: "true",
		graph.AttrOrigin:    graph.OriginChain,
		graph.AttrTask:      ref.name,
		graph.AttrTaskID:    ref.node.ID,
		graph.AttrRole:      role,
		graph.AttrCode:      code.String(),
		graph.AttrElement:   element,
	})
}

func (p *pass) splice(ctx context.Context, ref taskRef, steps []*graph.Node) {
	succs, err := p.successors(ctx, ref.node.ID)
	if err != nil {
		p.res.addError(&StepError{Step: "read flow snapshot", Task: ref.name, Err: err})
		return
	}
	if err := p.r.splicer.Insert(ctx, ref.node, steps, succs); err != nil {
		p.res.addError(&StepError{Step: "splice chain", Task: ref.name, Err: err})
	}
}

// successors resolves the snapshot successors still present in the graph.
func (p *pass) successors(ctx context.Context, taskID string) ([]*graph.Node, error) {
	var out []*graph.Node
	for _, id := range p.r.FlowSnapshot().Successors(taskID) {
		nodes, err := p.r.provider.FindNodes(ctx, graph.ByID(id))
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			p.r.logger.Debug("snapshot successor no longer in graph", "task_id", taskID, "successor", id)
			continue
		}
		out = append(out, nodes[0])
	}
	return out, nil
}

// members returns the R roles followed by the S-only roles of a task.
func (p *pass) members(task string) []string {
	members := p.m.RolesWith(task, matrix.Responsible)
	for _, role := range p.m.RolesWith(task, matrix.Support) {
		if !p.m.Get(task, role).Has(matrix.Responsible) {
			members = append(members, role)
		}
	}
	return members
}

// role finds or creates the node of a role. Existing role nodes are reused
// so their identity is stable across passes.
func (p *pass) role(ctx context.Context, name string) (*graph.Node, error) {
	if n, ok := p.roles[name]; ok {
		return n, nil
	}
	found, err := p.r.provider.FindNodes(ctx, func(n *graph.Node) bool {
		return n.Kind == graph.NodeRole && (n.Attr(graph.AttrRole) == name || n.Label == name)
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		p.roles[name] = found[0]
		return found[0], nil
	}

	n, err := p.r.provider.CreateNode(ctx, graph.NodeRole, graph.Attributes{
		graph.AttrName:      name,
		graph.AttrSynthetic: "true",
		graph.AttrOrigin:    graph.OriginRole,
		graph.AttrRole:      name,
	})
	if err != nil {
		return nil, err
	}
	p.roles[name] = n
	p.res.RolesCreated++
	return n, nil
}

// assign links a task to its R and S roles: directly for a single role,
// through one AND gateway otherwise.
func (p *pass) assign(ctx context.Context, ref taskRef) {
	members := p.members(ref.name)
	switch len(members) {
	case 0:
		return
	case 1:
		p.link(ctx, ref, ref.node, members[0])
		return
	}

	gw, err := p.r.provider.CreateNode(ctx, graph.NodeAssignmentGateway, graph.Attributes{
		graph.AttrName:      GatewayLabel(ref.name),
		graph.AttrSynthetic: "true",
		graph.AttrOrigin:    graph.OriginGateway,
		graph.AttrTask:      ref.name,
		graph.AttrTaskID:    ref.node.ID,
	})
	if err != nil {
		p.res.addError(&StepError{Step: "create gateway", Task: ref.name, Err: err})
		return
	}
	p.res.GatewaysCreated++

	if _, err := p.r.provider.Connect(ctx, ref.node, gw, graph.EdgeAssignment); err != nil {
		p.res.addError(&StepError{Step: "connect gateway", Task: ref.name, Err: err})
		return
	}
	for _, role := range members {
		p.link(ctx, ref, gw, role)
	}
}

func (p *pass) link(ctx context.Context, ref taskRef, from *graph.Node, role string) {
	rn, err := p.role(ctx, role)
	if err != nil {
		p.res.addError(&StepError{Step: "resolve role", Task: ref.name, Role: role, Err: err})
		return
	}
	if _, err := p.r.provider.Connect(ctx, from, rn, graph.EdgeAssignment); err != nil {
		p.res.addError(&StepError{Step: "connect assignment", Task: ref.name, Role: role, Err: err})
		return
	}
	p.res.Assignments++
}

// wire connects each approver to its approve step and each consulted or
// informed role to its own step.
func (p *pass) wire(ctx context.Context, ref taskRef, chains map[ChainKey]*graph.Node) {
	for _, code := range matrix.ChainCodes() {
		kind := graph.EdgeParticipation
		if code == matrix.Accountable {
			kind = graph.EdgeApproval
		}
		for _, role := range p.m.RolesWith(ref.name, code) {
			step, ok := chains[ChainKey{Task: ref.name, Role: role, Code: code}]
			if !ok {
				continue
			}
			rn, err := p.role(ctx, role)
			if err != nil {
				p.res.addError(&StepError{Step: "resolve role", Task: ref.name, Role: role, Err: err})
				continue
			}
			if _, err := p.r.provider.Connect(ctx, rn, step, kind); err != nil {
				p.res.addError(&StepError{Step: "wire chain step", Task: ref.name, Role: role, Err: err})
			}
		}
	}
}

// restoreDirect removes a gateway left on a task that is back to a single
// role and makes sure the direct link exists.
func (p *pass) restoreDirect(ctx context.Context, ref taskRef) {
	members := p.members(ref.name)
	if len(members) != 1 {
		return
	}
	stale, err := p.r.provider.FindNodes(ctx, graph.And(
		graph.ByKind(graph.NodeAssignmentGateway),
		graph.WithAttr(graph.AttrTaskID, ref.node.ID),
	))
	if err != nil {
		p.res.addError(&StepError{Step: "find stale gateway", Task: ref.name, Err: err})
		return
	}
	if len(stale) > 0 {
		if err := p.r.provider.RemoveNodes(ctx, stale); err != nil {
			p.res.addError(&StepError{Step: "remove stale gateway", Task: ref.name, Err: err})
			return
		}
		p.res.ElementsRemoved += len(stale)
	}

	rn, err := p.role(ctx, members[0])
	if err != nil {
		p.res.addError(&StepError{Step: "resolve role", Task: ref.name, Role: members[0], Err: err})
		return
	}
	if _, err := p.r.provider.Connect(ctx, ref.node, rn, graph.EdgeAssignment); err != nil {
		p.res.addError(&StepError{Step: "restore direct assignment", Task: ref.name, Role: members[0], Err: err})
	}
}

// repair rebuilds one task's assignments and the wiring of the chain steps
// it still has.
func (p *pass) repair(ctx context.Context, ref taskRef) {
	prov := p.r.provider

	gateways, err := prov.FindNodes(ctx, graph.And(
		graph.ByKind(graph.NodeAssignmentGateway),
		graph.WithAttr(graph.AttrTaskID, ref.node.ID),
	))
	if err != nil {
		p.res.addError(&StepError{Step: "find gateways", Task: ref.name, Err: err})
		return
	}
	if len(gateways) > 0 {
		if err := prov.RemoveNodes(ctx, gateways); err != nil {
			p.res.addError(&StepError{Step: "remove gateways", Task: ref.name, Err: err})
			return
		}
	}
	direct, err := prov.FindEdges(ctx, graph.EdgeAnd(graph.EdgeFrom(ref.node.ID), graph.EdgeOfKind(graph.EdgeAssignment)))
	if err != nil {
		p.res.addError(&StepError{Step: "find assignments", Task: ref.name, Err: err})
		return
	}
	if len(direct) > 0 {
		if err := prov.Disconnect(ctx, direct); err != nil {
			p.res.addError(&StepError{Step: "drop assignments", Task: ref.name, Err: err})
			return
		}
	}

	p.assign(ctx, ref)

	existing, err := prov.FindNodes(ctx, graph.And(
		graph.ByKind(graph.NodeChain),
		graph.WithAttr(graph.AttrTaskID, ref.node.ID),
	))
	if err != nil {
		p.res.addError(&StepError{Step: "find chain steps", Task: ref.name, Err: err})
		return
	}
	chains := make(map[ChainKey]*graph.Node, len(existing))
	for _, n := range existing {
		if key, ok := ChainKeyOf(n); ok {
			chains[key] = n
		}
	}
	p.wire(ctx, ref, chains)
	p.restoreDirect(ctx, ref)
}
