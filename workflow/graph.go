package workflow

import "fmt"

// WorkflowGraph is an immutable, compiled workflow definition: a set of
// nodes, the edges between them, and the branch-target mapping used by
// Branch results. Build one with NewGraphBuilder and Build; the result is
// safe for concurrent use by many engines and many instances.
type WorkflowGraph struct {
	workflowID    string
	version       int
	nodes         map[string]*StepNode
	initialStepID string
	edges         map[string][]Edge
	branchTargets map[string]string // keyed by a stable type tag, see RegisterBranchTarget
}

// WorkflowID returns the graph's identifier.
func (g *WorkflowGraph) WorkflowID() string { return g.workflowID }

// Version returns the graph's version number, used to detect a resume
// target that no longer exists after a graph upgrade.
func (g *WorkflowGraph) Version() int { return g.version }

// Nodes returns the graph's step nodes, keyed by step ID. The returned map
// must not be mutated by the caller.
func (g *WorkflowGraph) Nodes() map[string]*StepNode { return g.nodes }

// Node looks up a single step node by ID.
func (g *WorkflowGraph) Node(stepID string) (*StepNode, bool) {
	n, ok := g.nodes[stepID]
	return n, ok
}

// GetOutgoingEdges returns the ordered outgoing edges for a step.
func (g *WorkflowGraph) GetOutgoingEdges(stepID string) []Edge {
	return g.edges[stepID]
}

// GetInitialStepID returns the step a new instance starts at.
func (g *WorkflowGraph) GetInitialStepID() string { return g.initialStepID }

// GetBranchTarget resolves a Branch result's event type tag to a step ID.
// The bool is false when no branch target is registered for eventTag.
func (g *WorkflowGraph) GetBranchTarget(eventTag string) (string, bool) {
	target, ok := g.branchTargets[eventTag]
	return target, ok
}

// GraphBuilder assembles a WorkflowGraph. It is not safe for concurrent use;
// build a graph once at startup from a single goroutine, then share the
// frozen *WorkflowGraph it returns.
type GraphBuilder struct {
	workflowID    string
	version       int
	nodes         map[string]*StepNode
	order         []string
	initialStepID string
	edges         map[string][]Edge
	branchTargets map[string]string
	err           error
}

// NewGraphBuilder starts a new builder for the named workflow.
func NewGraphBuilder(workflowID string, version int) *GraphBuilder {
	return &GraphBuilder{
		workflowID:    workflowID,
		version:       version,
		nodes:         make(map[string]*StepNode),
		edges:         make(map[string][]Edge),
		branchTargets: make(map[string]string),
	}
}

// AddStep registers a step node. The first step added becomes the initial
// step unless StartAt is called explicitly.
func (b *GraphBuilder) AddStep(node *StepNode) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if node == nil {
		b.err = fmt.Errorf("workflow: nil step node")
		return b
	}
	if node.ID == "" {
		b.err = fmt.Errorf("workflow: step node has empty ID")
		return b
	}
	if _, exists := b.nodes[node.ID]; exists {
		b.err = fmt.Errorf("workflow: duplicate step ID %q", node.ID)
		return b
	}
	if node.Handler == nil && node.Async == nil {
		b.err = fmt.Errorf("workflow: step %q has neither Handler nor Async", node.ID)
		return b
	}
	b.nodes[node.ID] = node
	b.order = append(b.order, node.ID)
	if b.initialStepID == "" {
		b.initialStepID = node.ID
	}
	return b
}

// StartAt overrides the initial step.
func (b *GraphBuilder) StartAt(stepID string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.initialStepID = stepID
	return b
}

// Connect appends an edge from `from` to `to`. when may be nil for an
// unconditional edge; edges are tried in the order Connect is called.
func (b *GraphBuilder) Connect(from, to string, when Predicate) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.edges[from] = append(b.edges[from], Edge{TargetStepID: to, Predicate: when})
	return b
}

// RegisterBranchTarget maps an event tag (typically the result of
// EventTag(event) or a caller-chosen stable string) to a step ID, consulted
// when a step returns Branch(event).
func (b *GraphBuilder) RegisterBranchTarget(eventTag, stepID string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.branchTargets[eventTag] = stepID
	return b
}

// Build validates and freezes the graph. Validation failures:
//   - no steps registered
//   - initial step ID not registered
//   - an edge targets an unregistered step ID
//   - a branch target names an unregistered step ID
//
// A cycle without at least one Suspend/Async/Finish-capable escape is
// permitted (cyclic loop-agent graphs are supported) but Build logs nothing
// about it; the engine enforces progress via retry exhaustion and, optionally,
// caller-supplied max-iteration guards in context, not cycle detection.
func (b *GraphBuilder) Build() (*WorkflowGraph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("workflow: graph %q has no steps", b.workflowID)
	}
	if _, ok := b.nodes[b.initialStepID]; !ok {
		return nil, fmt.Errorf("workflow: graph %q initial step %q is not registered", b.workflowID, b.initialStepID)
	}
	for from, edges := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("workflow: graph %q has edges from unregistered step %q", b.workflowID, from)
		}
		for _, e := range edges {
			if _, ok := b.nodes[e.TargetStepID]; !ok {
				return nil, fmt.Errorf("workflow: graph %q edge %s -> %s targets unregistered step", b.workflowID, from, e.TargetStepID)
			}
		}
	}
	for tag, target := range b.branchTargets {
		if _, ok := b.nodes[target]; !ok {
			return nil, fmt.Errorf("workflow: graph %q branch target %q -> %q is unregistered", b.workflowID, tag, target)
		}
	}

	return &WorkflowGraph{
		workflowID:    b.workflowID,
		version:       b.version,
		nodes:         b.nodes,
		initialStepID: b.initialStepID,
		edges:         b.edges,
		branchTargets: b.branchTargets,
	}, nil
}
