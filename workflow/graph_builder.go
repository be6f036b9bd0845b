package workflow

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// GraphBuilder provides a fluent API for constructing stage graphs
type GraphBuilder struct {
	name   string
	stages []*StageNode
	logger *zap.Logger
}

// NewGraphBuilder creates a new graph builder with the given name
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger
func (b *GraphBuilder) WithLogger(logger *zap.Logger) *GraphBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "graph_builder"))
	}
	return b
}

// AddStage adds a stage and returns a StageBuilder for configuration
func (b *GraphBuilder) AddStage(id StageID, anchor string) *StageBuilder {
	node := &StageNode{ID: id, Anchor: anchor, Title: string(id)}
	b.stages = append(b.stages, node)
	return &StageBuilder{node: node, parent: b}
}

// Build validates the graph and freezes it
func (b *GraphBuilder) Build() (*Graph, error) {
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("stage graph validation failed: %w", err)
	}

	g := &Graph{
		name:      b.name,
		nodes:     make(map[StageID]*StageNode, len(b.stages)),
		ancestors: make(map[StageID]map[StageID]bool, len(b.stages)),
	}
	for _, s := range b.stages {
		n := s.clone()
		g.nodes[n.ID] = &n
	}

	g.order = b.topologicalOrder()
	for i, id := range g.order {
		g.nodes[id].Index = i
	}

	dependents := make(map[StageID]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			dependents[dep]++
		}
	}
	for id, n := range g.nodes {
		n.Terminal = dependents[id] == 0
	}

	// 拓扑序保证依赖的祖先集合先算好
	for _, id := range g.order {
		set := make(map[StageID]bool)
		for _, dep := range g.nodes[id].DependsOn {
			set[dep] = true
			for a := range g.ancestors[dep] {
				set[a] = true
			}
		}
		g.ancestors[id] = set
	}

	b.logger.Info("stage graph built",
		zap.String("name", b.name),
		zap.Int("stages", len(g.order)),
		zap.Int("terminals", len(g.Terminals())),
	)
	return g, nil
}

// validate performs comprehensive validation of the stage definitions
func (b *GraphBuilder) validate() error {
	if len(b.stages) == 0 {
		return errors.New("graph has no stages")
	}

	ids := make(map[StageID]*StageNode, len(b.stages))
	anchors := make(map[string]StageID, len(b.stages))
	for _, s := range b.stages {
		if s.ID == "" {
			return errors.New("stage id is required")
		}
		if s.Anchor == "" {
			return fmt.Errorf("stage %s: anchor is required", s.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate stage id: %s", s.ID)
		}
		if owner, dup := anchors[s.Anchor]; dup {
			return fmt.Errorf("anchor %s is used by both %s and %s", s.Anchor, owner, s.ID)
		}
		ids[s.ID] = s
		anchors[s.Anchor] = s.ID
	}

	for _, s := range b.stages {
		seen := make(map[StageID]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("stage %s depends on itself", s.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("stage %s depends on non-existent stage: %s", s.ID, dep)
			}
			if seen[dep] {
				return fmt.Errorf("stage %s declares dependency %s twice", s.ID, dep)
			}
			seen[dep] = true
		}

		for _, h := range s.Handoff {
			if !seen[h.From] {
				return fmt.Errorf("stage %s: handoff from %s is not a declared dependency", s.ID, h.From)
			}
			if len(h.Fields) == 0 {
				return fmt.Errorf("stage %s: handoff from %s declares no fields", s.ID, h.From)
			}
			for _, f := range h.Fields {
				if f == "" {
					return fmt.Errorf("stage %s: handoff from %s has an empty field name", s.ID, h.From)
				}
			}
		}

		if s.Knowledge != nil && (s.Knowledge.Library == "" || s.Knowledge.Query == "") {
			return fmt.Errorf("stage %s: knowledge reference needs library and query", s.ID)
		}
	}

	return b.detectCycles(ids)
}

// detectCycles detects cycles along dependency edges using DFS
func (b *GraphBuilder) detectCycles(ids map[StageID]*StageNode) error {
	visited := make(map[StageID]bool, len(ids))
	recStack := make(map[StageID]bool, len(ids))

	var visit func(id StageID) bool
	visit = func(id StageID) bool {
		visited[id] = true
		recStack[id] = true
		for _, dep := range ids[id].DependsOn {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}
		recStack[id] = false
		return false
	}

	for _, s := range b.stages {
		if !visited[s.ID] && visit(s.ID) {
			return fmt.Errorf("cycle detected in graph involving stage: %s", s.ID)
		}
	}
	return nil
}

// topologicalOrder Kahn 算法；同一层按声明顺序，结果稳定
func (b *GraphBuilder) topologicalOrder() []StageID {
	indegree := make(map[StageID]int, len(b.stages))
	for _, s := range b.stages {
		indegree[s.ID] = len(s.DependsOn)
	}

	order := make([]StageID, 0, len(b.stages))
	done := make(map[StageID]bool, len(b.stages))
	for len(order) < len(b.stages) {
		for _, s := range b.stages {
			if done[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, other := range b.stages {
				if slices.Contains(other.DependsOn, s.ID) {
					indegree[other.ID]--
				}
			}
			break
		}
	}
	return order
}

// StageBuilder provides a fluent API for configuring individual stages
type StageBuilder struct {
	node   *StageNode
	parent *GraphBuilder
}

// WithTitle sets the human readable stage title
func (sb *StageBuilder) WithTitle(title string) *StageBuilder {
	sb.node.Title = title
	return sb
}

// DependsOn appends upstream stages
func (sb *StageBuilder) DependsOn(ids ...StageID) *StageBuilder {
	sb.node.DependsOn = append(sb.node.DependsOn, ids...)
	return sb
}

// Optional marks the stage output as advisory; an empty payload completes it
func (sb *StageBuilder) Optional() *StageBuilder {
	sb.node.Optional = true
	return sb
}

// WithHandoff declares the upstream fields this stage may read
func (sb *StageBuilder) WithHandoff(from StageID, fields ...string) *StageBuilder {
	sb.node.Handoff = append(sb.node.Handoff, HandoffRule{From: from, Fields: fields})
	return sb
}

// WithKnowledge declares a library lookup performed before the stage runs
func (sb *StageBuilder) WithKnowledge(library, query string) *StageBuilder {
	sb.node.Knowledge = &KnowledgeRef{Library: library, Query: query}
	return sb
}

// Done completes stage configuration and returns to the GraphBuilder
func (sb *StageBuilder) Done() *GraphBuilder {
	return sb.parent
}
