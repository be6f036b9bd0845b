package workflow

import (
	"slices"

	"github.com/BaSui01/stageflow/document"
)

// StageID 阶段标识
type StageID string

// 内置六阶段
const (
	StageMeta       StageID = "stage1"
	StageCandidates StageID = "stage2a"
	StageSelection  StageID = "stage2b"
	StageUpgrade    StageID = "stage2c"
	StagePlan       StageID = "stage3"
	StageExecution  StageID = "execution"
)

// 内置阶段对应的文档锚点
const (
	AnchorMeta       = "STAGE1_ANALYSIS"
	AnchorCandidates = "STAGE2A_ANALYSIS"
	AnchorSelection  = "STAGE2B_ANALYSIS"
	AnchorUpgrade    = "STAGE2C_ANALYSIS"
	AnchorPlan       = "STAGE3_PLAN"
	AnchorExecution  = "STAGE4_EXECUTION"
)

// HandoffRule 下游阶段可以读取的上游字段（上游载荷的顶层 JSON 字段名）
type HandoffRule struct {
	From   StageID  `json:"from" yaml:"from"`
	Fields []string `json:"fields" yaml:"fields"`
}

// KnowledgeRef 阶段运行前要查询的知识库。Query 中的 {objective} 替换为任务目标
type KnowledgeRef struct {
	Library string `json:"library" yaml:"library"`
	Query   string `json:"query" yaml:"query"`
}

// StageNode 阶段节点的静态定义，构建后不可变。
// Terminal 表示没有下游阶段，所有终端阶段提交后文档完成；
// Optional 表示输出是建议性的，空载荷也是合法的完成状态。
type StageNode struct {
	ID        StageID
	Index     int
	Title     string
	Anchor    string
	DependsOn []StageID
	Terminal  bool
	Optional  bool
	Handoff   []HandoffRule
	Knowledge *KnowledgeRef
}

func (n *StageNode) clone() StageNode {
	c := *n
	c.DependsOn = slices.Clone(n.DependsOn)
	c.Handoff = make([]HandoffRule, len(n.Handoff))
	for i, h := range n.Handoff {
		c.Handoff[i] = HandoffRule{From: h.From, Fields: slices.Clone(h.Fields)}
	}
	if n.Knowledge != nil {
		k := *n.Knowledge
		c.Knowledge = &k
	}
	return c
}

// Graph 固定的阶段有向无环图。只能由 GraphBuilder 构建，运行期不修改拓扑
type Graph struct {
	name      string
	nodes     map[StageID]*StageNode
	order     []StageID
	ancestors map[StageID]map[StageID]bool
}

// Name 图名称
func (g *Graph) Name() string { return g.name }

// Node 返回阶段定义的副本
func (g *Graph) Node(id StageID) (StageNode, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return StageNode{}, false
	}
	return n.clone(), true
}

// Nodes 按拓扑序返回全部阶段定义
func (g *Graph) Nodes() []StageNode {
	out := make([]StageNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

// Topological 拓扑序（Index 递增）
func (g *Graph) Topological() []StageID {
	return slices.Clone(g.order)
}

// Terminals 终端阶段
func (g *Graph) Terminals() []StageID {
	var out []StageID
	for _, id := range g.order {
		if g.nodes[id].Terminal {
			out = append(out, id)
		}
	}
	return out
}

// DependsOn 直接依赖
func (g *Graph) DependsOn(id StageID) []StageID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(n.DependsOn)
}

// IsAncestor a 是否是 b 的（传递）上游
func (g *Graph) IsAncestor(a, b StageID) bool {
	return g.ancestors[b][a]
}

// Independent 两个阶段之间没有依赖路径时才可以并发运行
func (g *Graph) Independent(a, b StageID) bool {
	if a == b {
		return false
	}
	return !g.IsAncestor(a, b) && !g.IsAncestor(b, a)
}

// AnchorOf 阶段的锚点
func (g *Graph) AnchorOf(id StageID) string {
	if n, ok := g.nodes[id]; ok {
		return n.Anchor
	}
	return ""
}

// StageOfAnchor 锚点所属阶段
func (g *Graph) StageOfAnchor(anchor string) (StageID, bool) {
	for _, id := range g.order {
		if g.nodes[id].Anchor == anchor {
			return id, true
		}
	}
	return "", false
}

// Anchors 按拓扑序返回文档锚点列表，用于创建文档
func (g *Graph) Anchors() []document.Anchor {
	out := make([]document.Anchor, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		out = append(out, document.Anchor{Name: n.Anchor, Stage: string(n.ID), Title: n.Title})
	}
	return out
}

// DefaultGraph 内置六阶段图：
//
//	stage1    ← 无
//	stage2a   ← stage1
//	stage2b   ← stage1, stage2a
//	stage2c   ← stage1, stage2b（可选输出）
//	stage3    ← stage1, stage2b
//	execution ← stage1, stage2b, stage3
func DefaultGraph() *Graph {
	g, err := NewGraphBuilder("stageflow").
		AddStage(StageMeta, AnchorMeta).
		WithTitle("Stage 1 元分析").
		WithKnowledge("capabilities", "{objective}").
		Done().
		AddStage(StageCandidates, AnchorCandidates).
		WithTitle("Stage 2-A 候选策略").
		DependsOn(StageMeta).
		WithHandoff(StageMeta, "objective", "problem_type", "required_capabilities", "content_quality", "analysis").
		WithKnowledge("strategies", "{objective}").
		Done().
		AddStage(StageSelection, AnchorSelection).
		WithTitle("Stage 2-B 策略选择").
		DependsOn(StageMeta, StageCandidates).
		WithHandoff(StageMeta, "objective", "content_quality", "analysis").
		WithHandoff(StageCandidates, "candidates", "rationale").
		Done().
		AddStage(StageUpgrade, AnchorUpgrade).
		WithTitle("Stage 2-C 能力升级建议").
		DependsOn(StageMeta, StageSelection).
		Optional().
		WithHandoff(StageMeta, "required_capabilities").
		WithHandoff(StageSelection, "strategy_id", "refined_strategy").
		Done().
		AddStage(StagePlan, AnchorPlan).
		WithTitle("Stage 3 执行计划").
		DependsOn(StageMeta, StageSelection).
		WithHandoff(StageMeta, "objective", "analysis", "required_capabilities", "content_quality", "knowledge_boundary").
		WithHandoff(StageSelection, "strategy_id", "refined_strategy", "handover_notes", "success_criteria", "failure_indicators").
		Done().
		AddStage(StageExecution, AnchorExecution).
		WithTitle("Stage 4 执行记录").
		DependsOn(StageMeta, StageSelection, StagePlan).
		WithHandoff(StageMeta, "objective", "analysis").
		WithHandoff(StageSelection, "refined_strategy", "success_criteria", "failure_indicators").
		WithHandoff(StagePlan, "steps").
		Done().
		Build()
	if err != nil {
		panic("default stage graph is invalid: " + err.Error())
	}
	return g
}
