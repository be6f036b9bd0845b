package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
)

// 各阶段的载荷类型。需要交接给下游的字段不带 omitempty，
// 规范化编码后这些键总是存在，缺键只会来自声明错误。

// =============================================================================
// Stage 1 元分析
// =============================================================================

// ProblemType 问题类型
type ProblemType struct {
	Category   string `json:"category"`
	Complexity string `json:"complexity,omitempty"`
}

// Capability 所需能力
type Capability struct {
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Source string `json:"source,omitempty"`
	Risk   string `json:"risk,omitempty"`
}

// ContentQuality 输入内容质量评估
type ContentQuality struct {
	Score float64  `json:"score"`
	Gaps  []string `json:"gaps"`
}

// MetaAnalysis Stage 1 载荷
type MetaAnalysis struct {
	Objective            string                  `json:"objective"`
	ProblemType          ProblemType             `json:"problem_type"`
	RequiredCapabilities []Capability            `json:"required_capabilities"`
	ContentQuality       ContentQuality          `json:"content_quality"`
	KnowledgeBoundary    string                  `json:"knowledge_boundary"`
	SuccessCriteria      []string                `json:"success_criteria,omitempty"`
	FailureIndicators    []string                `json:"failure_indicators,omitempty"`
	Analysis             string                  `json:"analysis"`
	Pending              map[string]PendingField `json:"pending,omitempty"`
}

// StageID implements Payload.
func (*MetaAnalysis) StageID() StageID { return StageMeta }

// PendingNotes implements Payload.
func (p *MetaAnalysis) PendingNotes() map[string]PendingField { return p.Pending }

// Validate implements Payload.
func (p *MetaAnalysis) Validate() (Completeness, error) {
	c := newFieldCheck(StageMeta, p.Pending)
	c.require("objective", !blank(p.Objective))
	c.require("problem_type", !blank(p.ProblemType.Category))
	if c.require("required_capabilities", len(p.RequiredCapabilities) > 0) {
		for i, cap := range p.RequiredCapabilities {
			if blank(cap.Name) {
				c.invalid("required_capabilities[%d] has no name", i)
			}
		}
	}
	c.require("analysis", !blank(p.Analysis))
	if p.ContentQuality.Score < 0 || p.ContentQuality.Score > 1 {
		c.invalid("content_quality.score %.2f outside 0..1", p.ContentQuality.Score)
	}
	return c.result()
}

// =============================================================================
// Stage 2-A 候选策略
// =============================================================================

// Candidate 候选策略
type Candidate struct {
	StrategyID  string `json:"strategy_id"`
	Summary     string `json:"summary"`
	Alignment   string `json:"alignment,omitempty"`
	Coverage    string `json:"coverage,omitempty"`
	RisksOrGaps string `json:"risks_or_gaps,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// CandidateSheet Stage 2-A 载荷
type CandidateSheet struct {
	Candidates []Candidate             `json:"candidates"`
	Rationale  string                  `json:"rationale"`
	MetaRecap  string                  `json:"meta_recap,omitempty"`
	Pending    map[string]PendingField `json:"pending,omitempty"`
}

// MinCandidates 候选策略下限
const MinCandidates = 2

// StageID implements Payload.
func (*CandidateSheet) StageID() StageID { return StageCandidates }

// PendingNotes implements Payload.
func (p *CandidateSheet) PendingNotes() map[string]PendingField { return p.Pending }

// Validate implements Payload.
func (p *CandidateSheet) Validate() (Completeness, error) {
	c := newFieldCheck(StageCandidates, p.Pending)
	if c.require("candidates", len(p.Candidates) > 0) {
		if len(p.Candidates) < MinCandidates {
			c.invalid("candidates: need at least %d, got %d", MinCandidates, len(p.Candidates))
		}
		seen := make(map[string]bool, len(p.Candidates))
		for i, cand := range p.Candidates {
			switch {
			case blank(cand.StrategyID):
				c.invalid("candidates[%d] has no strategy_id", i)
			case seen[cand.StrategyID]:
				c.invalid("candidates: duplicate strategy_id %s", cand.StrategyID)
			}
			seen[cand.StrategyID] = true
			if blank(cand.Summary) {
				c.invalid("candidates[%d] has no summary", i)
			}
		}
	}
	c.require("rationale", !blank(p.Rationale))
	return c.result()
}

// CheckContext 候选数量不超过任务的 candidate_limit
func (p *CandidateSheet) CheckContext(sc *ScopedContext) error {
	if limit := sc.Inputs.CandidateLimit; limit > 0 && len(p.Candidates) > limit {
		return fmt.Errorf("candidates: %d exceeds candidate_limit %d", len(p.Candidates), limit)
	}
	return nil
}

// =============================================================================
// Stage 2-B 策略选择
// =============================================================================

// StrategySelection Stage 2-B 载荷
type StrategySelection struct {
	StrategyID        string                  `json:"strategy_id"`
	RefinedStrategy   string                  `json:"refined_strategy"`
	HandoverNotes     []string                `json:"handover_notes"`
	SuccessCriteria   []string                `json:"success_criteria"`
	FailureIndicators []string                `json:"failure_indicators"`
	Rationale         string                  `json:"rationale,omitempty"`
	Pending           map[string]PendingField `json:"pending,omitempty"`
}

// StageID implements Payload.
func (*StrategySelection) StageID() StageID { return StageSelection }

// PendingNotes implements Payload.
func (p *StrategySelection) PendingNotes() map[string]PendingField { return p.Pending }

// Validate implements Payload.
func (p *StrategySelection) Validate() (Completeness, error) {
	c := newFieldCheck(StageSelection, p.Pending)
	c.require("strategy_id", !blank(p.StrategyID))
	c.require("refined_strategy", !blank(p.RefinedStrategy))
	c.require("success_criteria", len(p.SuccessCriteria) > 0)
	return c.result()
}

// CheckContext 选中的策略必须是交接过来的候选之一
func (p *StrategySelection) CheckContext(sc *ScopedContext) error {
	raw, ok := sc.Field(StageCandidates, "candidates")
	if !ok || isNullJSON(raw) || blank(p.StrategyID) {
		return nil
	}
	var candidates []Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return fmt.Errorf("decode handed-off candidates: %w", err)
	}
	if !slices.ContainsFunc(candidates, func(c Candidate) bool { return c.StrategyID == p.StrategyID }) {
		return fmt.Errorf("strategy_id %s is not among the stage2a candidates", p.StrategyID)
	}
	return nil
}

// =============================================================================
// Stage 2-C 能力升级建议
// =============================================================================

// CapabilityUpgrade Stage 2-C 载荷；建议性输出，空载荷合法
type CapabilityUpgrade struct {
	Patch string   `json:"patch,omitempty"`
	Notes []string `json:"notes,omitempty"`
}

// StageID implements Payload.
func (*CapabilityUpgrade) StageID() StageID { return StageUpgrade }

// PendingNotes implements Payload.
func (*CapabilityUpgrade) PendingNotes() map[string]PendingField { return nil }

// Validate implements Payload.
func (*CapabilityUpgrade) Validate() (Completeness, error) {
	return Completeness{Complete: true}, nil
}

// Empty 是否为空建议
func (p *CapabilityUpgrade) Empty() bool {
	return blank(p.Patch) && len(p.Notes) == 0
}

// =============================================================================
// Stage 3 执行计划
// =============================================================================

// PlanStep 计划步骤
type PlanStep struct {
	ID         string   `json:"id"`
	Action     string   `json:"action"`
	Capability string   `json:"capability,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Parallel   bool     `json:"parallel,omitempty"`
	Acceptance string   `json:"acceptance,omitempty"`
}

// StepPlan Stage 3 载荷
type StepPlan struct {
	Steps      []PlanStep              `json:"steps"`
	OpenIssues []string                `json:"open_issues,omitempty"`
	Pending    map[string]PendingField `json:"pending,omitempty"`
}

// StageID implements Payload.
func (*StepPlan) StageID() StageID { return StagePlan }

// PendingNotes implements Payload.
func (p *StepPlan) PendingNotes() map[string]PendingField { return p.Pending }

// Validate implements Payload.
func (p *StepPlan) Validate() (Completeness, error) {
	c := newFieldCheck(StagePlan, p.Pending)
	if c.require("steps", len(p.Steps) > 0) {
		earlier := make(map[string]bool, len(p.Steps))
		for i, step := range p.Steps {
			if blank(step.ID) {
				c.invalid("steps[%d] has no id", i)
				continue
			}
			if earlier[step.ID] {
				c.invalid("steps: duplicate id %s", step.ID)
			}
			if blank(step.Action) {
				c.invalid("steps[%s] has no action", step.ID)
			}
			for _, dep := range step.DependsOn {
				if !earlier[dep] {
					c.invalid("steps[%s] depends on %s which is not an earlier step", step.ID, dep)
				}
			}
			earlier[step.ID] = true
		}
	}
	return c.result()
}

// =============================================================================
// Stage 4 执行记录
// =============================================================================

// StepStatus 步骤执行结果
type StepStatus string

// 步骤执行结果取值
const (
	StepDone    StepStatus = "done"
	StepPartial StepStatus = "partial"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

func (s StepStatus) valid() bool {
	switch s {
	case StepDone, StepPartial, StepSkipped, StepFailed:
		return true
	}
	return false
}

// StepRecord 单步执行记录
type StepRecord struct {
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Output   string     `json:"output,omitempty"`
	Evidence string     `json:"evidence,omitempty"`
}

// ExecutionRecord Stage 4 载荷
type ExecutionRecord struct {
	Records       []StepRecord            `json:"records"`
	Summary       string                  `json:"summary"`
	ResidualRisks []string                `json:"residual_risks,omitempty"`
	Pending       map[string]PendingField `json:"pending,omitempty"`
}

// StageID implements Payload.
func (*ExecutionRecord) StageID() StageID { return StageExecution }

// PendingNotes implements Payload.
func (p *ExecutionRecord) PendingNotes() map[string]PendingField { return p.Pending }

// Validate implements Payload.
func (p *ExecutionRecord) Validate() (Completeness, error) {
	c := newFieldCheck(StageExecution, p.Pending)
	if c.require("records", len(p.Records) > 0) {
		for i, r := range p.Records {
			if blank(r.StepID) {
				c.invalid("records[%d] has no step_id", i)
			}
			if !r.Status.valid() {
				c.invalid("records[%d] has invalid status %q", i, r.Status)
			}
		}
	}
	c.require("summary", !blank(p.Summary))
	return c.result()
}

// CheckContext 记录只能引用计划中的步骤
func (p *ExecutionRecord) CheckContext(sc *ScopedContext) error {
	raw, ok := sc.Field(StagePlan, "steps")
	if !ok || isNullJSON(raw) {
		return nil
	}
	var steps []PlanStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return fmt.Errorf("decode handed-off steps: %w", err)
	}
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}
	for _, r := range p.Records {
		if !known[r.StepID] {
			return fmt.Errorf("record refers to unknown plan step %s", r.StepID)
		}
	}
	return nil
}

var (
	_ Payload        = (*MetaAnalysis)(nil)
	_ Payload        = (*CandidateSheet)(nil)
	_ Payload        = (*StrategySelection)(nil)
	_ Payload        = (*CapabilityUpgrade)(nil)
	_ Payload        = (*StepPlan)(nil)
	_ Payload        = (*ExecutionRecord)(nil)
	_ ContextChecker = (*CandidateSheet)(nil)
	_ ContextChecker = (*StrategySelection)(nil)
	_ ContextChecker = (*ExecutionRecord)(nil)
)
