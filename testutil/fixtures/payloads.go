// =============================================================================
// 📄 阶段载荷测试数据
// =============================================================================
// 各阶段合法输出的 JSON 样例，键为阶段 ID。
//
// 使用方法:
//
//	payloads := fixtures.ValidPayloads()
//	raw := payloads["stage1"]
// =============================================================================
package fixtures

import "encoding/json"

// 阶段 ID，与默认阶段图一致
const (
	Stage1    = "stage1"
	Stage2A   = "stage2a"
	Stage2B   = "stage2b"
	Stage2C   = "stage2c"
	Stage3    = "stage3"
	Execution = "execution"
)

// =============================================================================
// 🎯 合法载荷
// =============================================================================

// MetaAnalysisJSON Stage 1 元分析
const MetaAnalysisJSON = `{
  "objective": "Reduce checkout latency below 200ms",
  "problem_type": {"category": "performance", "complexity": "medium"},
  "required_capabilities": [
    {"name": "profiling", "role": "diagnose hot paths", "source": "local"},
    {"name": "caching", "role": "serve repeated reads", "risk": "stale prices"}
  ],
  "content_quality": {"score": 0.8, "gaps": ["no production traces"]},
  "knowledge_boundary": "No access to the payment provider internals",
  "success_criteria": ["p95 < 200ms"],
  "failure_indicators": ["error rate increases"],
  "analysis": "Latency is dominated by synchronous price lookups"
}`

// CandidateSheetJSON Stage 2-A 候选策略
const CandidateSheetJSON = `{
  "candidates": [
    {"strategy_id": "S1", "summary": "Cache price lookups", "alignment": "high"},
    {"strategy_id": "S2", "summary": "Batch price lookups", "alignment": "medium"}
  ],
  "rationale": "Both strategies remove the synchronous round trips"
}`

// StrategySelectionJSON Stage 2-B 策略选择
const StrategySelectionJSON = `{
  "strategy_id": "S1",
  "refined_strategy": "Read-through cache with a 30s TTL in front of the price service",
  "handover_notes": ["invalidate on price change events"],
  "success_criteria": ["p95 < 200ms", "cache hit ratio > 90%"],
  "failure_indicators": ["stale price served"],
  "rationale": "Lowest risk and smallest change"
}`

// CapabilityUpgradeJSON Stage 2-C 能力升级建议
const CapabilityUpgradeJSON = `{"notes": ["add a cache metrics dashboard"]}`

// StepPlanJSON Stage 3 执行计划
const StepPlanJSON = `{
  "steps": [
    {"id": "P1", "action": "Add the read-through cache", "capability": "caching"},
    {"id": "P2", "action": "Subscribe to price change events", "depends_on": ["P1"]},
    {"id": "P3", "action": "Measure p95 latency", "capability": "profiling", "depends_on": ["P1", "P2"]}
  ]
}`

// ExecutionRecordJSON Stage 4 执行记录
const ExecutionRecordJSON = `{
  "records": [
    {"step_id": "P1", "status": "done", "output": "cache deployed"},
    {"step_id": "P2", "status": "done"},
    {"step_id": "P3", "status": "partial", "evidence": "p95 210ms"}
  ],
  "summary": "Latency improved, target nearly met",
  "residual_risks": ["cold cache after deploy"]
}`

// ValidPayloads 每个阶段一个合法载荷；每次返回新的 map
func ValidPayloads() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		Stage1:    json.RawMessage(MetaAnalysisJSON),
		Stage2A:   json.RawMessage(CandidateSheetJSON),
		Stage2B:   json.RawMessage(StrategySelectionJSON),
		Stage2C:   json.RawMessage(CapabilityUpgradeJSON),
		Stage3:    json.RawMessage(StepPlanJSON),
		Execution: json.RawMessage(ExecutionRecordJSON),
	}
}

// =============================================================================
// ⏳ pending 与非法载荷
// =============================================================================

// PendingMetaAnalysisJSON analysis 字段 pending 的 Stage 1 载荷
const PendingMetaAnalysisJSON = `{
  "objective": "Reduce checkout latency below 200ms",
  "problem_type": {"category": "performance"},
  "required_capabilities": [{"name": "profiling"}],
  "content_quality": {"score": 0.4, "gaps": ["no traces"]},
  "knowledge_boundary": "unknown",
  "analysis": "",
  "pending": {
    "analysis": {"justification": "waiting for production traces", "eta": "2 days"}
  }
}`

// PendingWithoutETAJSON pending 说明缺少 ETA，不满足闸门
const PendingWithoutETAJSON = `{
  "objective": "Reduce checkout latency below 200ms",
  "problem_type": {"category": "performance"},
  "required_capabilities": [{"name": "profiling"}],
  "content_quality": {"score": 0.4, "gaps": []},
  "knowledge_boundary": "unknown",
  "analysis": "",
  "pending": {"analysis": {"justification": "waiting for traces", "eta": ""}}
}`

// SingleCandidateJSON 候选数量低于下限
const SingleCandidateJSON = `{
  "candidates": [{"strategy_id": "S1", "summary": "Cache price lookups"}],
  "rationale": "only one idea"
}`

// UnknownStrategyJSON 选择了不在候选中的策略
const UnknownStrategyJSON = `{
  "strategy_id": "S9",
  "refined_strategy": "Something else entirely",
  "handover_notes": [],
  "success_criteria": ["p95 < 200ms"],
  "failure_indicators": []
}`

// MalformedJSON 不是合法 JSON
const MalformedJSON = `{"objective": "unterminated`
