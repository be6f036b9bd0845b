package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/types"
)

// =============================================================================
// 📐 Section Schema Registry
// =============================================================================

// PendingField 必填字段暂时无法给出时的说明；必须同时给出理由和预计时间
type PendingField struct {
	Justification string `json:"justification"`
	ETA           string `json:"eta"`
}

func (p PendingField) valid() bool {
	return strings.TrimSpace(p.Justification) != "" && strings.TrimSpace(p.ETA) != ""
}

// Completeness 载荷的填充程度
type Completeness struct {
	Complete      bool     `json:"complete"`
	PendingFields []string `json:"pending_fields,omitempty"`
}

// Payload 各阶段载荷的公共接口（按阶段区分的标签类型）
type Payload interface {
	StageID() StageID
	// Validate 校验结构；部分字段 pending 时返回 Complete=false 而不是错误
	Validate() (Completeness, error)
	// PendingNotes 载荷声明的 pending 字段
	PendingNotes() map[string]PendingField
}

// ContextChecker 需要对照上游交接内容再校验的载荷实现此接口
type ContextChecker interface {
	CheckContext(sc *ScopedContext) error
}

// FieldSpec 载荷字段说明，随 Schema 一并交给执行器
type FieldSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Schema 单个阶段的载荷契约。AllowEmpty 为真时空输出（空字节或 null）解码为零值载荷
type Schema struct {
	Stage      StageID     `json:"stage"`
	Title      string      `json:"title,omitempty"`
	Fields     []FieldSpec `json:"fields"`
	AllowEmpty bool        `json:"allow_empty"`

	newPayload func() Payload
}

// Required 必填字段名
func (s Schema) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Registry 阶段 → Schema 的注册表，实现 document.PayloadValidator
type Registry struct {
	mu      sync.RWMutex
	schemas map[StageID]Schema
}

var _ document.PayloadValidator = (*Registry)(nil)

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[StageID]Schema)}
}

// Register 注册阶段 Schema，newPayload 返回该阶段载荷的零值指针
func (r *Registry) Register(schema Schema, newPayload func() Payload) error {
	if schema.Stage == "" || newPayload == nil {
		return fmt.Errorf("schema requires a stage and a payload constructor")
	}
	if got := newPayload().StageID(); got != schema.Stage {
		return fmt.Errorf("schema for %s builds payloads of stage %s", schema.Stage, got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.schemas[schema.Stage]; dup {
		return fmt.Errorf("schema for %s already registered", schema.Stage)
	}
	schema.newPayload = newPayload
	r.schemas[schema.Stage] = schema
	return nil
}

// Schema 查询阶段 Schema
func (r *Registry) Schema(stage StageID) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[stage]
	if ok {
		s.Fields = slices.Clone(s.Fields)
	}
	return s, ok
}

// Covers 检查图中每个阶段都有 Schema
func (r *Registry) Covers(g *Graph) error {
	var missing []string
	for _, id := range g.Topological() {
		if _, ok := r.Schema(id); !ok {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no schema registered for stages: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Decode 严格解码（拒绝未知字段）为阶段载荷
func (r *Registry) Decode(stage StageID, raw json.RawMessage) (Payload, error) {
	schema, ok := r.Schema(stage)
	if !ok {
		return nil, validationError(stage, "no schema registered")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if schema.AllowEmpty {
			return schema.newPayload(), nil
		}
		return nil, validationError(stage, "empty payload")
	}

	p := schema.newPayload()
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, validationError(stage, "decode: "+err.Error()).WithCause(err)
	}
	if dec.More() {
		return nil, validationError(stage, "trailing data after payload")
	}
	return p, nil
}

// Validate 解码并校验，返回载荷与完成度
func (r *Registry) Validate(stage StageID, raw json.RawMessage) (Payload, Completeness, error) {
	p, err := r.Decode(stage, raw)
	if err != nil {
		return nil, Completeness{}, err
	}
	c, err := p.Validate()
	if err != nil {
		return nil, Completeness{}, err
	}
	return p, c, nil
}

// Encode 规范化编码：结构体字段顺序固定，map 键排序，同一载荷总是得到相同字节
func (r *Registry) Encode(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.StageID(), err)
	}
	return data, nil
}

// ValidatePayload 实现 document.PayloadValidator，写入前的最后一道校验
func (r *Registry) ValidatePayload(stage string, payload json.RawMessage) error {
	_, _, err := r.Validate(StageID(stage), payload)
	return err
}

func validationError(stage StageID, msg string) *types.Error {
	return types.Errorf(types.ErrValidation, "%s payload invalid: %s", stage, msg).
		WithStage(string(stage)).
		WithHTTPStatus(422).
		WithRetryable(true)
}

// =============================================================================
// 🔍 字段检查
// =============================================================================

// fieldCheck 收集缺失字段、pending 字段与结构问题
type fieldCheck struct {
	stage    StageID
	pending  map[string]PendingField
	pendings []string
	problems []string
}

func newFieldCheck(stage StageID, pending map[string]PendingField) *fieldCheck {
	return &fieldCheck{stage: stage, pending: pending}
}

// require 必填字段；为空时只有带理由和 ETA 的 pending 声明才算合法
func (c *fieldCheck) require(field string, present bool) bool {
	if present {
		return true
	}
	p, ok := c.pending[field]
	switch {
	case !ok:
		c.problems = append(c.problems, "missing required field "+field)
	case !p.valid():
		c.problems = append(c.problems, "pending field "+field+" needs justification and eta")
	default:
		c.pendings = append(c.pendings, field)
	}
	return false
}

func (c *fieldCheck) invalid(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *fieldCheck) result() (Completeness, error) {
	if len(c.problems) > 0 {
		return Completeness{}, validationError(c.stage, strings.Join(c.problems, "; "))
	}
	slices.Sort(c.pendings)
	return Completeness{Complete: len(c.pendings) == 0, PendingFields: c.pendings}, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// =============================================================================
// 📦 默认注册表
// =============================================================================

// DefaultRegistry 注册六个内置阶段的 Schema
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic("default schema registry: " + err.Error())
		}
	}

	must(r.Register(Schema{
		Stage: StageMeta,
		Title: "MetaAnalysis",
		Fields: []FieldSpec{
			{Name: "objective", Type: "string", Required: true},
			{Name: "problem_type", Type: "object{category,complexity}", Required: true, Description: "category is required"},
			{Name: "required_capabilities", Type: "array<object{name,role,source,risk}>", Required: true, Description: "at least one"},
			{Name: "content_quality", Type: "object{score 0..1,gaps}"},
			{Name: "knowledge_boundary", Type: "string"},
			{Name: "success_criteria", Type: "array<string>"},
			{Name: "failure_indicators", Type: "array<string>"},
			{Name: "analysis", Type: "string", Required: true},
			{Name: "pending", Type: "map<field,object{justification,eta}>"},
		},
	}, func() Payload { return &MetaAnalysis{} }))

	must(r.Register(Schema{
		Stage: StageCandidates,
		Title: "CandidateSheet",
		Fields: []FieldSpec{
			{Name: "candidates", Type: "array<object{strategy_id,summary,alignment,coverage,risks_or_gaps,notes}>", Required: true, Description: "at least two, unique strategy ids"},
			{Name: "rationale", Type: "string", Required: true},
			{Name: "meta_recap", Type: "string"},
			{Name: "pending", Type: "map<field,object{justification,eta}>"},
		},
	}, func() Payload { return &CandidateSheet{} }))

	must(r.Register(Schema{
		Stage: StageSelection,
		Title: "StrategySelection",
		Fields: []FieldSpec{
			{Name: "strategy_id", Type: "string", Required: true, Description: "one of the stage2a candidates"},
			{Name: "refined_strategy", Type: "string", Required: true},
			{Name: "handover_notes", Type: "array<string>"},
			{Name: "success_criteria", Type: "array<string>", Required: true, Description: "at least one"},
			{Name: "failure_indicators", Type: "array<string>"},
			{Name: "rationale", Type: "string"},
			{Name: "pending", Type: "map<field,object{justification,eta}>"},
		},
	}, func() Payload { return &StrategySelection{} }))

	must(r.Register(Schema{
		Stage:      StageUpgrade,
		Title:      "CapabilityUpgrade",
		AllowEmpty: true,
		Fields: []FieldSpec{
			{Name: "patch", Type: "string"},
			{Name: "notes", Type: "array<string>"},
		},
	}, func() Payload { return &CapabilityUpgrade{} }))

	must(r.Register(Schema{
		Stage: StagePlan,
		Title: "StepPlan",
		Fields: []FieldSpec{
			{Name: "steps", Type: "array<object{id,action,capability,depends_on,parallel,acceptance}>", Required: true, Description: "unique ids; depends_on refers to earlier steps"},
			{Name: "open_issues", Type: "array<string>"},
			{Name: "pending", Type: "map<field,object{justification,eta}>"},
		},
	}, func() Payload { return &StepPlan{} }))

	must(r.Register(Schema{
		Stage: StageExecution,
		Title: "ExecutionRecord",
		Fields: []FieldSpec{
			{Name: "records", Type: "array<object{step_id,status done|partial|skipped|failed,output,evidence}>", Required: true, Description: "at least one"},
			{Name: "summary", Type: "string", Required: true},
			{Name: "residual_risks", Type: "array<string>"},
			{Name: "pending", Type: "map<field,object{justification,eta}>"},
		},
	}, func() Payload { return &ExecutionRecord{} }))

	return r
}
