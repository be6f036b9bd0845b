package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/knowledge"
	"github.com/BaSui01/stageflow/types"
)

// =============================================================================
// 🤝 Handoff Resolver
// =============================================================================

// ScopedContext 阶段可以读取的最小上游上下文。只包含声明过的字段，
// 内容全部是副本，不持有任何存储中的可变引用。
type ScopedContext struct {
	TaskID          string                                 `json:"task_id"`
	Stage           StageID                                `json:"stage"`
	Inputs          document.Inputs                        `json:"inputs"`
	Fields          map[StageID]map[string]json.RawMessage `json:"fields"`
	Versions        map[string]int64                       `json:"versions"`
	Degraded        bool                                   `json:"degraded"`
	DegradedReasons []string                               `json:"degraded_reasons,omitempty"`
	Knowledge       []knowledge.Entry                      `json:"knowledge,omitempty"`
}

// Field 读取交接字段
func (sc *ScopedContext) Field(from StageID, name string) (json.RawMessage, bool) {
	fields, ok := sc.Fields[from]
	if !ok {
		return nil, false
	}
	raw, ok := fields[name]
	return raw, ok
}

// Decode 把交接字段解码到 dest
func (sc *ScopedContext) Decode(from StageID, name string, dest any) error {
	raw, ok := sc.Field(from, name)
	if !ok {
		return fmt.Errorf("field %s.%s not handed off", from, name)
	}
	return json.Unmarshal(raw, dest)
}

// MarkDegraded 标记降级并记录原因（去重）
func (sc *ScopedContext) MarkDegraded(reason string) {
	sc.Degraded = true
	if !slices.Contains(sc.DegradedReasons, reason) {
		sc.DegradedReasons = append(sc.DegradedReasons, reason)
	}
}

// HandoffResolver 按阶段声明从闸门快照中抽取字段
type HandoffResolver struct {
	graph  *Graph
	logger *zap.Logger
}

// NewHandoffResolver 创建交接解析器
func NewHandoffResolver(graph *Graph, logger *zap.Logger) *HandoffResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandoffResolver{
		graph:  graph,
		logger: logger.With(zap.String("component", "handoff")),
	}
}

// Resolve 只从 decision 的快照构建上下文，不再读取存储。
// 声明字段在上游载荷中不存在时返回 MISSING_HANDOFF_FIELD；
// pending 字段以 null 交接并把上下文标记为降级。
func (h *HandoffResolver) Resolve(doc *document.Document, decision GateDecision) (*ScopedContext, error) {
	node, ok := h.graph.Node(decision.Stage)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown stage %s", decision.Stage).WithHTTPStatus(400)
	}

	sc := &ScopedContext{
		TaskID:   doc.TaskID,
		Stage:    node.ID,
		Inputs:   doc.Clone().Inputs,
		Fields:   make(map[StageID]map[string]json.RawMessage, len(node.Handoff)),
		Versions: decision.Versions(),
	}
	for _, reason := range decision.Reasons {
		sc.MarkDegraded(reason)
	}

	var missing []string
	for _, rule := range node.Handoff {
		anchor := h.graph.AnchorOf(rule.From)
		snap, ok := decision.Snapshot[anchor]
		if !ok {
			missing = append(missing, fmt.Sprintf("%s (no snapshot)", anchor))
			continue
		}

		var upstream map[string]json.RawMessage
		if err := json.Unmarshal(snap.Payload, &upstream); err != nil {
			return nil, missingHandoff(node.ID, fmt.Sprintf("%s payload is not an object", anchor)).WithCause(err)
		}

		fields := make(map[string]json.RawMessage, len(rule.Fields))
		for _, name := range rule.Fields {
			if p, pending := snap.Pending[name]; pending && slices.Contains(snap.Completeness.PendingFields, name) {
				fields[name] = json.RawMessage("null")
				sc.MarkDegraded(pendingReason(anchor, name, p))
				continue
			}
			raw, present := upstream[name]
			if !present {
				missing = append(missing, anchor+"."+name)
				continue
			}
			fields[name] = append(json.RawMessage(nil), raw...)
		}
		sc.Fields[rule.From] = fields
	}

	if len(missing) > 0 {
		h.logger.Warn("handoff field missing",
			zap.String("task_id", doc.TaskID),
			zap.String("stage", string(node.ID)),
			zap.Strings("missing", missing),
		)
		return nil, missingHandoff(node.ID, strings.Join(missing, ", "))
	}
	return sc, nil
}

func missingHandoff(stage StageID, what string) *types.Error {
	return types.Errorf(types.ErrMissingHandoffField, "%s cannot consume %s", stage, what).
		WithStage(string(stage)).
		WithHTTPStatus(422).
		WithRetryable(true)
}

func isNullJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || string(t) == "null"
}
