package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/types"
)

// =============================================================================
// 🚦 Gate Validator
// =============================================================================

// SectionSnapshot 闸门读取到的上游段落的不可变副本
type SectionSnapshot struct {
	Anchor          string                  `json:"anchor"`
	Stage           StageID                 `json:"stage"`
	Version         int64                   `json:"version"`
	Payload         json.RawMessage         `json:"payload"`
	Degraded        bool                    `json:"degraded"`
	DegradedReasons []string                `json:"degraded_reasons,omitempty"`
	Completeness    Completeness            `json:"completeness"`
	Pending         map[string]PendingField `json:"pending,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// GateDecision 闸门判定结果。
//
// Degraded 表示软闸门放行：上游部分字段 pending 或上游本身带降级标记。
// Blockers 是不可运行的原因。TargetVersion 是本阶段自身段落在判定时的版本，
// 提交时作为 CAS 期望版本。
type GateDecision struct {
	Stage           StageID                    `json:"stage"`
	Runnable        bool                       `json:"runnable"`
	Degraded        bool                       `json:"degraded"`
	Reasons         []string                   `json:"reasons,omitempty"`
	Blockers        []string                   `json:"blockers,omitempty"`
	Snapshot        map[string]SectionSnapshot `json:"snapshot,omitempty"`
	TargetVersion   int64                      `json:"target_version"`
	TargetCommitted bool                       `json:"target_committed"`
	EvaluatedAt     time.Time                  `json:"evaluated_at"`
}

// Versions 快照中各锚点的版本
func (d GateDecision) Versions() map[string]int64 {
	out := make(map[string]int64, len(d.Snapshot))
	for anchor, s := range d.Snapshot {
		out[anchor] = s.Version
	}
	return out
}

// Gate 判定阶段是否可以运行。每次判定都从存储重新读取
type Gate struct {
	graph    *Graph
	registry *Registry
	store    document.Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate 创建闸门
func NewGate(graph *Graph, registry *Registry, store document.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		graph:    graph,
		registry: registry,
		store:    store,
		logger:   logger.With(zap.String("component", "gate")),
		now:      time.Now,
	}
}

type gateRead struct {
	anchor   string
	snapshot *SectionSnapshot
	blocker  string
}

// IsRunnable 当且仅当每个依赖锚点存在、不是占位符并且通过 Schema 校验时可运行
func (g *Gate) IsRunnable(ctx context.Context, taskID string, stage StageID) (GateDecision, error) {
	node, ok := g.graph.Node(stage)
	if !ok {
		return GateDecision{}, types.Errorf(types.ErrInvalidRequest, "unknown stage %s", stage).WithHTTPStatus(400)
	}

	decision := GateDecision{
		Stage:    stage,
		Snapshot: make(map[string]SectionSnapshot, len(node.DependsOn)),
	}

	target, err := g.store.Read(ctx, taskID, node.Anchor)
	if err != nil {
		return GateDecision{}, fmt.Errorf("read target section %s: %w", node.Anchor, err)
	}
	decision.TargetVersion = target.Version
	decision.TargetCommitted = !target.Placeholder

	reads := make([]gateRead, len(node.DependsOn))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, dep := range node.DependsOn {
		eg.Go(func() error {
			r, err := g.readDependency(egCtx, taskID, dep)
			if err != nil {
				return err
			}
			reads[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return GateDecision{}, err
	}

	for _, r := range reads {
		if r.blocker != "" {
			decision.Blockers = append(decision.Blockers, r.blocker)
			continue
		}
		s := *r.snapshot
		decision.Snapshot[r.anchor] = s
		if s.Degraded {
			decision.addReason(fmt.Sprintf("%s built on degraded input", s.Anchor))
		}
		for _, field := range s.Completeness.PendingFields {
			decision.addReason(pendingReason(s.Anchor, field, s.Pending[field]))
		}
	}

	decision.Runnable = len(decision.Blockers) == 0
	decision.Degraded = decision.Runnable && len(decision.Reasons) > 0
	decision.EvaluatedAt = g.now()

	g.logger.Debug("gate evaluated",
		zap.String("task_id", taskID),
		zap.String("stage", string(stage)),
		zap.Bool("runnable", decision.Runnable),
		zap.Bool("degraded", decision.Degraded),
		zap.Strings("blockers", decision.Blockers),
	)
	return decision, nil
}

func (g *Gate) readDependency(ctx context.Context, taskID string, dep StageID) (gateRead, error) {
	anchor := g.graph.AnchorOf(dep)
	r := gateRead{anchor: anchor}

	section, err := g.store.Read(ctx, taskID, anchor)
	switch {
	case errors.Is(err, document.ErrNotFound):
		r.blocker = anchor + " does not exist"
		return r, nil
	case err != nil:
		return r, fmt.Errorf("read dependency %s: %w", anchor, err)
	}
	if section.Placeholder {
		r.blocker = anchor + " is a placeholder"
		return r, nil
	}

	payload, completeness, err := g.registry.Validate(dep, section.Payload)
	if err != nil {
		r.blocker = fmt.Sprintf("%s fails schema validation: %v", anchor, err)
		return r, nil
	}

	r.snapshot = &SectionSnapshot{
		Anchor:          anchor,
		Stage:           dep,
		Version:         section.Version,
		Payload:         section.Payload,
		Degraded:        section.Degraded,
		DegradedReasons: section.DegradedReasons,
		Completeness:    completeness,
		Pending:         payload.PendingNotes(),
		UpdatedAt:       section.UpdatedAt,
	}
	return r, nil
}

func (d *GateDecision) addReason(reason string) {
	if !slices.Contains(d.Reasons, reason) {
		d.Reasons = append(d.Reasons, reason)
	}
}

func pendingReason(anchor, field string, p PendingField) string {
	return fmt.Sprintf("%s.%s pending: %s (eta %s)", anchor, field, p.Justification, p.ETA)
}

// sortedAnchors 快照锚点的稳定顺序
func sortedAnchors(snapshot map[string]SectionSnapshot) []string {
	out := make([]string, 0, len(snapshot))
	for a := range snapshot {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
