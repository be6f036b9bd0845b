package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/testutil/fixtures"
)

// --- 测试辅助 ---

func newTestDoc(t *testing.T, store document.Store, g *Graph, taskID string) *document.Document {
	t.Helper()
	doc := &document.Document{
		TaskID:  taskID,
		Inputs:  document.Inputs{Objective: "Reduce checkout latency below 200ms", CandidateLimit: 3},
		Status:  document.StatusPending,
		Anchors: g.Anchors(),
	}
	require.NoError(t, store.Create(context.Background(), doc))
	got, err := store.Get(context.Background(), taskID)
	require.NoError(t, err)
	return got
}

func commitSection(t *testing.T, store document.Store, g *Graph, taskID string, stage StageID, payload string) *document.Section {
	t.Helper()
	ctx := context.Background()
	anchor := g.AnchorOf(stage)
	current, err := store.Read(ctx, taskID, anchor)
	require.NoError(t, err)
	wr, err := store.Write(ctx, taskID, document.WriteRequest{
		Anchor:          anchor,
		Stage:           string(stage),
		Payload:         json.RawMessage(payload),
		ExpectedVersion: current.Version,
		Writer:          "test",
	})
	require.NoError(t, err)
	return wr.Section
}

// --- Gate ---

func TestGate_PlaceholderBlocksUntilCommitted(t *testing.T) {
	ctx := context.Background()
	g := DefaultGraph()
	store := document.NewMemoryStore()
	newTestDoc(t, store, g, "t1")
	gate := NewGate(g, DefaultRegistry(), store, nil)

	d, err := gate.IsRunnable(ctx, "t1", StageMeta)
	require.NoError(t, err)
	assert.True(t, d.Runnable, "stage1 has no dependencies")
	assert.False(t, d.TargetCommitted)
	assert.Equal(t, int64(0), d.TargetVersion)

	d, err = gate.IsRunnable(ctx, "t1", StageCandidates)
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	assert.Equal(t, []string{AnchorMeta + " is a placeholder"}, d.Blockers)

	commitSection(t, store, g, "t1", StageMeta, fixtures.MetaAnalysisJSON)

	d, err = gate.IsRunnable(ctx, "t1", StageCandidates)
	require.NoError(t, err)
	assert.True(t, d.Runnable)
	assert.False(t, d.Degraded)
	assert.Empty(t, d.Reasons)
	require.Contains(t, d.Snapshot, AnchorMeta)
	assert.Equal(t, int64(1), d.Snapshot[AnchorMeta].Version)
	assert.Equal(t, map[string]int64{AnchorMeta: 1}, d.Versions())
}

func TestGate_ReportsEveryBlocker(t *testing.T) {
	g := DefaultGraph()
	store := document.NewMemoryStore()
	newTestDoc(t, store, g, "t1")
	commitSection(t, store, g, "t1", StageMeta, fixtures.MetaAnalysisJSON)

	d, err := NewGate(g, DefaultRegistry(), store, nil).IsRunnable(context.Background(), "t1", StageExecution)
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	assert.ElementsMatch(t, []string{
		AnchorSelection + " is a placeholder",
		AnchorPlan + " is a placeholder",
	}, d.Blockers)
}

func TestGate_MissingAnchor(t *testing.T) {
	g := DefaultGraph()
	store := document.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &document.Document{
		TaskID:  "partial",
		Anchors: []document.Anchor{{Name: AnchorCandidates, Stage: string(StageCandidates)}},
	}))

	d, err := NewGate(g, DefaultRegistry(), store, nil).IsRunnable(context.Background(), "partial", StageCandidates)
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	assert.Equal(t, []string{AnchorMeta + " does not exist"}, d.Blockers)
}

func TestGate_InvalidUpstreamBlocks(t *testing.T) {
	g := DefaultGraph()
	// 没有校验器的存储可以写入不合法内容
	store := document.NewMemoryStore()
	newTestDoc(t, store, g, "t1")
	commitSection(t, store, g, "t1", StageMeta, `{"objective":"only"}`)

	d, err := NewGate(g, DefaultRegistry(), store, nil).IsRunnable(context.Background(), "t1", StageCandidates)
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	require.Len(t, d.Blockers, 1)
	assert.Contains(t, d.Blockers[0], "fails schema validation")
}

func TestGate_SoftGateDegrades(t *testing.T) {
	g := DefaultGraph()
	store := document.NewMemoryStore()
	newTestDoc(t, store, g, "t1")
	commitSection(t, store, g, "t1", StageMeta, fixtures.PendingMetaAnalysisJSON)

	d, err := NewGate(g, DefaultRegistry(), store, nil).IsRunnable(context.Background(), "t1", StageCandidates)
	require.NoError(t, err)
	assert.True(t, d.Runnable)
	assert.True(t, d.Degraded)
	assert.Equal(t, []string{AnchorMeta + ".analysis pending: waiting for production traces (eta 2 days)"}, d.Reasons)
	assert.Equal(t, []string{"analysis"}, d.Snapshot[AnchorMeta].Completeness.PendingFields)
}

func TestGate_DegradedUpstreamPropagates(t *testing.T) {
	ctx := context.Background()
	g := DefaultGraph()
	store := document.NewMemoryStore()
	newTestDoc(t, store, g, "t1")
	commitSection(t, store, g, "t1", StageMeta, fixtures.MetaAnalysisJSON)

	current, err := store.Read(ctx, "t1", AnchorCandidates)
	require.NoError(t, err)
	_, err = store.Write(ctx, "t1", document.WriteRequest{
		Anchor:          AnchorCandidates,
		Stage:           string(StageCandidates),
		Payload:         json.RawMessage(fixtures.CandidateSheetJSON),
		Degraded:        true,
		DegradedReasons: []string{"knowledge insufficient: strategies"},
		ExpectedVersion: current.Version,
		Writer:          "test",
	})
	require.NoError(t, err)

	d, err := NewGate(g, DefaultRegistry(), store, nil).IsRunnable(ctx, "t1", StageSelection)
	require.NoError(t, err)
	assert.True(t, d.Runnable)
	assert.True(t, d.Degraded)
	assert.Contains(t, d.Reasons, AnchorCandidates+" built on degraded input")
}

func TestGate_UnknownStage(t *testing.T) {
	_, err := NewGate(DefaultGraph(), DefaultRegistry(), document.NewMemoryStore(), nil).
		IsRunnable(context.Background(), "t1", "ghost")
	assert.Error(t, err)
}

// 任意已提交子集下：阶段可运行 ⟺ 其全部依赖都已提交
func TestProperty_GateRunnableIffDependenciesCommitted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 64
	properties := gopter.NewProperties(parameters)

	g := DefaultGraph()
	stages := g.Topological()
	payloads := fixtures.ValidPayloads()
	run := 0

	properties.Property("runnable iff all dependencies committed", prop.ForAll(
		func(mask []bool) bool {
			ctx := context.Background()
			run++
			taskID := fmt.Sprintf("prop-%d", run)
			store := document.NewMemoryStore()
			newTestDoc(t, store, g, taskID)

			committed := make(map[StageID]bool)
			for i, id := range stages {
				if mask[i] {
					commitSection(t, store, g, taskID, id, string(payloads[string(id)]))
					committed[id] = true
				}
			}

			gate := NewGate(g, DefaultRegistry(), store, nil)
			for _, id := range stages {
				d, err := gate.IsRunnable(ctx, taskID, id)
				if err != nil {
					return false
				}
				want := true
				for _, dep := range g.DependsOn(id) {
					want = want && committed[dep]
				}
				if d.Runnable != want || d.TargetCommitted != committed[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(len(stages), gen.Bool()),
	))

	properties.TestingRun(t)
}
