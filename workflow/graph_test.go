package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGraph_Topology(t *testing.T) {
	g := DefaultGraph()

	assert.Equal(t, []StageID{StageMeta, StageCandidates, StageSelection, StageUpgrade, StagePlan, StageExecution}, g.Topological())
	assert.ElementsMatch(t, []StageID{StageUpgrade, StageExecution}, g.Terminals())
	assert.Equal(t, AnchorPlan, g.AnchorOf(StagePlan))

	id, ok := g.StageOfAnchor(AnchorSelection)
	require.True(t, ok)
	assert.Equal(t, StageSelection, id)

	assert.True(t, g.IsAncestor(StageMeta, StageExecution))
	assert.True(t, g.IsAncestor(StageCandidates, StagePlan), "ancestry is transitive")
	assert.False(t, g.IsAncestor(StageExecution, StageMeta))

	assert.True(t, g.Independent(StageUpgrade, StagePlan))
	assert.True(t, g.Independent(StageUpgrade, StageExecution))
	assert.False(t, g.Independent(StagePlan, StageExecution))
	assert.False(t, g.Independent(StageMeta, StageMeta))
}

func TestDefaultGraph_Anchors(t *testing.T) {
	anchors := DefaultGraph().Anchors()
	require.Len(t, anchors, 6)
	assert.Equal(t, AnchorMeta, anchors[0].Name)
	assert.Equal(t, string(StageMeta), anchors[0].Stage)
	assert.Equal(t, AnchorExecution, anchors[5].Name)
}

func TestGraph_NodesAreCopies(t *testing.T) {
	g := DefaultGraph()
	node, ok := g.Node(StagePlan)
	require.True(t, ok)

	node.DependsOn[0] = "tampered"
	node.Handoff[0].Fields[0] = "tampered"

	again, _ := g.Node(StagePlan)
	assert.Equal(t, StageMeta, again.DependsOn[0])
	assert.Equal(t, "objective", again.Handoff[0].Fields[0])
}

func TestGraphBuilder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (*Graph, error)
		wantErr string
	}{
		{
			name:    "empty graph",
			build:   func() (*Graph, error) { return NewGraphBuilder("g").Build() },
			wantErr: "no stages",
		},
		{
			name: "missing anchor",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").AddStage("a", "").Done().Build()
			},
			wantErr: "anchor is required",
		},
		{
			name: "duplicate stage",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").
					AddStage("a", "A").Done().
					AddStage("a", "B").Done().
					Build()
			},
			wantErr: "duplicate stage id",
		},
		{
			name: "shared anchor",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").
					AddStage("a", "A").Done().
					AddStage("b", "A").Done().
					Build()
			},
			wantErr: "anchor A is used by both",
		},
		{
			name: "unknown dependency",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").AddStage("a", "A").DependsOn("ghost").Done().Build()
			},
			wantErr: "non-existent stage",
		},
		{
			name: "handoff from non dependency",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").
					AddStage("a", "A").Done().
					AddStage("b", "B").WithHandoff("a", "x").Done().
					Build()
			},
			wantErr: "not a declared dependency",
		},
		{
			name: "handoff without fields",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").
					AddStage("a", "A").Done().
					AddStage("b", "B").DependsOn("a").WithHandoff("a").Done().
					Build()
			},
			wantErr: "declares no fields",
		},
		{
			name: "cycle",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").
					AddStage("a", "A").DependsOn("b").Done().
					AddStage("b", "B").DependsOn("a").Done().
					Build()
			},
			wantErr: "cycle detected",
		},
		{
			name: "incomplete knowledge reference",
			build: func() (*Graph, error) {
				return NewGraphBuilder("g").AddStage("a", "A").WithKnowledge("lib", "").Done().Build()
			},
			wantErr: "knowledge reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGraphBuilder_TopologicalOrderIsStable(t *testing.T) {
	g, err := NewGraphBuilder("diamond").
		AddStage("d", "D").DependsOn("b", "c").Done().
		AddStage("c", "C").DependsOn("a").Done().
		AddStage("b", "B").DependsOn("a").Done().
		AddStage("a", "A").Done().
		Build()
	require.NoError(t, err)

	assert.Equal(t, []StageID{"a", "c", "b", "d"}, g.Topological())
	assert.Equal(t, []StageID{"d"}, g.Terminals())
	assert.True(t, g.Independent("b", "c"))
}

func TestGraphDefinition_RoundTrip(t *testing.T) {
	def := DefaultGraph().Definition()

	t.Run("json", func(t *testing.T) {
		data, err := def.ToJSON()
		require.NoError(t, err)

		g, err := GraphFromJSON([]byte(data), nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultGraph().Topological(), g.Topological())
		assert.Equal(t, def, g.Definition())
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := def.ToYAML()
		require.NoError(t, err)

		g, err := GraphFromYAML([]byte(data), nil)
		require.NoError(t, err)
		assert.Equal(t, def, g.Definition())
	})
}

func TestLoadGraphFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	content := `name: two-step
stages:
  - id: draft
    anchor: DRAFT
  - id: review
    anchor: REVIEW
    depends_on: [draft]
    handoff:
      - from: draft
        fields: [text]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	g, err := LoadGraphFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "two-step", g.Name())
	assert.Equal(t, []StageID{"draft", "review"}, g.Topological())

	node, ok := g.Node("review")
	require.True(t, ok)
	assert.Equal(t, []HandoffRule{{From: "draft", Fields: []string{"text"}}}, node.Handoff)

	_, err = LoadGraphFile(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}
