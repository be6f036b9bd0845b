package document

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport_Markdown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestDocument("exp")))

	req := write("STAGE1_ANALYSIS", "stage1", `{"analysis":"done"}`, 0)
	req.Degraded = true
	req.DegradedReasons = []string{"knowledge insufficient: capabilities"}
	_, err := s.Write(ctx, "exp", req)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, s, "exp", &buf))
	out := buf.String()

	assert.Contains(t, out, "# 协作表单：ship the release")
	assert.Contains(t, out, "## 索引")
	assert.Contains(t, out, "- 阶段一: `STAGE1_ANALYSIS` (v1, degraded)")
	assert.Contains(t, out, "- 阶段三: `STAGE3_PLAN` (TBD)")
	assert.Contains(t, out, "> degraded: knowledge insufficient: capabilities")

	start := strings.Index(out, "<!-- STAGE1_ANALYSIS_START -->")
	end := strings.Index(out, "<!-- STAGE1_ANALYSIS_END -->")
	require.True(t, start >= 0 && end > start)
	assert.Contains(t, out[start:end], `"analysis": "done"`)

	start = strings.Index(out, "<!-- STAGE3_PLAN_START -->")
	end = strings.Index(out, "<!-- STAGE3_PLAN_END -->")
	require.True(t, start >= 0 && end > start)
	assert.Contains(t, out[start:end], PlaceholderText)

	// Index comes before the first stage section.
	assert.Less(t, strings.Index(out, "## 索引"), strings.Index(out, "## 阶段一"))
}

func TestExport_Missing(t *testing.T) {
	var buf bytes.Buffer
	err := Export(context.Background(), NewMemoryStore(), "nope", &buf)
	assert.ErrorIs(t, err, ErrNotFound)
}
