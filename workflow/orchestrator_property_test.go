package workflow_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/workflow"
)

// 任意失败脚本下：未达上限时文档完成，每个阶段恰好提交一次，
// 拒绝次数等于注入的失败次数，下游总在上游提交之后开始
func TestProperty_FailuresBelowCeilingStillComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("stages commit once and in dependency order", prop.ForAll(
		func(failures []int) bool {
			h := newHarness(t, testOptions())
			stages := h.graph.Topological()
			failuresOf := func(i int) int {
				if i < len(failures) {
					return failures[i]
				}
				return 0
			}
			for i, id := range stages {
				h.exec.FailTimes(id, failuresOf(i), nil)
			}

			taskID := fmt.Sprintf("prop-%v", failures)
			_, out, err := h.engine.Start(context.Background(), workflow.StartRequest{TaskID: taskID, Objective: "x"})
			if err != nil || out.Status != document.StatusCompleted {
				t.Logf("failures=%v status=%v err=%v", failures, out, err)
				return false
			}

			runs, err := h.store.ListRuns(context.Background(), taskID)
			if err != nil {
				return false
			}
			committed := make(map[string]*document.StageRun)
			rejected := make(map[string]int)
			for _, r := range runs {
				switch r.State {
				case document.RunCommitted:
					if committed[r.Stage] != nil {
						return false
					}
					committed[r.Stage] = r
				case document.RunRejected:
					rejected[r.Stage]++
				}
			}
			for i, id := range stages {
				if rejected[string(id)] != failuresOf(i) {
					return false
				}
				run := committed[string(id)]
				if run == nil {
					return false
				}
				for _, dep := range h.graph.DependsOn(id) {
					if !run.StartedAt.After(*committed[string(dep)].EndedAt) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

// 任意阶段失败达到上限时文档阻塞，且该阶段的下游从未被调用
func TestProperty_CeilingBlocksExactly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("the failing stage is invoked exactly ceiling times", prop.ForAll(
		func(index, ceiling int) bool {
			opts := testOptions()
			opts.Retry.Ceiling = ceiling
			h := newHarness(t, opts)
			stages := h.graph.Topological()
			failing := stages[index]
			h.exec.FailTimes(failing, ceiling+5, nil)

			taskID := fmt.Sprintf("ceiling-%d-%d", index, ceiling)
			_, out, err := h.engine.Start(context.Background(), workflow.StartRequest{TaskID: taskID, Objective: "x"})
			if err != nil || out.Status != document.StatusBlocked {
				return false
			}
			if h.exec.CallCount(failing) != ceiling {
				return false
			}
			for _, id := range stages {
				if h.graph.IsAncestor(failing, id) && h.exec.CallCount(id) != 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 5),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
