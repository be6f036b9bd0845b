package workflow

import (
	"time"

	"github.com/BaSui01/stageflow/document"
)

// StageState 对外展示的阶段状态
type StageState string

const (
	StageNotStarted StageState = "not-started"
	StageRunning    StageState = "running"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
	StageSkipped    StageState = "skipped"
)

// StageStatus 状态表中的一行
type StageStatus struct {
	Stage           StageID               `json:"stage"`
	Anchor          string                `json:"anchor"`
	Title           string                `json:"title,omitempty"`
	State           StageState            `json:"state"`
	Attempts        int                   `json:"attempts"`
	Window          int                   `json:"window"`
	WindowRejected  int                   `json:"window_rejected"`
	LastReason      document.RejectReason `json:"last_reason,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	Degraded        bool                  `json:"degraded"`
	DegradedReasons []string              `json:"degraded_reasons,omitempty"`
	Version         int64                 `json:"version"`
	UpdatedAt       *time.Time            `json:"updated_at,omitempty"`
}

// StatusReport 文档状态 + 每阶段状态表
type StatusReport struct {
	TaskID       string          `json:"task_id"`
	Status       document.Status `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	Stages       []StageStatus   `json:"stages"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Complete 所有阶段都已完成
func (r *StatusReport) Complete() bool {
	return r.Status == document.StatusCompleted
}

// Trustworthy 已完成且没有任何阶段建立在不完整的上游输入之上
func (r *StatusReport) Trustworthy() bool {
	if !r.Complete() {
		return false
	}
	for _, s := range r.Stages {
		if s.Degraded {
			return false
		}
	}
	return true
}

// Stage 查找某个阶段的状态行
func (r *StatusReport) Stage(id StageID) (StageStatus, bool) {
	for _, s := range r.Stages {
		if s.Stage == id {
			return s, true
		}
	}
	return StageStatus{}, false
}

// BuildStatus 由文档、段落与运行记录推导状态表。
//
//	completed   段落已提交（非占位符）
//	running     存在未结束的运行
//	failed      最近一次运行被拒绝
//	skipped     文档已取消或阻塞，阶段从未成功
//	not-started 其余情况
func BuildStatus(g *Graph, doc *document.Document, sections []*document.Section, runs []*document.StageRun) *StatusReport {
	byAnchor := make(map[string]*document.Section, len(sections))
	for _, s := range sections {
		byAnchor[s.Anchor] = s
	}
	byStage := make(map[StageID][]*document.StageRun)
	for _, r := range runs {
		byStage[StageID(r.Stage)] = append(byStage[StageID(r.Stage)], r)
	}

	report := &StatusReport{
		TaskID:       doc.TaskID,
		Status:       doc.Status,
		StatusReason: doc.StatusReason,
		UpdatedAt:    doc.UpdatedAt,
	}
	halted := doc.Status == document.StatusCancelled || doc.Status == document.StatusBlocked

	for _, node := range g.Nodes() {
		row := StageStatus{
			Stage:    node.ID,
			Anchor:   node.Anchor,
			Title:    node.Title,
			State:    StageNotStarted,
			Attempts: len(byStage[node.ID]),
		}
		stageRuns := byStage[node.ID]
		row.Window = currentWindow(stageRuns)
		row.WindowRejected = rejectionsInWindow(stageRuns, row.Window)

		var last *document.StageRun
		if n := len(stageRuns); n > 0 {
			last = stageRuns[n-1]
			row.LastReason = last.Reason
			row.LastError = last.Error
		}

		section := byAnchor[node.Anchor]
		switch {
		case section != nil && !section.Placeholder:
			row.State = StageCompleted
		case last != nil && last.State == document.RunRejected:
			row.State = StageFailed
		case halted:
			row.State = StageSkipped
		}
		// 已提交阶段被重新提交时也显示为 running
		if last != nil && !last.Finished() && !halted {
			row.State = StageRunning
		}

		if section != nil {
			row.Version = section.Version
			row.Degraded = section.Degraded
			row.DegradedReasons = append([]string(nil), section.DegradedReasons...)
			if !section.Placeholder {
				at := section.UpdatedAt
				row.UpdatedAt = &at
			}
		}
		report.Stages = append(report.Stages, row)
	}
	return report
}

// currentWindow 运行记录中最大的窗口编号
func currentWindow(runs []*document.StageRun) int {
	w := 0
	for _, r := range runs {
		if r.Window > w {
			w = r.Window
		}
	}
	return w
}

// rejectionsInWindow 当前窗口内被拒绝的次数
func rejectionsInWindow(runs []*document.StageRun, window int) int {
	n := 0
	for _, r := range runs {
		if r.Window == window && r.State == document.RunRejected {
			n++
		}
	}
	return n
}
