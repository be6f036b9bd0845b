package api

import (
	"time"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 任务请求类型
// =============================================================================

// StartTaskRequest 创建并启动一个任务。
// @Description 任务启动请求结构
type StartTaskRequest struct {
	// 任务 ID，留空时自动生成
	TaskID string `json:"task_id,omitempty" example:"checkout-latency"`
	// 任务目标
	Objective string `json:"objective" example:"Reduce checkout latency below 200ms" binding:"required"`
	// 上下文快照
	Context string `json:"context,omitempty"`
	// 候选策略数量上限，至少为 2
	CandidateLimit int `json:"candidate_limit,omitempty" example:"3"`
	// 可用工具目录
	ToolCatalog []string `json:"tool_catalog,omitempty"`
	// 为 true 时同步等待编排结束
	Wait bool `json:"wait,omitempty"`
}

// ToStartRequest 转换为引擎请求
func (r StartTaskRequest) ToStartRequest() workflow.StartRequest {
	return workflow.StartRequest{
		TaskID:         r.TaskID,
		Objective:      r.Objective,
		Context:        r.Context,
		CandidateLimit: r.CandidateLimit,
		ToolCatalog:    r.ToolCatalog,
	}
}

// RetryTaskRequest 显式重试某个阶段。
// @Description 阶段重试请求结构
type RetryTaskRequest struct {
	// 阶段 ID
	Stage string `json:"stage" example:"stage2b" binding:"required"`
	// 为 true 时同步等待编排结束
	Wait bool `json:"wait,omitempty"`
}

// =============================================================================
// 任务响应类型
// =============================================================================

// TaskResponse 任务概要。
// @Description 任务概要结构
type TaskResponse struct {
	TaskID       string          `json:"task_id"`
	Status       document.Status `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	Inputs       document.Inputs `json:"inputs"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewTaskResponse 从文档头构建任务概要
func NewTaskResponse(doc *document.Document) TaskResponse {
	return TaskResponse{
		TaskID:       doc.TaskID,
		Status:       doc.Status,
		StatusReason: doc.StatusReason,
		Inputs:       doc.Inputs,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// TaskListResponse 任务列表。
// @Description 任务列表结构
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// OutcomeResponse 一次同步编排的结果。
// @Description 编排结果结构
type OutcomeResponse struct {
	TaskID   string                 `json:"task_id"`
	Status   document.Status        `json:"status"`
	Reason   string                 `json:"reason,omitempty"`
	ExitCode int                    `json:"exit_code"`
	Error    string                 `json:"error,omitempty"`
	Report   *workflow.StatusReport `json:"report,omitempty"`
}

// NewOutcomeResponse 汇总编排结果与当前状态表
func NewOutcomeResponse(out *workflow.Outcome, report *workflow.StatusReport) OutcomeResponse {
	resp := OutcomeResponse{
		TaskID:   out.TaskID,
		Status:   out.Status,
		Reason:   out.Reason,
		ExitCode: workflow.ExitCode(out, nil),
		Report:   report,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// AcceptedResponse 后台启动的任务。
// @Description 异步受理结构
type AcceptedResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status" example:"accepted"`
	StatusURL string `json:"status_url" example:"/api/v1/tasks/checkout-latency"`
}
