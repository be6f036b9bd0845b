package handlers

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/api"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 📋 Task Handler
// =============================================================================

// TaskHandler 任务启动、状态、重试、取消与文档读取
type TaskHandler struct {
	engine *workflow.Engine
	store  document.Store
	logger *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(engine *workflow.Engine, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		engine: engine,
		store:  engine.Store(),
		logger: logger.With(zap.String("component", "task_handler")),
	}
}

// Register 注册任务路由；wrap 为空时直接注册
func (h *TaskHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("POST /api/v1/tasks", wrap(h.HandleStart))
	mux.HandleFunc("GET /api/v1/tasks", wrap(h.HandleList))
	mux.HandleFunc("GET /api/v1/tasks/{id}", wrap(h.HandleStatus))
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", wrap(h.HandleRetry))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", wrap(h.HandleCancel))
	mux.HandleFunc("GET /api/v1/tasks/{id}/sections/{anchor}", wrap(h.HandleSection))
	mux.HandleFunc("GET /api/v1/tasks/{id}/audit", wrap(h.HandleAudit))
	mux.HandleFunc("GET /api/v1/tasks/{id}/document", wrap(h.HandleDocument))
}

// HandleStart 创建任务；wait=true 时同步运行到结束，否则后台运行并返回 202
// @Summary 启动任务
// @Tags task
// @Accept json
// @Produce json
// @Param request body api.StartTaskRequest true "启动参数"
// @Success 200 {object} Response{data=api.OutcomeResponse} "同步运行结果"
// @Success 202 {object} Response{data=api.AcceptedResponse} "已受理"
// @Failure 400 {object} Response "参数错误"
// @Failure 409 {object} Response "任务已存在"
// @Security ApiKeyAuth
// @Router /api/v1/tasks [post]
func (h *TaskHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StartTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Wait {
		doc, out, err := h.engine.Start(r.Context(), req.ToStartRequest())
		if err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
		h.writeOutcome(w, r, doc.TaskID, out)
		return
	}

	doc, err := h.engine.Launch(r.Context(), req.ToStartRequest())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, accepted(doc.TaskID))
}

// HandleList 列出任务，支持 status（逗号分隔）、limit、offset 查询参数
// @Summary 任务列表
// @Tags task
// @Produce json
// @Success 200 {object} Response{data=api.TaskListResponse} "任务列表"
// @Security ApiKeyAuth
// @Router /api/v1/tasks [get]
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter document.ListFilter
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := document.Status(strings.TrimSpace(s))
			if !validStatus(status) {
				WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown status "+string(status), h.logger)
				return
			}
			filter.Status = append(filter.Status, status)
		}
	}
	var ok bool
	if filter.Limit, ok = intParam(q.Get("limit")); !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a non-negative integer", h.logger)
		return
	}
	if filter.Offset, ok = intParam(q.Get("offset")); !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "offset must be a non-negative integer", h.logger)
		return
	}

	docs, err := h.engine.List(r.Context(), filter)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	resp := api.TaskListResponse{
		Tasks:  make([]api.TaskResponse, 0, len(docs)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, doc := range docs {
		resp.Tasks = append(resp.Tasks, api.NewTaskResponse(doc))
	}
	WriteSuccess(w, resp)
}

// HandleStatus 文档状态与每阶段状态表
// @Summary 任务状态
// @Tags task
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=workflow.StatusReport} "状态表"
// @Failure 404 {object} Response "任务不存在"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id} [get]
func (h *TaskHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	report, err := h.engine.Status(r.Context(), taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, report)
}

// HandleRetry 显式重试某个阶段
// @Summary 重试阶段
// @Tags task
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Param request body api.RetryTaskRequest true "重试参数"
// @Success 200 {object} Response{data=api.OutcomeResponse} "同步运行结果"
// @Success 202 {object} Response{data=api.AcceptedResponse} "已受理"
// @Failure 409 {object} Response "状态不允许重试"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id}/retry [post]
func (h *TaskHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.RetryTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Stage) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "stage is required", h.logger)
		return
	}
	stage := workflow.StageID(req.Stage)

	if req.Wait {
		out, err := h.engine.Retry(r.Context(), taskID, stage)
		if err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
		h.writeOutcome(w, r, taskID, out)
		return
	}

	if err := h.engine.RetryAsync(r.Context(), taskID, stage); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, accepted(taskID))
}

// HandleCancel 取消任务；已取消的任务再次取消是幂等的
// @Summary 取消任务
// @Tags task
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=api.TaskResponse} "已取消"
// @Failure 409 {object} Response "任务已完成"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id}/cancel [post]
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), taskID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	doc, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewTaskResponse(doc))
}

// HandleSection 读取单个段落
// @Summary 读取段落
// @Tags document
// @Produce json
// @Param id path string true "Task ID"
// @Param anchor path string true "Anchor"
// @Success 200 {object} Response{data=document.Section} "段落"
// @Failure 404 {object} Response "不存在"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id}/sections/{anchor} [get]
func (h *TaskHandler) HandleSection(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	anchor := r.PathValue("anchor")
	if anchor == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "anchor is required", h.logger)
		return
	}
	section, err := h.store.Read(r.Context(), taskID, anchor)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, section)
}

// HandleAudit 审计记录，可用 anchor 查询参数过滤
// @Summary 审计记录
// @Tags document
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=[]document.AuditRecord} "审计记录"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id}/audit [get]
func (h *TaskHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), taskID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	records, err := h.store.Audit(r.Context(), taskID, r.URL.Query().Get("anchor"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*document.AuditRecord{}
	}
	WriteSuccess(w, records)
}

// HandleDocument 导出 Markdown 文档
// @Summary 导出文档
// @Tags document
// @Produce text/markdown
// @Param id path string true "Task ID"
// @Success 200 {string} string "Markdown"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{id}/document [get]
func (h *TaskHandler) HandleDocument(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := document.Export(r.Context(), h.store, taskID, &buf); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return "", false
	}
	return id, true
}

func (h *TaskHandler) writeOutcome(w http.ResponseWriter, r *http.Request, taskID string, out *workflow.Outcome) {
	report, err := h.engine.Status(r.Context(), taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if out == nil {
		out = &workflow.Outcome{TaskID: taskID, Status: report.Status, Reason: report.StatusReason}
	}
	WriteSuccess(w, api.NewOutcomeResponse(out, report))
}

func accepted(taskID string) api.AcceptedResponse {
	return api.AcceptedResponse{
		TaskID:    taskID,
		Status:    "accepted",
		StatusURL: "/api/v1/tasks/" + taskID,
	}
}

func validStatus(s document.Status) bool {
	switch s {
	case document.StatusPending, document.StatusInProgress, document.StatusCompleted,
		document.StatusBlocked, document.StatusCancelled:
		return true
	}
	return false
}

func intParam(raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
