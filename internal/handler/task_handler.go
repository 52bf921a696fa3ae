package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/task"
)

// maxTaskBodyBytes はタスク作成・更新のリクエストボディ上限。
const maxTaskBodyBytes = 16 << 10

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
// 作成・更新・削除はコミット後にリアルタイム通知を行う。
type TaskServiceInterface interface {
	List(ctx context.Context, ownerID string) ([]task.View, error)
	Get(ctx context.Context, ownerID, taskID string) (*task.View, error)
	Create(ctx context.Context, ownerID string, in task.CreateInput) (*task.View, error)
	Update(ctx context.Context, ownerID, taskID string, upd model.TaskUpdate) (*task.View, error)
	Delete(ctx context.Context, ownerID, taskID string) error
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{
		service: service,
	}
}

// createTaskRequest はタスク作成リクエストのボディ。
type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// updateTaskRequest はタスク部分更新リクエストのボディ。
// 省略されたフィールドは変更しない。
type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

// ListTasks はタスク一覧を返す。
// GET /tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	views, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if views == nil {
		views = []task.View{}
	}

	writeJSON(w, http.StatusOK, views)
}

// CreateTask はタスクを作成する。
// POST /tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxTaskBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	view, err := h.service.Create(r.Context(), userID, task.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// GetTask はタスクを1件返す。
// GET /tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskRequestIDs(w, r)
	if !ok {
		return
	}

	view, err := h.service.Get(r.Context(), userID, taskID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// UpdateTask はタスクを部分更新する。
// PUT /tasks/{id}
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskRequestIDs(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxTaskBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	view, err := h.service.Update(r.Context(), userID, taskID, model.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// DeleteTask はタスクを削除する。
// DELETE /tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskRequestIDs(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, taskID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// taskRequestIDs はコンテキストのユーザーIDとURLのタスクIDを取り出す。
// UUIDとして解釈できないタスクIDは存在しないタスクとして扱う。
func taskRequestIDs(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return "", "", false
	}

	taskID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(taskID); err != nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTaskNotFoundError(taskID))
		return "", "", false
	}
	return userID, taskID, true
}
