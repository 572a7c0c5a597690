// Package adminapi is the administrative HTTP surface spec §9 implies an
// operator needs alongside the wire protocol: health/readiness/metrics
// endpoints plus task search, tag update, and cancellation, fronted by a
// gin router and bearer-token auth over the server's pre-shared secret.
package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
)

const (
	errInternalServer = "Internal server error"
	errTaskNotFound    = "Task not found"
)

// TaskHandler exposes /admin/tasks over the task store.
type TaskHandler struct {
	store store.Store
}

// NewTaskHandler builds a TaskHandler.
func NewTaskHandler(st store.Store) *TaskHandler {
	return &TaskHandler{store: st}
}

// searchRequest mirrors store.QueryFilter for query-string binding.
type searchRequest struct {
	IDs        []string `form:"ids"`
	SubmitID   string   `form:"submitID"`
	TagKey     string   `form:"tagKey"`
	TagValue   string   `form:"tagValue"`
	OnlyFailed bool     `form:"onlyFailed"`
	OrderBy    string   `form:"orderBy"`
	Limit      int      `form:"limit"`
}

// taskView adds the derived status to the wire representation, since
// domain.Task never stores it directly (spec §3).
type taskView struct {
	*domain.Task
	Status domain.Status `json:"status"`
}

func toView(t *domain.Task) taskView {
	return taskView{Task: t, Status: t.DerivedStatus()}
}

// Search handles GET /admin/tasks.
func (h *TaskHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := h.store.Query(c.Request.Context(), store.QueryFilter{
		IDs:        req.IDs,
		SubmitID:   req.SubmitID,
		TagKey:     req.TagKey,
		TagValue:   req.TagValue,
		OnlyFailed: req.OnlyFailed,
		OrderBy:    req.OrderBy,
		Limit:      req.Limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

// Info handles GET /admin/tasks/:id.
func (h *TaskHandler) Info(c *gin.Context) {
	id := c.Param("id")
	tasks, err := h.store.Query(c.Request.Context(), store.QueryFilter{IDs: []string{id}, Limit: 1})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if len(tasks) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		return
	}
	c.JSON(http.StatusOK, toView(tasks[0]))
}

// updateRequest is the body of PATCH /admin/tasks.
type updateRequest struct {
	IDs  []string          `json:"ids" binding:"required"`
	Tags map[string]string `json:"tags"`
}

// Update handles PATCH /admin/tasks, setting tags on matching tasks.
func (h *TaskHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.store.Update(c.Request.Context(), store.QueryFilter{IDs: req.IDs}, store.UpdateFields{Tags: req.Tags})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// cancelRequest is the body of POST /admin/tasks/cancel.
type cancelRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// Cancel handles POST /admin/tasks/cancel (spec §3 operator cancellation).
func (h *TaskHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.store.Update(c.Request.Context(), store.QueryFilter{IDs: req.IDs}, store.UpdateFields{Cancel: true})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}
