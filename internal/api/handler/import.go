package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timmy/contentport/internal/api/middleware"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/service"
)

// ImportController is the job control surface the handlers drive.
// *service.ImportService implements it.
type ImportController interface {
	Submit(ctx context.Context, req service.CreateRequest) (*domain.ImportJob, error)
	Get(ctx context.Context, jobID string) (*domain.ImportJob, error)
	List(ctx context.Context, site string, limit, offset int) ([]domain.ImportJob, int64, error)
	Issues(ctx context.Context, jobID string, severity domain.Severity, limit, offset int) ([]domain.Issue, int64, error)
	Diff(ctx context.Context, jobID string) (*domain.DiffReport, error)
	Redirects(ctx context.Context, jobID string) ([]domain.Redirect, error)
	AllRedirects(ctx context.Context) ([]domain.Redirect, error)
	UpdateConfig(ctx context.Context, jobID string, opts domain.ImportOptions) error
	DryRun(ctx context.Context, jobID string, opts *domain.ImportOptions) error
	Start(ctx context.Context, jobID string, confirm bool) error
	Resume(ctx context.Context, jobID string, confirm bool) error
	Cancel(ctx context.Context, jobID string) error
	Rollback(ctx context.Context, jobID string, confirm bool, reason string) (*domain.RollbackResult, error)
	Prune(ctx context.Context, jobID string, confirm bool) (int, error)
}

// UploadStore keeps uploaded interchange files until their job reads them.
type UploadStore interface {
	SaveUpload(filename string, r io.Reader) (string, error)
}

// ImportHandler serves /api/v1/imports.
type ImportHandler struct {
	imports   ImportController
	uploads   UploadStore
	maxUpload int64
}

// NewImportHandler creates the import job handler.
// Parameters:
//   - imports: job control service.
//   - uploads: destination of uploaded interchange files.
//   - maxUploadMB: upload size limit in megabytes; zero disables uploads.
//
// Returns:
//   - *ImportHandler: initialized handler.
func NewImportHandler(imports ImportController, uploads UploadStore, maxUploadMB int64) *ImportHandler {
	return &ImportHandler{
		imports:   imports,
		uploads:   uploads,
		maxUpload: maxUploadMB << 20,
	}
}

// CreateImportRequest starts a job against a source site.
type CreateImportRequest struct {
	Source      domain.SourceDescriptor `json:"source" binding:"required"`
	Username    string                  `json:"username"`
	AppPassword string                  `json:"app_password"`
	Options     *domain.ImportOptions   `json:"options"`
	Site        string                  `json:"site"`
	ParentJobID string                  `json:"parent_job_id"`
	CreatedBy   string                  `json:"created_by"`
}

// ConfirmRequest acknowledges a destructive or irreversible action.
type ConfirmRequest struct {
	Confirm bool   `json:"confirm"`
	Reason  string `json:"reason"`
}

// ListResponse pages over a collection.
type ListResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// Create handles POST /api/v1/imports. The job is analyzed in the background.
func (h *ImportHandler) Create(c *gin.Context) {
	var req CreateImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	h.submit(c, req)
}

// Upload handles POST /api/v1/imports/upload: a multipart interchange file
// in "file", with optional "options" JSON and "parent_job_id" fields.
func (h *ImportHandler) Upload(c *gin.Context) {
	if h.uploads == nil || h.maxUpload <= 0 {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Uploads are disabled"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}

	req := CreateImportRequest{
		ParentJobID: c.PostForm("parent_job_id"),
		Site:        c.PostForm("site"),
		CreatedBy:   c.PostForm("created_by"),
	}
	if raw := strings.TrimSpace(c.PostForm("options")); raw != "" {
		opts := domain.DefaultImportOptions()
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid options: " + err.Error()})
			return
		}
		req.Options = &opts
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}
	defer f.Close()

	path, err := h.uploads.SaveUpload(fh.Filename, f)
	if err != nil {
		writeError(c, fmt.Errorf("save upload: %w", err))
		return
	}
	req.Source = domain.SourceDescriptor{Kind: domain.SourceKindFile, Path: path, Filename: fh.Filename}
	h.submit(c, req)
}

func (h *ImportHandler) submit(c *gin.Context, req CreateImportRequest) {
	job, err := h.imports.Submit(c.Request.Context(), service.CreateRequest{
		Source:      req.Source,
		Credentials: domain.Credentials{Username: req.Username, AppPassword: req.AppPassword},
		Options:     req.Options,
		Site:        req.Site,
		ParentJobID: req.ParentJobID,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// List handles GET /api/v1/imports.
func (h *ImportHandler) List(c *gin.Context) {
	limit, offset := paging(c, 50)
	jobs, total, err := h.imports.List(c.Request.Context(), c.Query("site"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: jobs, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/imports/:id.
func (h *ImportHandler) Get(c *gin.Context) {
	job, err := h.imports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Issues handles GET /api/v1/imports/:id/issues?severity=error|warning.
func (h *ImportHandler) Issues(c *gin.Context) {
	severity := domain.Severity(c.Query("severity"))
	switch severity {
	case "", domain.SeverityError, domain.SeverityWarning:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be error or warning"})
		return
	}

	limit, offset := paging(c, 100)
	issues, total, err := h.imports.Issues(c.Request.Context(), c.Param("id"), severity, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: issues, Total: total, Limit: limit, Offset: offset})
}

// Diff handles GET /api/v1/imports/:id/diff.
func (h *ImportHandler) Diff(c *gin.Context) {
	report, err := h.imports.Diff(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Redirects handles GET /api/v1/imports/:id/redirects.
func (h *ImportHandler) Redirects(c *gin.Context) {
	rules, err := h.imports.Redirects(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirects": rules})
}

// AllRedirects handles GET /api/v1/redirects, the table the target site serves.
func (h *ImportHandler) AllRedirects(c *gin.Context) {
	rules, err := h.imports.AllRedirects(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirects": rules})
}

// UpdateConfig handles PUT /api/v1/imports/:id/config.
func (h *ImportHandler) UpdateConfig(c *gin.Context) {
	opts := domain.DefaultImportOptions()
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid options: " + err.Error()})
		return
	}
	if err := h.imports.UpdateConfig(c.Request.Context(), c.Param("id"), opts); err != nil {
		writeError(c, err)
		return
	}
	h.Get(c)
}

// DryRun handles POST /api/v1/imports/:id/dry-run. A body, when present,
// replaces the job options first.
func (h *ImportHandler) DryRun(c *gin.Context) {
	var opts *domain.ImportOptions
	if c.Request.ContentLength != 0 {
		o := domain.DefaultImportOptions()
		if err := c.ShouldBindJSON(&o); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid options: " + err.Error()})
			return
		} else if err == nil {
			opts = &o
		}
	}
	h.accepted(c, h.imports.DryRun(c.Request.Context(), c.Param("id"), opts))
}

// Start handles POST /api/v1/imports/:id/start.
func (h *ImportHandler) Start(c *gin.Context) {
	req, ok := bindConfirm(c)
	if !ok {
		return
	}
	h.accepted(c, h.imports.Start(c.Request.Context(), c.Param("id"), req.Confirm))
}

// Resume handles POST /api/v1/imports/:id/resume.
func (h *ImportHandler) Resume(c *gin.Context) {
	req, ok := bindConfirm(c)
	if !ok {
		return
	}
	h.accepted(c, h.imports.Resume(c.Request.Context(), c.Param("id"), req.Confirm))
}

// Cancel handles POST /api/v1/imports/:id/cancel.
func (h *ImportHandler) Cancel(c *gin.Context) {
	h.accepted(c, h.imports.Cancel(c.Request.Context(), c.Param("id")))
}

// Rollback handles POST /api/v1/imports/:id/rollback.
func (h *ImportHandler) Rollback(c *gin.Context) {
	req, ok := bindConfirm(c)
	if !ok {
		return
	}
	res, err := h.imports.Rollback(c.Request.Context(), c.Param("id"), req.Confirm, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Prune handles POST /api/v1/imports/:id/prune.
func (h *ImportHandler) Prune(c *gin.Context) {
	req, ok := bindConfirm(c)
	if !ok {
		return
	}
	n, err := h.imports.Prune(c.Request.Context(), c.Param("id"), req.Confirm)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// accepted answers an asynchronous command with the job's current state.
func (h *ImportHandler) accepted(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	job, err := h.imports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func bindConfirm(c *gin.Context) (ConfirmRequest, bool) {
	var req ConfirmRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return req, false
	}
	return req, true
}

func paging(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConfirmationRequired),
		errors.Is(err, domain.ErrInvalidOptions),
		errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrJobActive),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConfigFrozen),
		errors.Is(err, domain.ErrNotResumable):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRollbackExpired):
		status = http.StatusGone
	case errors.Is(err, domain.ErrStaleApproval):
		status = http.StatusPreconditionFailed
	}

	if status == http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
