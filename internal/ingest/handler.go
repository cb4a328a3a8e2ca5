package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/jobs"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/merge"
	"docflow-backend/internal/records"
	"docflow-backend/internal/shared/server/middleware"
	"docflow-backend/internal/shared/server/respond"
)

// multipartMemory is how much of a multipart body is held in memory before
// parts spill to temporary files.
const multipartMemory = 32 << 20

// Handler wires HTTP handlers to the coordinator.
type Handler struct {
	Coord   *Coordinator
	Records records.Repo
}

// NewHandler constructs a Handler.
func NewHandler(coord *Coordinator, recs records.Repo) *Handler {
	return &Handler{Coord: coord, Records: recs}
}

// RegisterRoutes attaches document routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/documents", h.upload)
	rg.GET("/documents", h.list)
	rg.GET("/documents/:id", h.get)
	rg.GET("/documents/:id/history", h.history)
	rg.GET("/documents/:id/records", h.records)
	rg.POST("/documents/:id/cancel", h.cancel)
	rg.POST("/documents/:id/rerun", h.rerun)
}

func (h *Handler) upload(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "multipart form is required", nil)
		return
	}
	form := c.Request.MultipartForm
	defer form.RemoveAll()

	headers := append(form.File["files"], form.File["file"]...)
	if len(headers) == 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "at least one file is required", nil)
		return
	}

	limit := h.Coord.maxFileBytes()
	files := make([]File, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > limit {
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("%s exceeds the %d byte limit", fh.Filename, limit), gin.H{"fileName": fh.Filename})
			return
		}
		f, err := readPart(fh)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", gin.H{"fileName": fh.Filename})
			return
		}
		files = append(files, f)
	}

	enableAI := true
	if raw := strings.TrimSpace(c.PostForm("enableAi")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "enableAi must be a boolean", nil)
			return
		}
		enableAI = parsed
	}

	var intake json.RawMessage
	if raw := strings.TrimSpace(c.PostForm("intakeForm")); raw != "" {
		intake = json.RawMessage(raw)
	}

	docs, err := h.Coord.Ingest(c.Request.Context(), Request{
		UserID:           userID,
		Files:            files,
		DocumentTypeHint: strings.TrimSpace(c.PostForm("documentType")),
		TemplateHint:     strings.TrimSpace(c.PostForm("templateId")),
		EnableAI:         enableAI,
		IntakeForm:       intake,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	respond.JSON(c, http.StatusAccepted, gin.H{"documents": toResponses(docs)})
}

func readPart(fh *multipart.FileHeader) (File, error) {
	file, err := fh.Open()
	if err != nil {
		return File{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return File{}, err
	}
	return File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Data:        data,
	}, nil
}

func (h *Handler) list(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	limit := 20
	offset := 0

	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit < 0 {
		limit = 0
	}
	if limit > 100 {
		limit = 100
	}

	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	docs, err := h.Coord.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}

	respond.JSON(c, http.StatusOK, gin.H{"documents": toResponses(docs)})
}

func (h *Handler) get(c *gin.Context) {
	doc, err := h.Coord.Get(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, toResponse(doc))
}

func (h *Handler) history(c *gin.Context) {
	history, err := h.Coord.History(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"documentId": c.Param("id"), "transitions": toTransitions(history)})
}

func (h *Handler) records(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := h.Coord.Get(ctx, middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	set, err := h.Records.ListByDocument(ctx, doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, toRecords(doc.ID, set))
}

func (h *Handler) cancel(c *gin.Context) {
	doc, err := h.Coord.Cancel(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("statusTransition", "->"+strings.ToLower(string(doc.State)))
	respond.JSON(c, http.StatusOK, toResponse(doc))
}

func (h *Handler) rerun(c *gin.Context) {
	var req rerunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
			return
		}
	}
	override := merge.Override{
		DocumentType: strings.TrimSpace(req.DocumentType),
		TemplateID:   strings.TrimSpace(req.TemplateID),
	}

	doc, err := h.Coord.Rerun(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"), override)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("statusTransition", "->"+strings.ToLower(string(doc.State)))
	respond.JSON(c, http.StatusAccepted, toResponse(doc))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoFiles), errors.Is(err, documents.ErrInvalidInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrFileTooLarge):
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", err.Error(), nil)
	case errors.Is(err, jobs.ErrSaturated), errors.Is(err, jobs.ErrClosed):
		c.Header("Retry-After", "5")
		respond.Error(c, http.StatusServiceUnavailable, "busy", "pipeline is at capacity, retry later", nil)
	case errors.Is(err, documents.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "document not found", nil)
	case errors.Is(err, ledger.ErrRerunNotAllowed):
		respond.Error(c, http.StatusConflict, "rerun_not_allowed", err.Error(), nil)
	case errors.Is(err, documents.ErrInvalidTransition):
		respond.Error(c, http.StatusConflict, "invalid_state", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "request failed", nil)
	}
}
