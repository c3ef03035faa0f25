package handler

import (
	"context"
	"fmt"
	"mime/multipart"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/docstore-api/internal/dto"
	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/service"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/response"
)

type ingestService interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*service.IngestResponse, error)
}

type usageService interface {
	Activate(ctx context.Context, codes []string) ([]service.UsageResult, error)
	Deactivate(ctx context.Context, codes []string) ([]service.UsageResult, error)
}

type updateService interface {
	Update(ctx context.Context, payload service.UpdatePayload) (*service.UpdateResult, error)
	UpdateBatch(ctx context.Context, payloads []service.UpdatePayload) ([]service.UpdateResult, error)
}

// FileHandler exposes ingestion, reference counting and updates.
type FileHandler struct {
	ingest      ingestService
	usage       usageService
	update      updateService
	validate    *validator.Validate
	maxFileSize int64
}

// NewFileHandler constructs the handler.
func NewFileHandler(ingest ingestService, usage usageService, update updateService, validate *validator.Validate, maxFileSize int64) *FileHandler {
	if validate == nil {
		validate = NewValidator()
	}
	if maxFileSize <= 0 {
		maxFileSize = 50 * 1024 * 1024
	}
	return &FileHandler{ingest: ingest, usage: usage, update: update, validate: validate, maxFileSize: maxFileSize}
}

// Ingest godoc
// @Summary Upload files with deduplication
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "One or more files"
// @Param metadata formData string true "JSON metadata, one entry per file"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /files [post]
func (h *FileHandler) Ingest(c *gin.Context) {
	var meta dto.IngestMetadata
	if err := decodeMetadata(c.PostForm("metadata"), &meta, h.validate); err != nil {
		response.Error(c, err)
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "multipart form required"))
		return
	}
	uploads, err := readUploads(form.File["files"], h.maxFileSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(uploads) != len(meta.Files) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("got %d files but %d metadata entries", len(uploads), len(meta.Files))))
		return
	}

	req := service.IngestRequest{AsVariants: meta.AsVariants, Files: make([]service.IngestPayload, len(uploads))}
	for i, u := range uploads {
		m := meta.Files[i]
		params := make([]models.FileParameterValue, 0, len(m.Parameters))
		for _, p := range m.Parameters {
			params = append(params, models.FileParameterValue{ParameterID: p.ParameterID, Value: p.Value})
		}
		req.Files[i] = service.IngestPayload{
			FileName:    u.name,
			Content:     u.data,
			ExtensionID: m.ExtensionID,
			Route: models.RouteContext{
				CompanyID:       m.CompanyID,
				DocumentTypeID:  m.DocumentTypeID,
				ChannelID:       m.ChannelID,
				SecurityLevelID: m.SecurityLevelID,
			},
			DocumentEmissionDate:   m.DocumentEmissionDate,
			DocumentExpirationDate: m.DocumentExpirationDate,
			Parameters:             params,
			Resolution:             m.Resolution,
			DeviceType:             m.DeviceType,
		}
	}

	resp, err := h.ingest.Ingest(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, resp.Files, map[string]interface{}{"created": resp.Created, "duplicates": resp.Duplicates})
}

// Activate godoc
// @Summary Add one reference to each file
// @Tags Files
// @Accept json
// @Produce json
// @Param payload body dto.CodesRequest true "File codes"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /files/activate [post]
func (h *FileHandler) Activate(c *gin.Context) {
	h.changeUsage(c, h.usage.Activate)
}

// Deactivate godoc
// @Summary Remove one reference from each file
// @Tags Files
// @Accept json
// @Produce json
// @Param payload body dto.CodesRequest true "File codes"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /files/deactivate [post]
func (h *FileHandler) Deactivate(c *gin.Context) {
	h.changeUsage(c, h.usage.Deactivate)
}

func (h *FileHandler) changeUsage(c *gin.Context, apply func(context.Context, []string) ([]service.UsageResult, error)) {
	var req dto.CodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid codes payload"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(c, validationError(err))
		return
	}
	results, err := apply(c.Request.Context(), req.Codes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, results)
}

// Update godoc
// @Summary Replace the content of one file (copy-on-write when shared)
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param code path string true "File code"
// @Param file formData file true "Replacement content"
// @Param extensionId formData int false "New extension id"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /files/{code} [put]
func (h *FileHandler) Update(c *gin.Context) {
	code := c.Param("code")
	if !service.ValidCode(code) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid file code"))
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	var form struct {
		ExtensionID int64 `form:"extensionId" validate:"omitempty,gt=0"`
	}
	if err := c.ShouldBind(&form); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid extensionId"))
		return
	}
	if err := h.validate.Struct(&form); err != nil {
		response.Error(c, validationError(err))
		return
	}
	uploads, err := readUploads([]*multipart.FileHeader{header}, h.maxFileSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	result, err := h.update.Update(c.Request.Context(), service.UpdatePayload{
		Code:        code,
		FileName:    uploads[0].name,
		Content:     uploads[0].data,
		ExtensionID: form.ExtensionID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// UpdateBatch godoc
// @Summary Replace the content of several files atomically
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "Replacement contents"
// @Param metadata formData string true "JSON metadata with one code per file"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /files [put]
func (h *FileHandler) UpdateBatch(c *gin.Context) {
	var meta dto.UpdateMetadata
	if err := decodeMetadata(c.PostForm("metadata"), &meta, h.validate); err != nil {
		response.Error(c, err)
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "multipart form required"))
		return
	}
	uploads, err := readUploads(form.File["files"], h.maxFileSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(uploads) != len(meta.Files) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("got %d files but %d metadata entries", len(uploads), len(meta.Files))))
		return
	}

	payloads := make([]service.UpdatePayload, len(uploads))
	for i, u := range uploads {
		payloads[i] = service.UpdatePayload{
			Code:        meta.Files[i].Code,
			FileName:    u.name,
			Content:     u.data,
			ExtensionID: meta.Files[i].ExtensionID,
		}
	}
	results, err := h.update.UpdateBatch(c.Request.Context(), payloads)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, results)
}
