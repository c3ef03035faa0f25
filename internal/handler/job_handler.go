package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/docstore-api/internal/dto"
	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/service"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/response"
)

type archivalRunner interface {
	Run(ctx context.Context) (*models.BackupSummary, error)
	Execution(ctx context.Context, date time.Time) (*models.BackupExecutionLog, error)
}

type reclamationScanner interface {
	Scan(ctx context.Context) (*models.ReclamationScanResult, error)
}

type backupReporter interface {
	Render(ctx context.Context, date time.Time, format service.ReportFormat) (*service.BackupReport, error)
}

// JobHandler exposes manual triggers for the background jobs and archival history.
type JobHandler struct {
	archival    archivalRunner
	reclamation reclamationScanner
	reports     backupReporter
	validate    *validator.Validate
}

// NewJobHandler constructs the handler.
func NewJobHandler(archival archivalRunner, reclamation reclamationScanner, reports backupReporter, validate *validator.Validate) *JobHandler {
	if validate == nil {
		validate = NewValidator()
	}
	return &JobHandler{archival: archival, reclamation: reclamation, reports: reports, validate: validate}
}

// RunArchival godoc
// @Summary Run today's archival now
// @Tags Jobs
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /jobs/archival/run [post]
func (h *JobHandler) RunArchival(c *gin.Context) {
	summary, err := h.archival.Run(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}

// ScanReclamation godoc
// @Summary Queue unused files for reclamation now
// @Tags Jobs
// @Produce json
// @Success 202 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /jobs/reclamation/scan [post]
func (h *JobHandler) ScanReclamation(c *gin.Context) {
	result, err := h.reclamation.Scan(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, result)
}

// Execution godoc
// @Summary Get the archival log of a date
// @Tags Backups
// @Produce json
// @Param date path string true "Date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /backups/executions/{date} [get]
func (h *JobHandler) Execution(c *gin.Context) {
	date, err := parseDate(c.Param("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	log, err := h.archival.Execution(c.Request.Context(), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, log)
}

// Report godoc
// @Summary Download the archival log of a date
// @Tags Backups
// @Produce text/csv
// @Produce application/pdf
// @Param date path string true "Date (YYYY-MM-DD)"
// @Param format query string false "csv or pdf" Enums(csv, pdf)
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Router /backups/executions/{date}/report [get]
func (h *JobHandler) Report(c *gin.Context) {
	date, err := parseDate(c.Param("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	var query dto.ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid report query"))
		return
	}
	if err := h.validate.Struct(&query); err != nil {
		response.Error(c, validationError(err))
		return
	}
	format := service.ReportFormatCSV
	if query.Format != "" {
		format = service.ReportFormat(query.Format)
	}
	report, err := h.reports.Render(c.Request.Context(), date, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, report.FileName, report.ContentType, report.Data)
}

func parseDate(raw string) (time.Time, error) {
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD")
	}
	return date, nil
}
