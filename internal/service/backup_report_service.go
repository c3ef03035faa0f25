package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/noah-isme/docstore-api/internal/models"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/export"
)

// ReportFormat selects the rendering of a backup report.
type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "csv"
	ReportFormatPDF ReportFormat = "pdf"
)

type executionLoader interface {
	Execution(ctx context.Context, date time.Time) (*models.BackupExecutionLog, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// BackupReport is a rendered archival log.
type BackupReport struct {
	FileName    string
	ContentType string
	Data        []byte
}

// BackupReportService renders stored archival runs for download.
type BackupReportService struct {
	executions executionLoader
	csv        csvRenderer
	pdf        pdfRenderer
}

// NewBackupReportService constructs the service. Nil renderers fall back to the defaults.
func NewBackupReportService(executions executionLoader, csv csvRenderer, pdf pdfRenderer) *BackupReportService {
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &BackupReportService{executions: executions, csv: csv, pdf: pdf}
}

// Render loads the run of date and renders it in format.
func (s *BackupReportService) Render(ctx context.Context, date time.Time, format ReportFormat) (*BackupReport, error) {
	if format != ReportFormatCSV && format != ReportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported report format %q", format))
	}
	log, err := s.executions.Execution(ctx, date)
	if err != nil {
		return nil, err
	}

	data := backupDataset(log)
	name := fmt.Sprintf("archival-%s.%s", log.ExecutionDate.Format("2006-01-02"), format)
	var (
		out         []byte
		contentType string
	)
	switch format {
	case ReportFormatPDF:
		out, err = s.pdf.Render(data)
		contentType = "application/pdf"
	default:
		out, err = s.csv.Render(data)
		contentType = "text/csv"
	}
	if err != nil {
		return nil, appErrors.WrapKind(appErrors.ErrInternal, err, "failed to render report")
	}
	return &BackupReport{FileName: name, ContentType: contentType, Data: out}, nil
}

func backupDataset(log *models.BackupExecutionLog) export.Dataset {
	data := export.Dataset{
		Title: "Archival run " + log.ExecutionDate.Format("2006-01-02"),
		Summary: []export.Field{
			{Label: "Batch", Value: log.BatchID},
			{Label: "Files", Value: strconv.Itoa(log.TotalFiles)},
			{Label: "Succeeded", Value: strconv.Itoa(log.SuccessCount)},
			{Label: "Failed", Value: strconv.Itoa(log.FailCount)},
		},
		Headers: []string{"File ID", "Code", "Outcome", "Size", "Source deleted", "Backup path", "Error kind", "Error"},
		Widths:  []float64{1, 2, 1.2, 1, 1.2, 5, 2, 4},
	}
	for _, r := range log.Results {
		size := ""
		if r.SizeBytes > 0 {
			size = strconv.FormatInt(r.SizeBytes, 10)
		}
		data.Rows = append(data.Rows, []string{
			strconv.FormatInt(r.FileID, 10),
			r.Code,
			string(r.Outcome),
			size,
			strconv.FormatBool(r.SourceDeleted),
			r.BackupPath,
			r.ErrorKind,
			r.Error,
		})
	}
	return data
}
