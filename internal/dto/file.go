package dto

import "time"

// ParameterValue is one metadata value attached to a file.
type ParameterValue struct {
	ParameterID int64  `json:"parameterId" validate:"required,gt=0"`
	Value       string `json:"value" validate:"max=1000"`
}

// IngestFileMetadata describes one uploaded part, matched to uploads by position.
type IngestFileMetadata struct {
	CompanyID              *int64           `json:"companyId" validate:"omitempty,gt=0"`
	DocumentTypeID         int64            `json:"documentTypeId" validate:"required,gt=0"`
	ChannelID              int64            `json:"channelId" validate:"required,gt=0"`
	SecurityLevelID        int64            `json:"securityLevelId" validate:"required,gt=0"`
	ExtensionID            int64            `json:"extensionId" validate:"required,gt=0"`
	DocumentEmissionDate   *time.Time       `json:"documentEmissionDate"`
	DocumentExpirationDate *time.Time       `json:"documentExpirationDate"`
	Resolution             *string          `json:"resolution" validate:"omitempty,max=50"`
	DeviceType             *string          `json:"deviceType" validate:"omitempty,max=50"`
	Parameters             []ParameterValue `json:"parameters" validate:"omitempty,dive"`
}

// IngestMetadata is the JSON "metadata" form field of an upload.
type IngestMetadata struct {
	AsVariants bool                 `json:"asVariants"`
	Files      []IngestFileMetadata `json:"files" validate:"required,min=1,dive"`
}

// CodesRequest lists file codes for activation or deactivation.
type CodesRequest struct {
	Codes []string `json:"codes" validate:"required,min=1,max=200,dive,file_code"`
}

// UpdateFileMetadata describes one replacement part of a batch update.
type UpdateFileMetadata struct {
	Code        string `json:"code" validate:"required,file_code"`
	ExtensionID int64  `json:"extensionId" validate:"omitempty,gt=0"`
}

// UpdateMetadata is the JSON "metadata" form field of a batch update.
type UpdateMetadata struct {
	Files []UpdateFileMetadata `json:"files" validate:"required,min=1,dive"`
}

// ReportQuery selects the rendering of a backup report.
type ReportQuery struct {
	Format string `form:"format" validate:"omitempty,oneof=csv pdf"`
}
