package models

import "time"

// FileState is derived from the reference count and usage flags.
type FileState string

const (
	FileStateUnused    FileState = "UNUSED"
	FileStateExclusive FileState = "EXCLUSIVE"
	FileStateShared    FileState = "SHARED"
)

// File is one row of the document catalog.
type File struct {
	ID                     int64      `db:"id" json:"id"`
	Code                   string     `db:"code" json:"code"`
	MD5                    string     `db:"md5" json:"md5"`
	SizeBytes              int64      `db:"size_bytes" json:"sizeBytes"`
	ExtensionID            int64      `db:"extension_id" json:"extensionId"`
	FileName               string     `db:"file_name" json:"fileName"`
	RouteRuleID            int64      `db:"route_rule_id" json:"routeRuleId"`
	CompanyID              *int64     `db:"company_id" json:"companyId,omitempty"`
	DocumentTypeID         int64      `db:"document_type_id" json:"documentTypeId"`
	ChannelID              int64      `db:"channel_id" json:"channelId"`
	SecurityLevelID        int64      `db:"security_level_id" json:"securityLevelId"`
	IsMain                 bool       `db:"is_main" json:"isMain"`
	HasVariants            bool       `db:"has_variants" json:"hasVariants"`
	IsUsed                 bool       `db:"is_used" json:"isUsed"`
	IsShared               bool       `db:"is_shared" json:"isShared"`
	IsQueued               bool       `db:"is_queued" json:"isQueued"`
	IsBackup               bool       `db:"is_backup" json:"isBackup"`
	Status                 bool       `db:"status" json:"status"`
	ReferenceCount         int        `db:"reference_count" json:"referenceCount"`
	DocumentEmissionDate   *time.Time `db:"document_emission_date" json:"documentEmissionDate,omitempty"`
	DocumentExpirationDate *time.Time `db:"document_expiration_date" json:"documentExpirationDate,omitempty"`
	CreationDate           time.Time  `db:"creation_date" json:"creationDate"`
	ModificationDate       time.Time  `db:"modification_date" json:"modificationDate"`
	DeactivationDate       *time.Time `db:"deactivation_date" json:"deactivationDate,omitempty"`
}

// State classifies the file by its reference count.
func (f *File) State() FileState {
	switch {
	case f.ReferenceCount <= 0:
		return FileStateUnused
	case f.ReferenceCount == 1:
		return FileStateExclusive
	default:
		return FileStateShared
	}
}

// IsPublic reports whether the file belongs to no tenant.
func (f *File) IsPublic() bool {
	return f.CompanyID == nil
}

// EffectiveExpiration returns the expiration date, defaulting to one year after creation.
func (f *File) EffectiveExpiration() time.Time {
	if f.DocumentExpirationDate != nil {
		return *f.DocumentExpirationDate
	}
	return f.CreationDate.AddDate(1, 0, 0)
}

// RouteContext returns the classification used to resolve the file's route rule.
func (f *File) RouteContext() RouteContext {
	return RouteContext{
		CompanyID:       f.CompanyID,
		DocumentTypeID:  f.DocumentTypeID,
		ChannelID:       f.ChannelID,
		SecurityLevelID: f.SecurityLevelID,
	}
}

// DedupKey identifies identical content under one route rule.
type DedupKey struct {
	MD5         string
	RouteRuleID int64
}

// Key returns the dedup key of the file.
func (f *File) Key() DedupKey {
	return DedupKey{MD5: f.MD5, RouteRuleID: f.RouteRuleID}
}

// FileVariant links a rendition to its main file.
type FileVariant struct {
	ID            int64   `db:"id" json:"id"`
	MainFileID    int64   `db:"main_file_id" json:"mainFileId"`
	VariantFileID int64   `db:"variant_file_id" json:"variantFileId"`
	Resolution    *string `db:"resolution" json:"resolution,omitempty"`
	DeviceType    *string `db:"device_type" json:"deviceType,omitempty"`
	IsMain        bool    `db:"is_main" json:"isMain"`
}

// FileParameterValue stores one metadata value of a file.
type FileParameterValue struct {
	ID          int64  `db:"id" json:"id"`
	FileID      int64  `db:"file_id" json:"fileId"`
	ParameterID int64  `db:"parameter_id" json:"parameterId"`
	Value       string `db:"value" json:"value"`
}
