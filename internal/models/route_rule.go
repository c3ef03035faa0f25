package models

// RouteContext is the classification a route rule is selected by.
type RouteContext struct {
	CompanyID       *int64 `json:"companyId,omitempty"`
	DocumentTypeID  int64  `json:"documentTypeId"`
	ChannelID       int64  `json:"channelId"`
	SecurityLevelID int64  `json:"securityLevelId"`
}

// RouteRule maps a classification to a directory template.
type RouteRule struct {
	ID              int64  `db:"id" json:"id"`
	CompanyID       *int64 `db:"company_id" json:"companyId,omitempty"`
	DocumentTypeID  int64  `db:"document_type_id" json:"documentTypeId"`
	ChannelID       int64  `db:"channel_id" json:"channelId"`
	SecurityLevelID int64  `db:"security_level_id" json:"securityLevelId"`
	PathTemplate    string `db:"path_template" json:"pathTemplate"`
	Status          bool   `db:"status" json:"status"`
}

// ResolvedRoute is the outcome of route resolution for a new file.
type ResolvedRoute struct {
	RouteRuleID int64
	Path        string
}
