package response

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

// Envelope represents the common response contract.
type Envelope struct {
	Data  interface{}            `json:"data,omitempty"`
	Error *ErrorBody             `json:"error,omitempty"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// ErrorBody is the client-visible part of an error. Wrapped causes are never included.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON sends a success response with optional metadata.
func JSON(c *gin.Context, status int, data interface{}, meta ...map[string]interface{}) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	envelope := Envelope{Data: data}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// OK responds with HTTP 200.
func OK(c *gin.Context, data interface{}, meta ...map[string]interface{}) {
	JSON(c, http.StatusOK, data, meta...)
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}, meta ...map[string]interface{}) {
	JSON(c, http.StatusCreated, data, meta...)
}

// Error sends an error response converting the error to the common structure.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	_ = c.Error(err)
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.AbortWithStatusJSON(appErr.Status, Envelope{Error: &ErrorBody{Code: appErr.Code, Message: appErr.Message}})
}

// Attachment streams data as a downloadable file.
func Attachment(c *gin.Context, fileName, contentType string, data []byte) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, data)
}
