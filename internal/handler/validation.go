package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/docstore-api/internal/service"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

// NewValidator returns a validator with the file_code rule registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("file_code", func(fl validator.FieldLevel) bool {
		return service.ValidCode(fl.Field().String())
	})
	return v
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return appErrors.Clone(appErrors.ErrValidation, err.Error())
}

// decodeMetadata parses and validates the JSON metadata form field.
func decodeMetadata(raw string, dest interface{}, validate *validator.Validate) error {
	if raw == "" {
		return appErrors.Clone(appErrors.ErrValidation, "metadata is required")
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "metadata is not valid JSON")
	}
	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

type upload struct {
	name string
	data []byte
}

// readUploads buffers every part, refusing parts larger than limit.
func readUploads(headers []*multipart.FileHeader, limit int64) ([]upload, error) {
	out := make([]upload, 0, len(headers))
	for i, header := range headers {
		if header.Size > limit {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: exceeds %d bytes limit", i, limit))
		}
		src, err := header.Open()
		if err != nil {
			return nil, appErrors.WrapKind(appErrors.ErrValidation, err, fmt.Sprintf("file %d: unreadable", i))
		}
		data, err := io.ReadAll(io.LimitReader(src, limit+1))
		src.Close() //nolint:errcheck
		if err != nil {
			return nil, appErrors.WrapKind(appErrors.ErrValidation, err, fmt.Sprintf("file %d: unreadable", i))
		}
		if int64(len(data)) > limit {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: exceeds %d bytes limit", i, limit))
		}
		out = append(out, upload{name: header.Filename, data: data})
	}
	return out, nil
}
