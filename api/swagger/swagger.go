package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Docstore API",
        "description": "Multi-tenant document store with deduplication, reference counting, archival and reclamation.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Files", "description": "Ingestion, reference counting and content updates"},
        {"name": "Jobs", "description": "Manual triggers for archival and reclamation"},
        {"name": "Backups", "description": "Archival execution history"}
    ],
    "paths": {
        "/files": {
            "post": {
                "tags": ["Files"],
                "summary": "Upload files with deduplication",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "files", "in": "formData", "type": "file", "required": true},
                    {"name": "metadata", "in": "formData", "type": "string", "required": true, "description": "JSON IngestMetadata, one entry per file"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Files"],
                "summary": "Replace the content of several files atomically",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "files", "in": "formData", "type": "file", "required": true},
                    {"name": "metadata", "in": "formData", "type": "string", "required": true, "description": "JSON UpdateMetadata, one code per file"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "File not in use or concurrent change", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/files/activate": {
            "post": {
                "tags": ["Files"],
                "summary": "Add one reference to each file",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CodesRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown code", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/files/deactivate": {
            "post": {
                "tags": ["Files"],
                "summary": "Remove one reference from each file",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CodesRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown code", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/files/{code}": {
            "put": {
                "tags": ["Files"],
                "summary": "Replace the content of one file (copy-on-write when shared)",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "code", "in": "path", "type": "string", "required": true},
                    {"name": "file", "in": "formData", "type": "file", "required": true},
                    {"name": "extensionId", "in": "formData", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "File not in use or concurrent change", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/jobs/archival/run": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Run today's archival now",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/jobs/reclamation/scan": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Queue unused files for reclamation now",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "No batch could be queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/executions/{date}": {
            "get": {
                "tags": ["Backups"],
                "summary": "Get the archival log of a date",
                "parameters": [
                    {"name": "date", "in": "path", "type": "string", "required": true, "description": "YYYY-MM-DD"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No run on that date", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/executions/{date}/report": {
            "get": {
                "tags": ["Backups"],
                "summary": "Download the archival log of a date",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "date", "in": "path", "type": "string", "required": true, "description": "YYYY-MM-DD"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Report file", "schema": {"type": "file"}},
                    "404": {"description": "No run on that date", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CodesRequest": {
            "type": "object",
            "properties": {
                "codes": {"type": "array", "items": {"type": "string", "example": "FILE-1A2B3C4D"}}
            },
            "required": ["codes"]
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
