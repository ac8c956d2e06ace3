// Package docs holds the OpenAPI document of the run API.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/runs": {
            "get": {
                "description": "List all persisted runs, newest first",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "List runs",
                "responses": {
                    "200": {"description": "Runs", "schema": {"type": "array", "items": {"$ref": "#/definitions/store.Run"}}},
                    "500": {"description": "Internal server error", "schema": {"type": "string"}}
                }
            },
            "post": {
                "description": "Ingest the configured sources, run harmonization, validation and indicators, export and persist the result",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Run the batch",
                "responses": {
                    "200": {"description": "Run completed", "schema": {"type": "object", "additionalProperties": true}},
                    "422": {"description": "Configuration error", "schema": {"type": "string"}},
                    "500": {"description": "Run failed", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Run", "schema": {"$ref": "#/definitions/store.Run"}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}/findings": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run findings",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "info, warning or error", "name": "severity", "in": "query"},
                    {"type": "string", "description": "Rule ID", "name": "rule_id", "in": "query"},
                    {"type": "string", "description": "harmonize, validate or indicator", "name": "stage", "in": "query"},
                    {"type": "integer", "description": "Maximum number of findings", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Findings", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid query", "schema": {"type": "string"}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}/indicators": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run indicator values",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Indicator name", "name": "name", "in": "query"},
                    {"type": "string", "description": "ok, degraded or unavailable", "name": "confidence", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Indicator values", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}/records": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run records",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "description": "Page size (default: all)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Page offset", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Canonical records", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid query", "schema": {"type": "string"}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}/events": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run stage events",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Stage events", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/runs/{id}/suggestions": {
            "get": {
                "description": "Group the findings of a run by rule and suggest a remediation for each",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get suggested actions",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Suggested actions", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "string"}}
                }
            }
        },
        "/download/{id}/{filename}": {
            "get": {
                "description": "Download an exported file of a run",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download file",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "File name", "name": "filename", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File download", "schema": {"type": "file"}},
                    "400": {"description": "Invalid URL format", "schema": {"type": "string"}},
                    "404": {"description": "File not found", "schema": {"type": "string"}}
                }
            }
        }
    },
    "definitions": {
        "store.Run": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "registry_version": {"type": "string"},
                "started_at": {"type": "string"},
                "duration": {"type": "integer"},
                "records": {"type": "integer"},
                "findings": {"type": "integer"},
                "indicator_values": {"type": "integer"},
                "summary": {"type": "object", "additionalProperties": true}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Evidence Pipeline API",
	Description:      "Runs the harmonize, validate and indicator pipeline and serves persisted runs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
