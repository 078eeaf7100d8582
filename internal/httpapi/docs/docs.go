// Package docs registers the OpenAPI description of the chatd HTTP API with
// swag. Regenerate with `swag init -g cmd/chatd/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List model artifacts",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/v1/session": {
            "get": {
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Session status",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SessionStatus"}}}
            }
        },
        "/v1/session/initialize": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Initialize the session",
                "parameters": [{"description": "Artifact path (defaults to MODEL_PATH)", "name": "body", "in": "body", "schema": {"$ref": "#/definitions/types.InitializeRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InitializeResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/session/messages": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "tags": ["session"],
                "summary": "Send a message",
                "parameters": [{"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.SendRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SendResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/session/reset": {
            "post": {
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Reset the conversation",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.MessageResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/session/system-prompt": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Update the system prompt",
                "parameters": [{"description": "Prompt", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.SystemPromptRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.MessageResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {"type": "object", "properties": {"code": {"type": "integer", "example": 400}, "error": {"type": "string", "example": "invalid JSON body"}}},
        "types.InitializeRequest": {"type": "object", "properties": {"model_path": {"type": "string", "example": "/home/user/models/llm/tinyllama-1.1b-chat.Q8_0.gguf"}}},
        "types.InitializeResponse": {"type": "object", "properties": {"backend": {"type": "string", "example": "remote"}, "degraded": {"type": "boolean", "example": false}, "message": {"type": "string"}, "model": {"type": "string"}}},
        "types.MessageResponse": {"type": "object", "properties": {"message": {"type": "string", "example": "Conversation reset"}}},
        "types.Model": {"type": "object", "properties": {"format": {"type": "string", "example": "gguf"}, "has_tokenizer": {"type": "boolean"}, "id": {"type": "string"}, "name": {"type": "string"}, "path": {"type": "string"}, "size_bytes": {"type": "integer"}}},
        "types.ModelsResponse": {"type": "object", "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}}},
        "types.SendRequest": {"type": "object", "properties": {"content": {"type": "string", "example": "hello"}, "stream": {"type": "boolean", "example": false}}},
        "types.SendResponse": {"type": "object", "properties": {"reply": {"type": "string"}}},
        "types.SessionStatus": {"type": "object", "properties": {"backend": {"type": "string"}, "degraded": {"type": "boolean"}, "id": {"type": "string"}, "model": {"type": "string"}, "pending_system_prompt": {"type": "boolean"}, "state": {"type": "string", "example": "ready"}, "turns": {"type": "array", "items": {"$ref": "#/definitions/types.Turn"}}, "uptime_seconds": {"type": "integer"}}},
        "types.SystemPromptRequest": {"type": "object", "properties": {"prompt": {"type": "string", "example": "You are a terse assistant."}}},
        "types.Turn": {"type": "object", "properties": {"content": {"type": "string"}, "role": {"type": "string", "example": "user"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "chatd API",
	Description:      "HTTP API for a local chat session backed by a language model.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
