// Package docs registers the chatd OpenAPI document with swag so that
// http-swagger can serve it. Regenerate with:
//
//	swag init -g cmd/chatd/docs.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "chatd maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {
            "get": {
                "description": "Catalog entries merged with installed models.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models/acquire": {
            "post": {
                "description": "Downloads and validates a model, streaming progress events as NDJSON. The last line is an AcquireResult.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["models"],
                "summary": "Acquire a model",
                "parameters": [
                    {"description": "Descriptor, or just a catalog name", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.ModelDescriptor"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ProgressEvent"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models/{name}": {
            "delete": {
                "description": "Evicts the model if active and removes its directory. Deleting a missing model succeeds.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Delete a model",
                "parameters": [
                    {"type": "string", "description": "Model name", "name": "name", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.MessageResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/tokenize": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["inference"],
                "summary": "Tokenize text",
                "parameters": [
                    {"description": "Text to encode", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.TokenizeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TokenizeResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/detokenize": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["inference"],
                "summary": "Detokenize ids",
                "parameters": [
                    {"description": "Token ids", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.DetokenizeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DetokenizeResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/chat": {
            "post": {
                "description": "Renders the transcript, generates a full reply and returns it at once.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["inference"],
                "summary": "Chat with the active model",
                "parameters": [
                    {"description": "Transcript and options", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.ChatRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ChatResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "description": "NDJSON stream of progress and lifecycle events until the client disconnects.",
                "produces": ["application/x-ndjson"],
                "tags": ["events"],
                "summary": "Stream manager events",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Manager status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/sanity": {
            "get": {
                "description": "Reports whether llama-server can be found or is attached and whether the models directory is usable.",
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Dependency checks",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/manager.SanityReport"}}
                }
            }
        }
    },
    "definitions": {
        "manager.SanityReport": {
            "type": "object",
            "properties": {
                "attached": {"type": "boolean"},
                "base_url": {"type": "string"},
                "llama_found": {"type": "boolean"},
                "llama_path": {"type": "string"},
                "models_dir": {"type": "string"},
                "models_dir_ok": {"type": "boolean"},
                "error": {"type": "string"}
            }
        },
        "types.ModelDescriptor": {
            "type": "object",
            "properties": {
                "name": {"type": "string", "example": "TinyLlama-1.1B-Chat-v1.0-GGUF"},
                "size_mb": {"type": "integer", "example": 700},
                "url": {"type": "string"},
                "tokenizer_url": {"type": "string"},
                "description": {"type": "string"},
                "family": {"type": "string", "example": "llama"},
                "tokenizer": {"type": "string", "example": "sentencepiece"},
                "installed": {"type": "boolean", "example": true}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.ModelDescriptor"}}
            }
        },
        "types.ProgressEvent": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "model": {"type": "string"},
                "file_type": {"type": "string", "example": "model"},
                "status": {"type": "string", "example": "downloading"},
                "progress": {"type": "integer", "example": 42},
                "downloaded": {"type": "integer"},
                "total": {"type": "integer"},
                "error": {"type": "string"}
            }
        },
        "types.MessageResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string"}
            }
        },
        "types.TokenizeRequest": {
            "type": "object",
            "properties": {
                "text": {"type": "string", "example": "hello world"},
                "add_special": {"type": "boolean", "example": false}
            }
        },
        "types.TokenizeResponse": {
            "type": "object",
            "properties": {
                "tokens": {"type": "array", "items": {"type": "integer"}}
            }
        },
        "types.DetokenizeRequest": {
            "type": "object",
            "properties": {
                "tokens": {"type": "array", "items": {"type": "integer"}}
            }
        },
        "types.DetokenizeResponse": {
            "type": "object",
            "properties": {
                "text": {"type": "string"}
            }
        },
        "types.ChatMessage": {
            "type": "object",
            "properties": {
                "role": {"type": "string", "example": "user"},
                "content": {"type": "string", "example": "hello"}
            }
        },
        "types.ChatRequest": {
            "type": "object",
            "properties": {
                "messages": {"type": "array", "items": {"$ref": "#/definitions/types.ChatMessage"}},
                "options": {"type": "object", "additionalProperties": true}
            }
        },
        "types.Usage": {
            "type": "object",
            "properties": {
                "prompt_tokens": {"type": "integer"},
                "completion_tokens": {"type": "integer"}
            }
        },
        "types.ChatResponse": {
            "type": "object",
            "properties": {
                "content": {"type": "string"},
                "finish_reason": {"type": "string", "example": "stop"},
                "truncated": {"type": "boolean"},
                "usage": {"$ref": "#/definitions/types.Usage"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "no active model"},
                "code": {"type": "integer", "example": 409},
                "kind": {"type": "string", "example": "NoActiveModel"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "queue_len": {"type": "integer"},
                "inflight": {"type": "integer"},
                "max_queue_depth": {"type": "integer"},
                "acquiring": {"type": "integer"},
                "last_error": {"type": "string"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"},
                "loads_total": {"type": "integer"},
                "chats_total": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "chatd API",
	Description:      "HTTP API for local LLM model acquisition and chat inference.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
