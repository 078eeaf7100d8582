package types

// InitializeRequest is the payload for POST /v1/session/initialize.
type InitializeRequest struct {
	// Optional artifact path. When empty the configured MODEL_PATH is used.
	// example: /home/user/models/llm/tinyllama-1.1b-chat.Q8_0.gguf
	ModelPath string `json:"model_path,omitempty" example:"/home/user/models/llm/tinyllama-1.1b-chat.Q8_0.gguf"`
}

// InitializeResponse is returned by a successful initialize.
type InitializeResponse struct {
	// Human-readable status text.
	// example: Connected to local LLM server! Using model: tinyllama-1.1b-chat.Q8_0.gguf
	Message string `json:"message" example:"Connected to local LLM server! Using model: tinyllama-1.1b-chat.Q8_0.gguf"`
	// Model name derived from the artifact file name.
	// example: tinyllama-1.1b-chat.Q8_0.gguf
	Model string `json:"model" example:"tinyllama-1.1b-chat.Q8_0.gguf"`
	// Active backend variant.
	// example: remote
	Backend string `json:"backend" example:"remote"`
	// True when the session runs on the fallback responder.
	// example: false
	Degraded bool `json:"degraded" example:"false"`
}

// SendRequest is the payload for POST /v1/session/messages.
type SendRequest struct {
	// User message text.
	// example: hello
	Content string `json:"content" example:"hello"`
	// If true, stream partial text as NDJSON lines.
	// example: false
	Stream bool `json:"stream,omitempty" example:"false"`
}

// SendResponse carries the assistant reply.
type SendResponse struct {
	// Assistant reply text.
	// example: Hello! How can I help you today?
	Reply string `json:"reply" example:"Hello! How can I help you today?"`
}

// StreamChunk is one NDJSON line of a streamed reply.
type StreamChunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// SystemPromptRequest is the payload for PUT /v1/session/system-prompt.
type SystemPromptRequest struct {
	// New system prompt; applied on the next reset.
	// example: You are a terse assistant.
	Prompt string `json:"prompt" example:"You are a terse assistant."`
}

// MessageResponse is a plain confirmation payload.
type MessageResponse struct {
	// example: Conversation reset
	Message string `json:"message" example:"Conversation reset"`
}

// ModelsResponse wraps the list of artifacts returned by GET /models.
type ModelsResponse struct {
	// List of available artifacts.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// SessionStatus is returned by GET /v1/session.
type SessionStatus struct {
	// Session identifier (UUID).
	// example: 0190f5a4-8d5e-7c1a-9b7e-5d2f0c1e4a11
	ID string `json:"id" example:"0190f5a4-8d5e-7c1a-9b7e-5d2f0c1e4a11"`
	// Lifecycle state: uninitialized or ready.
	// example: ready
	State string `json:"state" example:"ready"`
	// Model name derived from the artifact file name.
	// example: tinyllama-1.1b-chat.Q8_0.gguf
	Model string `json:"model,omitempty" example:"tinyllama-1.1b-chat.Q8_0.gguf"`
	// Active backend variant.
	// example: remote
	Backend string `json:"backend" example:"remote"`
	// True when the session runs on the fallback responder.
	Degraded bool `json:"degraded"`
	// True when a system prompt update is waiting for the next reset.
	PendingSystemPrompt bool `json:"pending_system_prompt"`
	// Conversation turns in order.
	Turns []Turn `json:"turns"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
}
