package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Catalog entries with their install state.
	Models []ModelDescriptor `json:"models"`
}

// AcquireRequest is the body of POST /models/acquire. Either a full
// descriptor is supplied or only Name, which is resolved against the catalog.
type AcquireRequest struct {
	ModelDescriptor
}

// AcquireResult is the final NDJSON line of POST /models/acquire.
type AcquireResult struct {
	// True once the acquisition finished successfully.
	// example: true
	Done bool `json:"done"`
	// Human-readable outcome.
	// example: Successfully downloaded and validated model TinyLlama-1.1B-Chat-v1.0-GGUF
	Message string `json:"message,omitempty"`
	// Error message when the acquisition failed.
	Error string `json:"error,omitempty"`
	// Error kind when the acquisition failed.
	// example: InvalidArtifact
	Kind string `json:"kind,omitempty"`
}

// MessageResponse carries a human-readable status message.
type MessageResponse struct {
	// example: Successfully deleted model TinyLlama-1.1B-Chat-v1.0-GGUF
	Message string `json:"message"`
}

// TokenizeRequest is the body of POST /tokenize.
type TokenizeRequest struct {
	// Text to tokenize with the active model's codec.
	// example: hello world
	Text string `json:"text" example:"hello world"`
	// Prepend the beginning-of-sequence marker.
	// example: false
	AddSpecial bool `json:"add_special,omitempty" example:"false"`
}

// TokenizeResponse is returned by POST /tokenize.
type TokenizeResponse struct {
	// example: [22172,3186]
	Tokens []int32 `json:"tokens"`
}

// DetokenizeRequest is the body of POST /detokenize.
type DetokenizeRequest struct {
	// example: [22172,3186]
	Tokens []int32 `json:"tokens"`
}

// DetokenizeResponse is returned by POST /detokenize.
type DetokenizeResponse struct {
	// example: hello world
	Text string `json:"text"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	// Ordered transcript; may be empty.
	Messages []ChatMessage `json:"messages"`
	// Optional sampling overrides: temperature, top_k, top_p, seed, max_tokens.
	Options map[string]any `json:"options,omitempty"`
}

// Usage reports token accounting for a chat call.
type Usage struct {
	// example: 12
	PromptTokens int `json:"prompt_tokens"`
	// example: 34
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	// Generated assistant text.
	// example: Hello! How can I help you today?
	Content string `json:"content"`
	// "stop" when end-of-sequence was sampled, "length" when the budget ran out.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	// True when the prompt was cut to fit the context window.
	Truncated bool  `json:"truncated,omitempty"`
	Usage     Usage `json:"usage"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: no active model
	Error string `json:"error" example:"no active model"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
	// Error kind from the service taxonomy.
	// example: NoActiveModel
	Kind string `json:"kind,omitempty" example:"NoActiveModel"`
}

// ActiveModel describes the currently loaded model.
type ActiveModel struct {
	// example: TinyLlama-1.1B-Chat-v1.0-GGUF
	Name string `json:"name"`
	// example: /home/user/.local/share/chatd/models/TinyLlama-1.1B-Chat-v1.0-GGUF/model.gguf
	Path string `json:"path"`
	// example: sentencepiece
	Tokenizer string `json:"tokenizer"`
	// Number of in-flight users of the loaded handle.
	// example: 1
	Refs int `json:"refs"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Active model, if any.
	Active *ActiveModel `json:"active,omitempty"`
	// Queued jobs on the worker pool.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Running jobs on the worker pool.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued jobs before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Acquisitions currently running.
	// example: 0
	Acquiring int `json:"acquiring" example:"0"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total successful model loads.
	// example: 3
	LoadsTotal uint64 `json:"loads_total" example:"3"`
	// Total completed chat calls.
	// example: 12
	ChatsTotal uint64 `json:"chats_total" example:"12"`
}
