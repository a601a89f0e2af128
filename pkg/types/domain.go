package types

// Tokenizer kinds a model descriptor may request.
const (
	// TokenizerEmbedded uses the vocabulary stored inside the model artifact.
	TokenizerEmbedded = "embedded"
	// TokenizerSentencePiece uses a separate SentencePiece tokenizer.model artifact.
	TokenizerSentencePiece = "sentencepiece"
)

// ModelDescriptor describes a downloadable model. Descriptors are immutable
// values; Name doubles as the storage key under the models directory.
type ModelDescriptor struct {
	// Unique model name, used as the on-disk directory name.
	// example: TinyLlama-1.1B-Chat-v1.0-GGUF
	Name string `json:"name" yaml:"name" toml:"name" example:"TinyLlama-1.1B-Chat-v1.0-GGUF"`
	// Approximate download size in megabytes.
	// example: 700
	SizeMB int `json:"size_mb" yaml:"size_mb" toml:"size_mb" example:"700"`
	// Download URL of the GGUF weights.
	// example: https://huggingface.co/TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/resolve/main/tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf
	URL string `json:"url" yaml:"url" toml:"url"`
	// Optional download URL of an external tokenizer.model artifact.
	TokenizerURL string `json:"tokenizer_url,omitempty" yaml:"tokenizer_url" toml:"tokenizer_url"`
	// Human-readable description.
	// example: TinyLlama 1.1B Chat model - extremely fast, smaller model
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
	// Optional family (e.g., llama, mistral).
	// example: llama
	Family string `json:"family,omitempty" yaml:"family" toml:"family" example:"llama"`
	// Tokenizer selection: "embedded" or "sentencepiece". Empty means
	// sentencepiece when TokenizerURL is set, embedded otherwise.
	// example: sentencepiece
	Tokenizer string `json:"tokenizer,omitempty" yaml:"tokenizer" toml:"tokenizer" example:"sentencepiece"`
	// Whether the weights are present on disk. Filled in by GET /models.
	// example: true
	Installed bool `json:"installed" yaml:"-" toml:"-" example:"true"`
}

// TokenizerKind resolves the effective tokenizer selection for the descriptor.
func (d ModelDescriptor) TokenizerKind() string {
	switch d.Tokenizer {
	case TokenizerEmbedded, TokenizerSentencePiece:
		return d.Tokenizer
	}
	if d.TokenizerURL != "" {
		return TokenizerSentencePiece
	}
	return TokenizerEmbedded
}

// Chat roles accepted in a transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single turn of a chat transcript.
type ChatMessage struct {
	// One of user, assistant, system.
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: hello
	Content string `json:"content" example:"hello"`
}

// ValidRole reports whether r is an accepted transcript role.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
