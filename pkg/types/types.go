package types

// Progress status tags, in lifecycle order.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusValidating  = "validating"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Artifact file-type tags carried by progress events.
const (
	FileModel     = "model"
	FileTokenizer = "tokenizer"
)

// ProgressEvent reports the state of one acquisition.
type ProgressEvent struct {
	// Acquisition identifier shared by all events of one acquire call.
	// example: 4b0d1d7e-3f59-4c43-9a3e-5f4f0b0c2f11
	ID string `json:"id" example:"4b0d1d7e-3f59-4c43-9a3e-5f4f0b0c2f11"`
	// Model name.
	// example: TinyLlama-1.1B-Chat-v1.0-GGUF
	Model string `json:"model" example:"TinyLlama-1.1B-Chat-v1.0-GGUF"`
	// Artifact the event refers to, when several are involved.
	// example: model
	FileType string `json:"file_type,omitempty" example:"model"`
	// One of queued, downloading, validating, completed, failed.
	// example: downloading
	Status string `json:"status" example:"downloading"`
	// Overall progress, 0-100, non-decreasing within one acquisition.
	// example: 42
	Progress int `json:"progress" example:"42"`
	// Bytes received for the current artifact.
	// example: 1048576
	Downloaded int64 `json:"downloaded,omitempty" example:"1048576"`
	// Advertised size of the current artifact, 0 when unknown.
	// example: 734003200
	Total int64 `json:"total,omitempty" example:"734003200"`
	// Error detail for failed events.
	Error string `json:"error,omitempty"`
}
