package manager

import (
	"os"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	Attached    bool   `json:"attached"`
	BaseURL     string `json:"base_url,omitempty"`
	LlamaFound  bool   `json:"llama_found"`
	LlamaPath   string `json:"llama_path,omitempty"`
	ModelsDir   string `json:"models_dir"`
	ModelsDirOK bool   `json:"models_dir_ok"`
	Error       string `json:"error,omitempty"`
}

// SanityCheck validates that the llama-server binary (spawn mode) and the
// models directory are usable. It does not mutate state and is safe to call
// at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{BaseURL: m.llamaBaseURL, Attached: m.llamaBaseURL != "", ModelsDir: m.reg.Root()}
	if fi, err := os.Stat(r.ModelsDir); err == nil && fi.IsDir() {
		r.ModelsDirOK = true
	} else if os.IsNotExist(err) {
		// created on first acquisition
		r.ModelsDirOK = true
	}
	if r.Attached {
		return r
	}
	bin := m.llamaBin
	if bin == "" {
		r.Error = "llama-server not found"
		return r
	}
	r.LlamaPath = bin
	fi, err := os.Stat(bin)
	switch {
	case err != nil:
		r.Error = err.Error()
	case fi.IsDir():
		r.Error = "llama path is a directory"
	default:
		r.LlamaFound = true
	}
	return r
}
