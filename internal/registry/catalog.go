package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"chatd/pkg/types"
)

// Builtin returns the default model catalog.
func Builtin() []types.ModelDescriptor {
	return []types.ModelDescriptor{
		{
			Name:         "Llama-2-7B-Chat-GGUF",
			SizeMB:       3800,
			URL:          "https://huggingface.co/TheBloke/Llama-2-7B-Chat-GGUF/resolve/main/llama-2-7b-chat.Q4_K_M.gguf",
			TokenizerURL: "https://huggingface.co/meta-llama/Llama-2-7b-chat-hf/resolve/main/tokenizer.model",
			Description:  "Llama 2 7B Chat model - good balance of size and quality",
			Family:       "llama",
		},
		{
			Name:         "TinyLlama-1.1B-Chat-v1.0-GGUF",
			SizeMB:       700,
			URL:          "https://huggingface.co/TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/resolve/main/tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf",
			TokenizerURL: "https://huggingface.co/TinyLlama/TinyLlama-1.1B-Chat-v1.0/resolve/main/tokenizer.model",
			Description:  "TinyLlama 1.1B Chat model - extremely fast, smaller model",
			Family:       "llama",
		},
	}
}

// catalogFile is the on-disk shape of a catalog file.
type catalogFile struct {
	Models []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
}

// LoadCatalog reads extra descriptors from a file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadCatalog(path string) ([]types.ModelDescriptor, error) {
	if path == "" {
		return nil, fmt.Errorf("empty catalog path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf catalogFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cf)
	case ".json":
		err = json.Unmarshal(b, &cf)
	case ".toml":
		err = toml.Unmarshal(b, &cf)
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, d := range cf.Models {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("catalog entry %d: name is required", i)
		}
		if strings.TrimSpace(d.URL) == "" {
			return nil, fmt.Errorf("catalog entry %q: url is required", d.Name)
		}
	}
	return cf.Models, nil
}

// Merge overlays extra on base by name. Order follows base, then new names
// from extra in their given order.
func Merge(base, extra []types.ModelDescriptor) []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(base)+len(extra))
	idx := make(map[string]int, len(base)+len(extra))
	for _, d := range base {
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	for _, d := range extra {
		if i, ok := idx[d.Name]; ok {
			out[i] = d
			continue
		}
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	return out
}
