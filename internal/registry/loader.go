package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// Canonical artifact filenames inside a model directory.
const (
	ModelFile     = "model.gguf"
	TokenizerFile = "tokenizer.model"
)

// Layout is the resolved on-disk location of a model's artifacts.
type Layout struct {
	Dir       string
	Model     string
	Tokenizer string
}

// Resolve computes the storage layout for name under root.
func Resolve(root, name string) (Layout, error) {
	safe, err := fsutil.SafeName(name)
	if err != nil {
		return Layout{}, err
	}
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return Layout{}, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return Layout{}, fmt.Errorf("abs path: %w", err)
	}
	dir := filepath.Join(abs, safe)
	return Layout{
		Dir:       dir,
		Model:     filepath.Join(dir, ModelFile),
		Tokenizer: filepath.Join(dir, TokenizerFile),
	}, nil
}

// LoadDir scans root for model directories holding a canonical weights file.
// Temp files with the .download suffix are never considered. A missing root
// yields an empty list.
func LoadDir(root string) ([]string, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || fsutil.IsPartial(e.Name()) {
			continue
		}
		if fsutil.FileExists(filepath.Join(base, e.Name(), ModelFile)) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Registry is the model catalog bound to a models directory.
type Registry struct {
	root    string
	entries []types.ModelDescriptor
}

// New builds a registry over root with the given catalog entries.
func New(root string, entries []types.ModelDescriptor) *Registry {
	cp := make([]types.ModelDescriptor, len(entries))
	copy(cp, entries)
	return &Registry{root: root, entries: cp}
}

// Root returns the models directory.
func (r *Registry) Root() string { return r.root }

// Lookup returns the catalog entry for name.
func (r *Registry) Lookup(name string) (types.ModelDescriptor, bool) {
	for _, d := range r.entries {
		if d.Name == name {
			return d, true
		}
	}
	return types.ModelDescriptor{}, false
}

// Resolve computes the storage layout for name under the registry root.
func (r *Registry) Resolve(name string) (Layout, error) { return Resolve(r.root, name) }

// List returns catalog entries with Installed filled in, followed by models
// found on disk that are not part of the catalog.
func (r *Registry) List() ([]types.ModelDescriptor, error) {
	out := make([]types.ModelDescriptor, 0, len(r.entries))
	seen := make(map[string]bool, len(r.entries))
	for _, d := range r.entries {
		if l, err := r.Resolve(d.Name); err == nil {
			d.Installed = fsutil.FileExists(l.Model)
			seen[filepath.Base(l.Dir)] = true
		}
		out = append(out, d)
	}
	names, err := LoadDir(r.root)
	if err != nil {
		return out, err
	}
	for _, n := range names {
		if seen[n] {
			continue
		}
		d := types.ModelDescriptor{Name: n, Installed: true}
		if l, err := r.Resolve(n); err == nil && fsutil.FileExists(l.Tokenizer) {
			d.Tokenizer = types.TokenizerSentencePiece
		}
		out = append(out, d)
	}
	return out, nil
}
