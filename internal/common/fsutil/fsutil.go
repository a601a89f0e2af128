package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DownloadSuffix marks an in-progress, untrusted transfer.
const DownloadSuffix = ".download"

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// SafeName maps a model name to a single filesystem-safe path component.
// Bytes outside [A-Za-z0-9._-] become '_'. When that changes the name, a
// short hash of the original is appended so that distinct names never share
// a directory ("my model" and "my_model" differ). Names that would resolve
// to the parent or current directory are rejected.
func SafeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty name")
	}
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			b[i] = '_'
		}
	}
	out := string(b)
	if strings.Trim(out, ".") == "" {
		return "", fmt.Errorf("invalid name %q", name)
	}
	if out != name {
		sum := sha256.Sum256([]byte(name))
		out += "-" + hex.EncodeToString(sum[:nameHashBytes])
	}
	return out, nil
}

// nameHashBytes is the length of the disambiguating suffix, in bytes.
const nameHashBytes = 6

// WithinDir reports whether path equals dir or lies beneath it. Both are
// cleaned and made absolute; the comparison is per path component.
func WithinDir(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// IsPartial reports whether name is an in-progress download.
func IsPartial(name string) bool {
	return strings.HasSuffix(name, DownloadSuffix)
}
