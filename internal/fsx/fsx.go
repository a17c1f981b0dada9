// Package fsx provides the small filesystem primitives the job store and
// session manifold are built on: atomic JSON writes, workspace containment
// checks and MIME inference for served artifacts.
package fsx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so concurrent readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v with two-space indentation and writes it
// atomically. Persisted state is pretty-printed so it stays greppable.
func WriteJSONAtomic(path string, v any) error {
	data, err := MarshalIndent(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// MarshalIndent encodes v with two-space indentation and a trailing newline.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf.Bytes(), nil
}

// ResolveWithin resolves rel against root and verifies the real path stays
// inside root, rejecting ".." traversal and symlink escapes. It returns the
// absolute path of the existing file.
func ResolveWithin(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", err
	}

	// Any ".." segment is rejected outright rather than cleaned away, so
	// encoded traversal probes cannot resolve back inside the workspace.
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes workspace", rel)
		}
	}

	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	candidate := filepath.Join(rootReal, cleaned)

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", err
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return real, nil
}

// mimeOverrides maps artifact extensions produced by the solver tools to
// their content types. Everything else falls through to octet-stream.
var mimeOverrides = map[string]string{
	".png":  "image/png",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".pvd":  "application/octet-stream",
	".vtk":  "application/octet-stream",
	".tet":  "application/octet-stream",
	".obj":  "application/octet-stream",
	".step": "application/octet-stream",
	".stl":  "application/octet-stream",
}

// ContentTypeFor infers the MIME type of an artifact from its extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := mimeOverrides[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
