package identity

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/mod/sumdb/dirhash"

	"github.com/acheong08/deptags/pkg/models"
)

// DefaultExcludes are names never fingerprinted: VCS metadata, vendored
// dependency trees and build output.
var DefaultExcludes = []string{".git", ".hg", ".svn", "node_modules", "target"}

// Hasher computes node hashes. Versioned packages hash their identity;
// local packages hash the content of their source paths.
type Hasher struct {
	excludes []string
}

// NewHasher creates a hasher skipping files and directories whose base name
// matches one of the patterns (filepath.Match syntax).
func NewHasher(excludes ...string) *Hasher {
	return &Hasher{excludes: excludes}
}

// Hash returns the node's identity hash.
func (h *Hasher) Hash(node *models.PackageNode) (Hash, error) {
	if node.Versioned() {
		return Sum("pkg", node.Name, node.Version, node.Source), nil
	}

	parts := []string{"local", node.Name, node.TagsRoot()}
	for _, path := range node.SourcePaths {
		fp, err := h.Fingerprint(path)
		if err != nil {
			return 0, fmt.Errorf("failed to fingerprint %s: %w", path, err)
		}
		parts = append(parts, path, fp)
	}
	return Sum(parts...), nil
}

// Fingerprint hashes the content of a file or of every regular file below a
// directory, in the dirhash "h1:" format.
func (h *Hasher) Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if !info.IsDir() {
		dir, name := filepath.Split(path)
		return dirhash.Hash1([]string{name}, opener(dir))
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != path && h.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	return dirhash.Hash1(files, opener(path))
}

func (h *Hasher) excluded(name string) bool {
	for _, pattern := range h.excludes {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func opener(dir string) func(string) (io.ReadCloser, error) {
	return func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	}
}
