package policyopa

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	cryptoinfra "equiaudit/internal/infra/crypto"
)

type bundleHashPayload struct {
	Files []bundleHashFile `json:"files"`
}

type bundleHashFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ComputeBundleHash identifies the rule set by the sha256 of every .rego
// file under root, keyed by slash path.
func ComputeBundleHash(fsys fs.FS, root string) (string, error) {
	var files []bundleHashFile
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || path.Ext(p) != ".rego" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		files = append(files, bundleHashFile{Path: rel, SHA256: cryptoinfra.SHA256.Sum(data)})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if files == nil {
		files = []bundleHashFile{}
	}
	hash, _, err := cryptoinfra.ContentHash(cryptoinfra.SHA256, bundleHashPayload{Files: files})
	return hash, err
}
