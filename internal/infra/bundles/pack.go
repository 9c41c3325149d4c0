package bundles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
	"equiaudit/internal/infra/manifest"
)

const (
	ManifestFileName = "manifest.json"
	// HashManifestPrefix is followed by the manifest's digest algorithm,
	// e.g. HashManifest.sha256 or HashManifest.blake3.
	HashManifestPrefix = "HashManifest."

	maxZipEntryBytes = 256 << 20
)

// Every entry carries the same timestamp so identical inputs give identical
// archive bytes.
var deterministicTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Store writes and reads AuditPack archives on the local filesystem.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// WritePack seals manifest and files into a zip at path. The archive is
// written to a temporary sibling, synced, then linked into place; an
// existing file at path is never replaced.
func (s *Store) WritePack(ctx context.Context, path string, m domain.Manifest, files []domain.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrArtifactExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat archive: %w", err)
	}

	content, err := BuildArchive(m, files)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".auditpack-*.zip")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", domain.ErrArtifactExists, path)
		}
		return fmt.Errorf("link archive: %w", err)
	}
	return syncDir(dir)
}

// HashManifestFileName names the digest listing after the algorithm that
// produced its hashes.
func HashManifestFileName(digestAlg string) string {
	if digestAlg == "" {
		digestAlg = cryptoinfra.DigestSHA256
	}
	return HashManifestPrefix + digestAlg
}

// BuildArchive renders the zip bytes: manifest.json, the HashManifest listing
// and every artifact, sorted by name.
func BuildArchive(m domain.Manifest, files []domain.Artifact) ([]byte, error) {
	manifestJSON, err := manifest.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	listingName := HashManifestFileName(m.DigestAlg)
	entries := make([]domain.Artifact, 0, len(files)+2)
	entries = append(entries,
		domain.Artifact{Name: ManifestFileName, Content: manifestJSON},
		domain.Artifact{Name: listingName, Content: manifest.HashManifestText(m)},
	)
	seen := map[string]struct{}{ManifestFileName: {}, listingName: {}}
	for _, file := range files {
		if _, ok := seen[file.Name]; ok {
			return nil, &domain.DuplicateArtifactError{Name: file.Name}
		}
		seen[file.Name] = struct{}{}
		entries = append(entries, file)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var buffer bytes.Buffer
	zw := zip.NewWriter(&buffer)
	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Deflate,
			Modified: deterministicTimestamp,
		}
		header.SetMode(0o644)
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", entry.Name, err)
		}
		if _, err := fw.Write(entry.Content); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buffer.Bytes(), nil
}

// ReadPack opens an archive and returns its manifest and the remaining
// artifacts. The HashManifest listing named for manifest.json's digest_alg
// must be present and agree with it.
func (s *Store) ReadPack(ctx context.Context, path string) (domain.AuditPack, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditPack{}, err
	}
	bundle, err := openZip(path)
	if err != nil {
		return domain.AuditPack{}, err
	}
	defer func() {
		_ = bundle.Close()
	}()

	manifestFile, ok := bundle.Files[ManifestFileName]
	if !ok {
		return domain.AuditPack{}, fmt.Errorf("%w: missing %s", domain.ErrManifestMismatch, ManifestFileName)
	}
	raw, err := readZipFile(manifestFile)
	if err != nil {
		return domain.AuditPack{}, fmt.Errorf("read %s: %w", ManifestFileName, err)
	}
	var m domain.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.AuditPack{}, fmt.Errorf("%w: decode %s: %v", domain.ErrManifestMismatch, ManifestFileName, err)
	}

	listingName := HashManifestFileName(m.DigestAlg)
	listing, ok := bundle.Files[listingName]
	if !ok {
		return domain.AuditPack{}, &domain.ManifestMismatchError{Artifacts: []string{listingName}}
	}
	text, err := readZipFile(listing)
	if err != nil {
		return domain.AuditPack{}, fmt.Errorf("read %s: %w", listingName, err)
	}
	if !bytes.Equal(text, manifest.HashManifestText(m)) {
		return domain.AuditPack{}, &domain.ManifestMismatchError{Artifacts: []string{listingName}}
	}

	names := make([]string, 0, len(bundle.Files))
	for name := range bundle.Files {
		if name == ManifestFileName || name == listingName {
			continue
		}
		if strings.HasPrefix(name, HashManifestPrefix) {
			return domain.AuditPack{}, &domain.ManifestMismatchError{Artifacts: []string{name}}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	artifacts := make([]domain.Artifact, 0, len(names))
	for _, name := range names {
		content, err := readZipFile(bundle.Files[name])
		if err != nil {
			return domain.AuditPack{}, fmt.Errorf("read %s: %w", name, err)
		}
		artifacts = append(artifacts, domain.Artifact{Name: name, Content: content})
	}
	return domain.AuditPack{Manifest: m, Artifacts: artifacts}, nil
}

type openedZip struct {
	Reader *zip.ReadCloser
	Files  map[string]*zip.File
}

func (bundle *openedZip) Close() error {
	if bundle == nil || bundle.Reader == nil {
		return nil
	}
	return bundle.Reader.Close()
}

func openZip(path string) (*openedZip, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	files := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if _, dup := files[file.Name]; dup {
			_ = reader.Close()
			return nil, &domain.ManifestMismatchError{Artifacts: []string{file.Name}}
		}
		files[file.Name] = file
	}
	return &openedZip{Reader: reader, Files: files}, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(reader, maxZipEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > maxZipEntryBytes {
		return nil, fmt.Errorf("zip entry too large")
	}
	return payload, nil
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open output dir: %w", err)
	}
	defer func() {
		_ = handle.Close()
	}()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("sync output dir: %w", err)
	}
	return nil
}
