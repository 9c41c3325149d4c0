package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"equiaudit/internal/domain"
	cryptoinfra "equiaudit/internal/infra/crypto"
)

// Builder binds a set of artifacts and a ledger chain head into a manifest.
type Builder struct {
	Digester cryptoinfra.Digester
}

func NewBuilder(d cryptoinfra.Digester) *Builder {
	if d == nil {
		d = cryptoinfra.SHA256
	}
	return &Builder{Digester: d}
}

type aggregateInput struct {
	ChainHead string                 `json:"chain_head"`
	DigestAlg string                 `json:"digest_alg"`
	Entries   []domain.ManifestEntry `json:"entries"`
}

func (b *Builder) Build(artifacts []domain.Artifact, chainHead string) (domain.Manifest, error) {
	if chainHead == "" {
		return domain.Manifest{}, errors.New("chain_head is required")
	}
	seen := make(map[string]struct{}, len(artifacts))
	entries := make([]domain.ManifestEntry, 0, len(artifacts))
	for _, artifact := range artifacts {
		if err := validateName(artifact.Name); err != nil {
			return domain.Manifest{}, err
		}
		if _, ok := seen[artifact.Name]; ok {
			return domain.Manifest{}, &domain.DuplicateArtifactError{Name: artifact.Name}
		}
		seen[artifact.Name] = struct{}{}
		entries = append(entries, domain.ManifestEntry{
			Name:   artifact.Name,
			Hash:   b.digester().Sum(artifact.Content),
			Length: int64(len(artifact.Content)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	m := domain.Manifest{
		DigestAlg: b.digester().Name(),
		Entries:   entries,
		ChainHead: chainHead,
	}
	hash, err := b.aggregate(m)
	if err != nil {
		return domain.Manifest{}, err
	}
	m.ManifestHash = hash
	return m, nil
}

// Verify recomputes every entry and the aggregate hash. Every artifact that
// differs from its entry is named in the result.
func (b *Builder) Verify(m domain.Manifest, artifacts []domain.Artifact) domain.ManifestVerification {
	result := domain.ManifestVerification{}
	d := b.digester()
	if m.DigestAlg != "" && m.DigestAlg != d.Name() {
		if alt, err := cryptoinfra.NewDigester(m.DigestAlg); err == nil {
			d = alt
		}
	}

	byName := make(map[string][]byte, len(artifacts))
	for _, artifact := range artifacts {
		byName[artifact.Name] = artifact.Content
	}
	declared := make(map[string]struct{}, len(m.Entries))
	for _, entry := range m.Entries {
		declared[entry.Name] = struct{}{}
		content, ok := byName[entry.Name]
		if !ok {
			result.Missing = append(result.Missing, entry.Name)
			continue
		}
		if int64(len(content)) != entry.Length || d.Sum(content) != entry.Hash {
			result.Mismatched = append(result.Mismatched, entry.Name)
		}
	}
	for name := range byName {
		if _, ok := declared[name]; !ok {
			result.Unexpected = append(result.Unexpected, name)
		}
	}
	sort.Strings(result.Missing)
	sort.Strings(result.Mismatched)
	sort.Strings(result.Unexpected)

	aggregate, err := (&Builder{Digester: d}).aggregate(m)
	result.AggregateOK = err == nil && aggregate == m.ManifestHash
	result.OK = result.AggregateOK && len(result.Missing) == 0 && len(result.Mismatched) == 0 && len(result.Unexpected) == 0
	return result
}

// VerifyErr is Verify reported as a *domain.ManifestMismatchError.
func (b *Builder) VerifyErr(m domain.Manifest, artifacts []domain.Artifact) error {
	result := b.Verify(m, artifacts)
	if result.OK {
		return nil
	}
	names := append([]string{}, result.Mismatched...)
	names = append(names, result.Missing...)
	names = append(names, result.Unexpected...)
	sort.Strings(names)
	return &domain.ManifestMismatchError{Artifacts: names, AggregateMismatch: !result.AggregateOK}
}

func (b *Builder) aggregate(m domain.Manifest) (string, error) {
	entries := m.Entries
	if entries == nil {
		entries = []domain.ManifestEntry{}
	}
	canonical, err := cryptoinfra.CanonicalizeAny(aggregateInput{
		ChainHead: m.ChainHead,
		DigestAlg: m.DigestAlg,
		Entries:   entries,
	})
	if err != nil {
		return "", err
	}
	return b.digester().Sum(canonical), nil
}

func (b *Builder) digester() cryptoinfra.Digester {
	if b == nil || b.Digester == nil {
		return cryptoinfra.SHA256
	}
	return b.Digester
}

// Encode is the canonical manifest.json content.
func Encode(m domain.Manifest) ([]byte, error) {
	return cryptoinfra.CanonicalizeAny(m)
}

// HashManifestText renders a sha256sum-style listing, one "<hash>  <name>"
// line per entry.
func HashManifestText(m domain.Manifest) []byte {
	var buf bytes.Buffer
	for _, entry := range m.Entries {
		fmt.Fprintf(&buf, "%s  %s\n", entry.Hash, entry.Name)
	}
	return buf.Bytes()
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: artifact name is empty", domain.ErrInvalidRequest)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: artifact name %q must be a relative slash path", domain.ErrInvalidRequest, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: artifact name %q has an invalid path segment", domain.ErrInvalidRequest, name)
		}
	}
	return nil
}
