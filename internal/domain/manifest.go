package domain

// Artifact is a named blob sealed into a manifest.
type Artifact struct {
	Name    string
	Content []byte
}

type ManifestEntry struct {
	Name   string `json:"name"`
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
}

type Manifest struct {
	DigestAlg    string          `json:"digest_alg"`
	Entries      []ManifestEntry `json:"entries"`
	ChainHead    string          `json:"chain_head"`
	ManifestHash string          `json:"manifest_hash"`
}

func (m Manifest) Entry(name string) (ManifestEntry, bool) {
	for _, entry := range m.Entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return ManifestEntry{}, false
}

type ManifestVerification struct {
	OK          bool     `json:"ok"`
	AggregateOK bool     `json:"aggregate_ok"`
	Mismatched  []string `json:"mismatched,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Unexpected  []string `json:"unexpected,omitempty"`
}

// AuditPack is the decoded content of a sealed archive, excluding the
// manifest files themselves.
type AuditPack struct {
	Manifest  Manifest
	Artifacts []Artifact
}

type PackVerification struct {
	Manifest ManifestVerification `json:"manifest"`
	Chain    ChainVerification    `json:"chain"`
	// ChainHeadOK reports whether the manifest's chain_head is the last
	// record hash of the bundled ledger.
	ChainHeadOK bool `json:"chain_head_ok"`
	OK          bool `json:"ok"`
}
