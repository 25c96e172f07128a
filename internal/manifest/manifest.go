// Package manifest builds signed artifact manifests for validation runs:
// each item records the path, size and SHA-256 of one produced or consumed
// file so a run can be archived and later re-verified.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/a429gate/internal/common"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	ShaAlgo   string     `json:"shaAlgo"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

// Signature describes how the manifest was signed. The detached JWS itself
// lives in SignatureFile next to the manifest.
type Signature struct {
	Type          string `json:"type"`
	CertSubject   string `json:"certSubject,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	SignatureFile string `json:"signatureFile,omitempty"`
}

// Build hashes each path and classifies it by extension.
func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, fmt.Errorf("hash %s: %w", p, err)
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: itemType(p)})
	}
	return m, nil
}

func itemType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".a429", ".arinc429":
		return "capture"
	case ".toml":
		return "registry"
	case ".ndjson", ".jsonl":
		return "diagnostics"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	case ".jws":
		return "signature"
	default:
		return "other"
	}
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// Verify re-hashes every item and returns an error naming the first file
// whose size or digest no longer matches.
func Verify(m Manifest, baseDir string) error {
	if m.ShaAlgo != "sha256" {
		return fmt.Errorf("unsupported manifest algorithm %q", m.ShaAlgo)
	}
	for _, item := range m.Items {
		p := item.Path
		if baseDir != "" && !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return fmt.Errorf("hash %s: %w", item.Path, err)
		}
		if sz != item.Size {
			return fmt.Errorf("%s: size %d, manifest says %d", item.Path, sz, item.Size)
		}
		if hex != item.Sha256 {
			return fmt.Errorf("%s: sha256 mismatch", item.Path)
		}
	}
	return nil
}
