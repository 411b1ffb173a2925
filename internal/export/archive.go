package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// Имена служебных файлов внутри архива.
const (
	FileManifest          = "manifest.json"
	FileManifestCanonical = "manifest.canonical.json"
	FileManifestSHA256    = "manifest.sha256"
	FileManifestSig       = "manifest.sig"
)

// WriteArchive упаковывает бандл и подписанный манифест в ZIP.
// manifest.sha256 и manifest.sig считаются от канонических байтов, поэтому
// manifest.canonical.json кладётся рядом с человекочитаемым manifest.json.
func WriteArchive(bundle *domain.ExportBundle, manifest *domain.ExportManifest, signed *domain.SignedManifest) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	pretty, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: manifest marshal: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{ArtifactDecisions, bundle.DecisionsCSV},
		{ArtifactApprovals, bundle.ApprovalsCSV},
		{FileManifest, pretty},
		{FileManifestCanonical, signed.CanonicalJSON},
		{FileManifestSHA256, []byte(signed.SHA256 + "\n")},
		{FileManifestSig, []byte(signed.KeyID + ":" + signed.Signature + "\n")},
	}

	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("export: zip entry %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("export: zip write %s: %w", f.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: zip close: %w", err)
	}
	return buf.Bytes(), nil
}
