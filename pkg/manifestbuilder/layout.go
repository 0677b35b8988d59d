package manifestbuilder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tweag/img-repack/pkg/api"
)

const ociLayoutVersion = "1.0.0"

// PlatformManifest is one platform's rewritten config, manifest, and layer
// blobs, ready to be written into the output OCI layout.
type PlatformManifest struct {
	Platform    specv1.Platform
	ConfigRaw   []byte
	ManifestRaw []byte
	Layers      []LayerResult
}

// BuildManifest marshals the OCI manifest referencing configRaw and the
// ordered, non-empty layer results.
func BuildManifest(configRaw []byte, layers []LayerResult) ([]byte, error) {
	configDigest := sha256Digest(configRaw)

	layerDescs := make([]specv1.Descriptor, 0, len(layers))
	for _, l := range layers {
		if !l.NonEmpty {
			continue
		}
		layerDescs = append(layerDescs, specv1.Descriptor{
			MediaType: l.MediaType,
			Digest:    digest.Digest(l.Digest),
			Size:      l.Size,
		})
	}

	manifest := specv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: specv1.MediaTypeImageManifest,
		Config: specv1.Descriptor{
			MediaType: api.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configRaw)),
		},
		Layers: layerDescs,
	}

	out, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling manifest: %v", api.ErrWriteFailed, err)
	}
	return out, nil
}

// WriteOCILayout writes a complete OCI image layout to outputDir: the
// oci-layout marker, index.json (referencing every platform's manifest,
// tagged with refAnnotation if non-empty), and a blobs/sha256/ tree
// containing the config, manifest, and layer blobs for every platform.
func WriteOCILayout(outputDir string, platforms []PlatformManifest, refAnnotation string) error {
	blobsDir := filepath.Join(outputDir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating blobs directory: %v", api.ErrWriteFailed, err)
	}

	layoutMarker := map[string]string{"imageLayoutVersion": ociLayoutVersion}
	if err := writeJSON(filepath.Join(outputDir, "oci-layout"), layoutMarker); err != nil {
		return err
	}

	manifestDescs := make([]specv1.Descriptor, 0, len(platforms))
	for _, pm := range platforms {
		if err := placeBlob(blobsDir, pm.ConfigRaw); err != nil {
			return err
		}
		for _, l := range pm.Layers {
			if !l.NonEmpty {
				continue
			}
			if err := copyBlobFile(blobsDir, l.Digest, l.BlobPath); err != nil {
				return err
			}
		}
		if err := placeBlob(blobsDir, pm.ManifestRaw); err != nil {
			return err
		}

		manifestDigest := sha256Digest(pm.ManifestRaw)
		platform := pm.Platform
		manifestDescs = append(manifestDescs, specv1.Descriptor{
			MediaType: specv1.MediaTypeImageManifest,
			Digest:    manifestDigest,
			Size:      int64(len(pm.ManifestRaw)),
			Platform:  &platform,
		})
	}

	var annotations map[string]string
	if refAnnotation != "" {
		annotations = map[string]string{specv1.AnnotationRefName: refAnnotation}
	}

	index := specv1.Index{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   specv1.MediaTypeImageIndex,
		Manifests:   manifestDescs,
		Annotations: annotations,
	}
	return writeJSON(filepath.Join(outputDir, "index.json"), index)
}

func placeBlob(blobsDir string, raw []byte) error {
	d := sha256Digest(raw)
	dst := filepath.Join(blobsDir, d.Encoded())

	existing, err := os.ReadFile(dst)
	if err == nil {
		if !bytes.Equal(existing, raw) {
			return fmt.Errorf("%w: blob %s already exists with different content", api.ErrWriteFailed, d.Encoded())
		}
		return nil // idempotent overwrite: identical digest and content already present
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: checking existing blob %s: %v", api.ErrWriteFailed, d.Encoded(), err)
	}
	return os.WriteFile(dst, raw, 0o644)
}

// copyBlobFile places a layer blob already materialized on disk (srcPath)
// into the blob tree, hardlinking when possible and falling back to a copy
// — the same fallback chain the OCI layout writer uses for local blobs.
func copyBlobFile(blobsDir, digestStr, srcPath string) error {
	encoded := digest.Digest(digestStr).Encoded()
	dst := filepath.Join(blobsDir, encoded)

	if _, err := os.Stat(dst); err == nil {
		same, err := sameFileContent(dst, srcPath)
		if err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%w: blob %s already exists with different content", api.ErrWriteFailed, encoded)
		}
		return nil
	}

	if err := os.Link(srcPath, dst); err == nil {
		return nil
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: opening layer blob %s: %v", api.ErrWriteFailed, srcPath, err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: creating blob %s: %v", api.ErrWriteFailed, dst, err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("%w: copying blob %s: %v", api.ErrWriteFailed, dst, err)
	}
	return nil
}

// sameFileContent streams both files through SHA-256 rather than holding
// either in memory, since layer blobs can be as large as the target layer
// size.
func sameFileContent(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", api.ErrWriteFailed, path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("%w: hashing %s: %v", api.ErrWriteFailed, path, err)
	}
	return h.Sum(nil), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %v", api.ErrWriteFailed, path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", api.ErrWriteFailed, path, err)
	}
	return nil
}

func sha256Digest(data []byte) digest.Digest {
	sum := sha256.Sum256(data)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
}
