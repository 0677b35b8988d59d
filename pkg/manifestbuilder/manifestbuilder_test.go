package manifestbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tweag/img-repack/pkg/api"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func specV1PlatformLinuxAmd64() specv1.Platform {
	return specv1.Platform{OS: "linux", Architecture: "amd64"}
}

const sourceConfig = `{
	"architecture": "amd64",
	"os": "linux",
	"config": {"Env": ["PATH=/usr/bin"], "Cmd": ["/bin/sh"]},
	"rootfs": {"type": "layers", "diff_ids": ["sha256:old"]},
	"history": [{"created": "2020-01-01T00:00:00Z", "created_by": "old"}],
	"somethingImgRepackDoesNotKnowAbout": {"keep": "me"}
}`

func TestRewriteConfigPreservesUnknownFieldsAndRewritesRootFS(t *testing.T) {
	layers := []LayerResult{
		{DiffID: "sha256:aaa", NonEmpty: true},
		{DiffID: "sha256:bbb", NonEmpty: true},
		{NonEmpty: false}, // empty layer, excluded
	}
	buildTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := RewriteConfig([]byte(sourceConfig), layers, buildTime)
	if err != nil {
		t.Fatalf("RewriteConfig: %v", err)
	}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if _, ok := got["somethingImgRepackDoesNotKnowAbout"]; !ok {
		t.Error("unknown field was dropped")
	}

	var rootfs struct {
		DiffIDs []string `json:"diff_ids"`
	}
	if err := json.Unmarshal(got["rootfs"], &rootfs); err != nil {
		t.Fatalf("unmarshal rootfs: %v", err)
	}
	if len(rootfs.DiffIDs) != 2 || rootfs.DiffIDs[0] != "sha256:aaa" || rootfs.DiffIDs[1] != "sha256:bbb" {
		t.Errorf("diff_ids = %v, want [sha256:aaa sha256:bbb]", rootfs.DiffIDs)
	}

	var history []map[string]any
	if err := json.Unmarshal(got["history"], &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}

	var cfg struct {
		Config struct {
			Env []string `json:"Env"`
		} `json:"config"`
	}
	if err := json.Unmarshal(out, &cfg); err != nil {
		t.Fatalf("unmarshal config.Env: %v", err)
	}
	if len(cfg.Config.Env) != 1 || cfg.Config.Env[0] != "PATH=/usr/bin" {
		t.Errorf("Env = %v, want preserved PATH entry", cfg.Config.Env)
	}
}

func TestBuildManifestSkipsEmptyLayers(t *testing.T) {
	configRaw := []byte(`{"os":"linux"}`)
	layers := []LayerResult{
		{MediaType: "application/vnd.oci.image.layer.v1.tar+zstd", Digest: "sha256:" + sha256Hex("a"), Size: 10, NonEmpty: true},
		{NonEmpty: false},
	}
	out, err := BuildManifest(configRaw, layers)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	var manifest struct {
		Layers []map[string]any `json:"layers"`
	}
	if err := json.Unmarshal(out, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(manifest.Layers) != 1 {
		t.Fatalf("got %d layers, want 1 (empty layer excluded)", len(manifest.Layers))
	}
}

func TestPlaceBlobRejectsDigestCollisionWithDifferentContent(t *testing.T) {
	blobsDir := t.TempDir()
	raw := []byte("hello")
	d := sha256Digest(raw)
	// Plant a file under the digest raw would hash to, but with different
	// content, simulating a (practically impossible but spec-mandated)
	// digest collision.
	if err := os.WriteFile(filepath.Join(blobsDir, d.Encoded()), []byte("not hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := placeBlob(blobsDir, raw); !errors.Is(err, api.ErrWriteFailed) {
		t.Fatalf("placeBlob with colliding content = %v, want ErrWriteFailed", err)
	}
}

func TestCopyBlobFileAcceptsIdempotentRewrite(t *testing.T) {
	blobsDir := t.TempDir()
	content := []byte("layer bytes")
	digestStr := "sha256:" + sha256Hex(string(content))

	srcA := filepath.Join(t.TempDir(), "a.tar")
	if err := os.WriteFile(srcA, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := copyBlobFile(blobsDir, digestStr, srcA); err != nil {
		t.Fatalf("first copyBlobFile: %v", err)
	}

	srcB := filepath.Join(t.TempDir(), "b.tar")
	if err := os.WriteFile(srcB, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := copyBlobFile(blobsDir, digestStr, srcB); err != nil {
		t.Fatalf("idempotent copyBlobFile with identical content: %v", err)
	}

	srcC := filepath.Join(t.TempDir(), "c.tar")
	if err := os.WriteFile(srcC, []byte("different bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := copyBlobFile(blobsDir, digestStr, srcC); !errors.Is(err, api.ErrWriteFailed) {
		t.Fatalf("copyBlobFile with mismatching content = %v, want ErrWriteFailed", err)
	}
}

func TestWriteOCILayoutProducesExpectedTree(t *testing.T) {
	dir := t.TempDir()
	blobDir := t.TempDir()
	layerBlob := filepath.Join(blobDir, "layer0.tar.zst")
	if err := os.WriteFile(layerBlob, []byte("compressed bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	configRaw := []byte(`{"os":"linux","architecture":"amd64"}`)
	layers := []LayerResult{
		{MediaType: "application/vnd.oci.image.layer.v1.tar+zstd", Digest: "sha256:" + sha256Hex("compressed bytes"), DiffID: "sha256:" + sha256Hex("diff"), Size: int64(len("compressed bytes")), BlobPath: layerBlob, NonEmpty: true},
	}
	manifestRaw, err := BuildManifest(configRaw, layers)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}

	pm := PlatformManifest{
		Platform:    specV1PlatformLinuxAmd64(),
		ConfigRaw:   configRaw,
		ManifestRaw: manifestRaw,
		Layers:      layers,
	}

	if err := WriteOCILayout(dir, []PlatformManifest{pm}, "latest"); err != nil {
		t.Fatalf("WriteOCILayout: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "oci-layout")); err != nil {
		t.Error("missing oci-layout file")
	}
	if _, err := os.Stat(filepath.Join(dir, "index.json")); err != nil {
		t.Error("missing index.json")
	}
	entries, err := os.ReadDir(filepath.Join(dir, "blobs", "sha256"))
	if err != nil {
		t.Fatalf("reading blobs dir: %v", err)
	}
	// config + manifest + layer blob
	if len(entries) != 3 {
		t.Errorf("got %d blobs, want 3: %v", len(entries), entries)
	}
}
