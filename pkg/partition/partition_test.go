package partition

import (
	"archive/tar"
	"crypto/sha256"
	"testing"

	"github.com/tweag/img-repack/pkg/resolver"
)

func hashOf(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func TestBootstrapCollectsDirsSymlinksSmallFiles(t *testing.T) {
	files := []*resolver.File{
		{Path: "a/", Typeflag: tar.TypeDir},
		{Path: "a/link", Typeflag: tar.TypeSymlink, Linkname: "target"},
		{Path: "a/small.txt", Typeflag: tar.TypeReg, Size: 10, ContentHash: hashOf("small")},
		{Path: "a/big.bin", Typeflag: tar.TypeReg, Size: 10_000_000, ContentHash: hashOf("big")},
	}
	plan := Partition(files, 1_000_000)

	bootstrap := plan.Layers[0]
	paths := pathSet(bootstrap.Files)
	if !paths["a/"] || !paths["a/link"] || !paths["a/small.txt"] {
		t.Fatalf("bootstrap missing expected entries: %v", paths)
	}
	if paths["a/big.bin"] {
		t.Fatalf("big file should not be in bootstrap: %v", paths)
	}
}

func TestContentDedupSharesLayer(t *testing.T) {
	h := hashOf("same content")
	files := []*resolver.File{
		{Path: "a.bin", Typeflag: tar.TypeReg, Size: 5_000_000, ContentHash: h},
		{Path: "b.bin", Typeflag: tar.TypeReg, Size: 5_000_000, ContentHash: h},
	}
	plan := Partition(files, 10_000_000)

	var contentLayers int
	for _, l := range plan.Layers[1:] {
		if len(l.Files) > 0 {
			contentLayers++
		}
	}
	if contentLayers != 1 {
		t.Fatalf("expected identical content to share one content layer, got %d populated layers", contentLayers)
	}
}

func TestOversizedFileGetsOwnLayer(t *testing.T) {
	files := []*resolver.File{
		{Path: "huge.bin", Typeflag: tar.TypeReg, Size: 50_000_000, ContentHash: hashOf("huge")},
		{Path: "other.bin", Typeflag: tar.TypeReg, Size: 1_000_000, ContentHash: hashOf("other")},
	}
	plan := Partition(files, 10_000_000)

	var hugeLayer *Layer
	for _, l := range plan.Layers {
		for _, f := range l.Files {
			if f.Path == "huge.bin" {
				hugeLayer = l
			}
		}
	}
	if hugeLayer == nil {
		t.Fatal("huge.bin not placed in any layer")
	}
	for _, f := range hugeLayer.Files {
		if f.Path != "huge.bin" && f.Typeflag == tar.TypeReg {
			t.Fatalf("huge.bin should have its own layer, found %q alongside it", f.Path)
		}
	}
}

func TestHardlinkRidesWithTarget(t *testing.T) {
	files := []*resolver.File{
		{Path: "target.bin", Typeflag: tar.TypeReg, Size: 5_000_000, ContentHash: hashOf("x")},
		{Path: "link.bin", Typeflag: tar.TypeLink, Linkname: "target.bin"},
	}
	plan := Partition(files, 10_000_000)

	var targetLayer, linkLayer *Layer
	for _, l := range plan.Layers {
		for _, f := range l.Files {
			if f.Path == "target.bin" {
				targetLayer = l
			}
			if f.Path == "link.bin" {
				linkLayer = l
			}
		}
	}
	if targetLayer == nil || linkLayer == nil {
		t.Fatal("missing target or link in plan")
	}
	if targetLayer.ID != linkLayer.ID {
		t.Fatalf("hardlink should ride with its target layer: target=%d link=%d", targetLayer.ID, linkLayer.ID)
	}
}

func TestSortedPlacesHardlinkAfterTargetEvenWhenPathSortsEarlier(t *testing.T) {
	files := []*resolver.File{
		{Path: "bin/zzz", Typeflag: tar.TypeReg, Size: 5_000_000, ContentHash: hashOf("x")},
		{Path: "bin/a", Typeflag: tar.TypeLink, Linkname: "zzz"},
	}
	plan := Partition(files, 10_000_000)

	var layer *Layer
	for _, l := range plan.Layers {
		if len(l.Files) > 0 {
			layer = l
		}
	}
	if layer == nil {
		t.Fatal("no populated layer found")
	}

	sorted := layer.Sorted()
	targetPos, linkPos := -1, -1
	for i, f := range sorted {
		switch f.Path {
		case "bin/zzz":
			targetPos = i
		case "bin/a":
			linkPos = i
		}
	}
	if targetPos == -1 || linkPos == -1 {
		t.Fatalf("missing target or link in sorted output: %v", sorted)
	}
	if targetPos >= linkPos {
		t.Fatalf("target must precede hardlink: target at %d, link at %d", targetPos, linkPos)
	}
}

func pathSet(files []*resolver.File) map[string]bool {
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f.Path] = true
	}
	return out
}
