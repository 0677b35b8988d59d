package resolver

import (
	"archive/tar"
	"errors"
	"testing"

	"github.com/tweag/img-repack/pkg/api"
)

func reg(p string, size int64) *File {
	return &File{Path: p, Typeflag: tar.TypeReg, Size: size}
}

func dir(p string) *File {
	return &File{Path: p, Typeflag: tar.TypeDir}
}

func TestWhiteoutRemovesFile(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{reg("a/b.txt", 10)}); err != nil {
		t.Fatalf("layer 0: %v", err)
	}
	if err := r.ApplyLayer(1, []*File{{Path: "a/.wh.b.txt", Typeflag: tar.TypeReg}}); err != nil {
		t.Fatalf("layer 1: %v", err)
	}

	files, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files after whiteout, got %v", files)
	}
	if r.Removed.Count != 1 || r.Removed.Size != 10 {
		t.Errorf("Removed = %+v", r.Removed)
	}
}

func TestOpaqueDirRemovesPrefix(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{
		dir("a/"),
		reg("a/b.txt", 5),
		reg("a/c.txt", 7),
		reg("other/d.txt", 3),
	}); err != nil {
		t.Fatalf("layer 0: %v", err)
	}
	if err := r.ApplyLayer(1, []*File{
		{Path: "a/.wh..wh..opq", Typeflag: tar.TypeReg},
		reg("a/new.txt", 1),
	}); err != nil {
		t.Fatalf("layer 1: %v", err)
	}

	files, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	paths := make(map[string]bool)
	for _, f := range files {
		paths[f.Path] = true
	}
	if paths["a/b.txt"] || paths["a/c.txt"] {
		t.Fatalf("opaque marker should have removed everything under a/: %v", paths)
	}
	if !paths["a/"] {
		t.Fatalf("opaque marker should not remove the directory itself: %v", paths)
	}
	if !paths["a/new.txt"] || !paths["other/d.txt"] {
		t.Fatalf("unrelated paths should survive: %v", paths)
	}
}

func TestWhiteoutOfDirectoryRemovesNestedEntries(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{
		dir("a/"),
		dir("a/b/"),
		reg("a/b/c.txt", 4),
		reg("other/d.txt", 3),
	}); err != nil {
		t.Fatalf("layer 0: %v", err)
	}
	if err := r.ApplyLayer(1, []*File{
		{Path: "a/.wh.b", Typeflag: tar.TypeReg},
	}); err != nil {
		t.Fatalf("layer 1: %v", err)
	}

	files, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	paths := make(map[string]bool)
	for _, f := range files {
		paths[f.Path] = true
	}
	if paths["a/b/"] || paths["a/b/c.txt"] {
		t.Fatalf("whiteout of a/b should have removed the directory and everything under it: %v", paths)
	}
	if !paths["a/"] || !paths["other/d.txt"] {
		t.Fatalf("unrelated paths should survive: %v", paths)
	}
}

func TestNonDirectoryReplacingDirectoryRemovesSubtree(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{
		dir("a/"),
		reg("a/b.txt", 5),
		reg("a/sub/c.txt", 7),
	}); err != nil {
		t.Fatalf("layer 0: %v", err)
	}
	// a/ is replaced by a regular file of the same name in a later layer.
	if err := r.ApplyLayer(1, []*File{reg("a", 1)}); err != nil {
		t.Fatalf("layer 1: %v", err)
	}

	files, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(files) != 1 || files[0].Path != "a" || files[0].Typeflag != tar.TypeReg {
		t.Fatalf("expected only the replacing regular file, got %v", files)
	}
}

func TestLaterLayerOverwritesEarlier(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{reg("f.txt", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyLayer(1, []*File{reg("f.txt", 99)}); err != nil {
		t.Fatal(err)
	}
	files, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Size != 99 {
		t.Fatalf("expected overwritten file with size 99, got %v", files)
	}
	if r.Removed.Count != 1 {
		t.Errorf("expected the overwrite to count as a removal, got %+v", r.Removed)
	}
}

func TestRejectsDotDotPath(t *testing.T) {
	r := New()
	err := r.ApplyLayer(0, []*File{reg("a/../../etc/passwd", 1)})
	if !errors.Is(err, api.ErrSourceCorrupt) {
		t.Fatalf("expected ErrSourceCorrupt, got %v", err)
	}
}

func TestRejectsDanglingHardlink(t *testing.T) {
	r := New()
	if err := r.ApplyLayer(0, []*File{
		{Path: "link", Typeflag: tar.TypeLink, Linkname: "missing"},
	}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Finalize()
	if !errors.Is(err, api.ErrSourceCorrupt) {
		t.Fatalf("expected ErrSourceCorrupt, got %v", err)
	}
}
