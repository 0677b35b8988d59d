package contentindex

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/tweag/img-repack/pkg/resolver"
)

type fakeSource struct {
	layers [][]byte
}

func (f fakeSource) ReaderAt(layerIndex int) (io.ReaderAt, error) {
	return bytes.NewReader(f.layers[layerIndex]), nil
}

func TestIndexHashesRegularFiles(t *testing.T) {
	layer0 := []byte("hello worldGOODBYE")
	src := fakeSource{layers: [][]byte{layer0}}

	files := []*resolver.File{
		{Path: "a.txt", Typeflag: tar.TypeReg, Size: 11, SourceOffset: 0, SourceLayer: 0},
		{Path: "b.txt", Typeflag: tar.TypeReg, Size: 7, SourceOffset: 11, SourceLayer: 0},
		{Path: "empty.txt", Typeflag: tar.TypeReg, Size: 0},
		{Path: "dir/", Typeflag: tar.TypeDir},
	}

	if err := Index(context.Background(), files, src, 4); err != nil {
		t.Fatalf("Index: %v", err)
	}

	wantA := sha256.Sum256([]byte("hello world"))
	if !bytes.Equal(files[0].ContentHash, wantA[:]) {
		t.Errorf("a.txt hash = %x, want %x", files[0].ContentHash, wantA)
	}
	wantB := sha256.Sum256([]byte("GOODBYE"))
	if !bytes.Equal(files[1].ContentHash, wantB[:]) {
		t.Errorf("b.txt hash = %x, want %x", files[1].ContentHash, wantB)
	}
	if !bytes.Equal(files[2].ContentHash, emptyContentHash) {
		t.Errorf("empty.txt hash = %x, want well-known empty hash", files[2].ContentHash)
	}
	if files[3].ContentHash != nil {
		t.Errorf("directory should not be hashed, got %x", files[3].ContentHash)
	}
}
