// Package contentindex computes the content hash of every regular file in
// a resolved filesystem view, in parallel, so the partitioner can dedup
// identical content and co-locate hardlink targets.
package contentindex

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/tweag/img-repack/pkg/api"
	"github.com/tweag/img-repack/pkg/resolver"
)

// emptyContentHash is the SHA-256 of zero bytes, shared by every empty
// regular file so they all carry the same content hash without reading
// anything.
var emptyContentHash = mustHex("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// LayerSource gives the indexer random access to each source layer's
// decompressed tar bytes by layer index.
type LayerSource interface {
	ReaderAt(layerIndex int) (io.ReaderAt, error)
}

// Index fills in ContentHash on every regular file in files, reading
// concurrently from src bounded by concurrency.
func Index(ctx context.Context, files []*resolver.File, src LayerSource, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, f := range files {
		f := f
		if f.Typeflag != tar.TypeReg {
			continue
		}
		if f.Size == 0 {
			f.ContentHash = emptyContentHash
			continue
		}
		g.Go(func() error {
			return hashFile(ctx, f, src)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func hashFile(ctx context.Context, f *resolver.File, src LayerSource) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrCancelled, err)
	}

	ra, err := src.ReaderAt(f.SourceLayer)
	if err != nil {
		return fmt.Errorf("%w: opening layer %d for %q: %v", api.ErrSourceCorrupt, f.SourceLayer, f.Path, err)
	}

	h := sha256.New()
	n, err := io.Copy(h, io.NewSectionReader(ra, f.SourceOffset, f.Size))
	if err != nil {
		return fmt.Errorf("%w: hashing %q (layer %d, offset %d, size %d): %v", api.ErrSourceCorrupt, f.Path, f.SourceLayer, f.SourceOffset, f.Size, err)
	}
	if n != f.Size {
		return fmt.Errorf("%w: %q (layer %d, offset %d) has %d bytes, header declares %d", api.ErrSourceCorrupt, f.Path, f.SourceLayer, f.SourceOffset, n, f.Size)
	}
	f.ContentHash = h.Sum(nil)
	return nil
}
