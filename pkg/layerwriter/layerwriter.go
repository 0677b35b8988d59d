// Package layerwriter turns one partitioned layer plan into a compressed
// OCI layer blob: a deterministic tar stream, tee'd into an uncompressed
// digest (the diff_id) and a compressed digest (the blob digest), in the
// teacher's tee-then-hash style.
package layerwriter

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tweag/img-repack/pkg/api"
	"github.com/tweag/img-repack/pkg/resolver"
)

// ContentSource gives the writer random access to a resolved file's bytes
// by the source layer it came from.
type ContentSource interface {
	ReaderAt(layerIndex int) (io.ReaderAt, error)
}

// Options configures the codec used for a single layer write.
type Options struct {
	Compression api.CompressionAlgorithm
	Level       int
}

// Result describes the blob a Write call produced.
type Result struct {
	MediaType          string
	CompressedDigest   string
	CompressedSize     int64
	UncompressedDigest string
	UncompressedSize   int64
}

// Write emits files (assumed already sorted by path) as a tar stream,
// compresses it per opts, and writes the compressed bytes to w.
func Write(ctx context.Context, w io.Writer, files []*resolver.File, src ContentSource, opts Options) (Result, error) {
	compressedHasher := sha256.New()
	countingComp := &countingWriter{}
	comp, err := newCompressor(io.MultiWriter(compressedHasher, w, compressedCounter{countingComp}), opts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: constructing %s compressor: %v", api.ErrWriteFailed, opts.Compression, err)
	}

	uncompressedHasher := sha256.New()
	countingComp.w = comp
	tw := tar.NewWriter(io.MultiWriter(uncompressedHasher, countingComp))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", api.ErrCancelled, err)
		}
		if err := writeEntry(tw, f, src); err != nil {
			return Result{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing tar stream: %v", api.ErrWriteFailed, err)
	}
	if err := comp.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing compressor: %v", api.ErrWriteFailed, err)
	}

	return Result{
		MediaType:          api.MediaTypeForLayer(opts.Compression),
		CompressedDigest:   "sha256:" + hex.EncodeToString(compressedHasher.Sum(nil)),
		CompressedSize:     countingComp.compressedBytesOut,
		UncompressedDigest: "sha256:" + hex.EncodeToString(uncompressedHasher.Sum(nil)),
		UncompressedSize:   countingComp.uncompressedBytesIn,
	}, nil
}

// countingWriter tracks uncompressed bytes handed to the compressor and,
// through compressedCounter, the compressor's own output size; the two
// counts become Result's UncompressedSize and CompressedSize.
type countingWriter struct {
	w                   io.Writer
	uncompressedBytesIn int64
	compressedBytesOut  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.uncompressedBytesIn += int64(n)
	return n, err
}

// compressedCounter sits on the compressor's output side and adds every
// byte written there to its countingWriter's compressedBytesOut.
type compressedCounter struct{ c *countingWriter }

func (cc compressedCounter) Write(p []byte) (int, error) {
	cc.c.compressedBytesOut += int64(len(p))
	return len(p), nil
}

func newCompressor(w io.Writer, opts Options) (io.WriteCloser, error) {
	switch opts.Compression {
	case api.Zstd, "":
		level := opts.Level
		if level == 0 {
			level = 14
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	case api.Gzip:
		level := opts.Level
		if level == 0 || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case api.Uncompressed:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", opts.Compression)
	}
}

// zstdLevel maps the CLI's 1-22-style level knob onto klauspost/compress's
// coarser EncoderLevel enum.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func writeEntry(tw *tar.Writer, f *resolver.File, src ContentSource) error {
	hdr := &tar.Header{
		Typeflag: f.Typeflag,
		Name:     canonicalName(f),
		Linkname: f.Linkname,
		Size:     f.Size,
		Mode:     f.Mode,
		Uid:      f.Uid,
		Gid:      f.Gid,
		Uname:    f.Uname,
		Gname:    f.Gname,
		Devmajor: f.Devmajor,
		Devminor: f.Devminor,
		Format:   tar.FormatPAX,
	}
	if f.ModTime != 0 {
		hdr.ModTime = time.Unix(f.ModTime, 0).UTC()
	}
	if hdr.Mode == 0 {
		if f.Typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		} else {
			hdr.Mode = 0o644
		}
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: writing header for %q: %v", api.ErrWriteFailed, f.Path, err)
	}

	if f.Typeflag != tar.TypeReg || f.Size == 0 {
		return nil
	}

	ra, err := src.ReaderAt(f.SourceLayer)
	if err != nil {
		return fmt.Errorf("%w: opening source layer %d for %q: %v", api.ErrSourceCorrupt, f.SourceLayer, f.Path, err)
	}

	n, err := io.Copy(tw, io.NewSectionReader(ra, f.SourceOffset, f.Size))
	if err != nil {
		return fmt.Errorf("%w: copying %q (layer %d, offset %d): %v", api.ErrWriteFailed, f.Path, f.SourceLayer, f.SourceOffset, err)
	}
	if n != f.Size {
		return fmt.Errorf("%w: %q wrote %d bytes, expected %d", api.ErrWriteFailed, f.Path, n, f.Size)
	}
	return nil
}

// canonicalName normalizes the on-disk path into tar's path grammar:
// leading "./" stripped, trailing "/" kept only for directories.
func canonicalName(f *resolver.File) string {
	name := strings.TrimPrefix(f.Path, "./")
	if f.Typeflag == tar.TypeDir && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}
