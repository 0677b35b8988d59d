// Package resolver applies a source image's layers in order, resolving
// whiteouts and opaque-directory markers into a single flattened filesystem
// view ready for content hashing and partitioning.
package resolver

import (
	"archive/tar"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/tweag/img-repack/pkg/api"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// Count tracks how many entries, and how many bytes, an operation touched.
// The counts are kept on the Resolver only; the end-of-run summary does not
// print them, and Excluded is never incremented.
type Count struct {
	Count uint64
	Size  uint64
}

func (c *Count) increment(n, size uint64) {
	c.Count += n
	c.Size += size
}

// File is a single resolved filesystem entry, carrying enough of the tar
// header to reconstruct it plus the layer it was last written in.
type File struct {
	Path         string
	Typeflag     byte
	Size         int64
	Mode         int64
	Uid, Gid     int
	Uname, Gname string
	Linkname     string
	ModTime      int64
	Devmajor     int64
	Devminor     int64
	SourceLayer  int
	// SourceOffset is the byte offset of this entry's data within its
	// source layer's decompressed tar stream, set by whatever builds the
	// File list by walking the layer (see pkg/repack).
	SourceOffset int64

	// ContentHash is filled in by the content index stage for regular files.
	ContentHash []byte
}

func (f *File) isDir() bool {
	return f.Typeflag == tar.TypeDir || strings.HasSuffix(f.Path, "/")
}

// Resolver accumulates the flattened view across layers applied in order.
type Resolver struct {
	present map[string]*File

	Added    Count
	Removed  Count
	Excluded Count
}

// New returns an empty resolver.
func New() *Resolver {
	return &Resolver{present: make(map[string]*File)}
}

// ApplyLayer applies one source layer against the accumulated view: first
// every whiteout in the layer, then every opaque-directory marker, then the
// layer's other entries in the order they appear, so a layer's whiteouts
// only ever remove entries from earlier layers. Entries are consumed from
// entries and must not be reused afterward.
func (r *Resolver) ApplyLayer(layerIndex int, entries []*File) error {
	var removeFiles, removePrefixes, adds []*File

	for _, f := range entries {
		if err := validatePath(f.Path); err != nil {
			return err
		}
		base := path.Base(strings.TrimSuffix(f.Path, "/"))
		switch {
		case base == opaqueMarker:
			prefix := strings.TrimSuffix(f.Path, opaqueMarker)
			removePrefixes = append(removePrefixes, &File{Path: prefix, SourceLayer: layerIndex})
		case strings.HasPrefix(base, whiteoutPrefix):
			dir := strings.TrimSuffix(f.Path, base)
			target := dir + base[len(whiteoutPrefix):]
			removeFiles = append(removeFiles, &File{Path: target, SourceLayer: layerIndex})
		default:
			adds = append(adds, f)
		}
	}

	for _, rm := range removeFiles {
		r.removePath(rm.Path, layerIndex)
	}
	for _, rm := range removePrefixes {
		r.removePrefix(rm.Path)
	}
	for _, f := range adds {
		r.addPath(f)
	}
	return nil
}

func (r *Resolver) addPath(f *File) {
	r.Added.increment(1, uint64(f.Size))
	if old, exists := r.present[f.Path]; exists {
		r.Removed.increment(1, uint64(old.Size))
		if old.isDir() && !f.isDir() {
			// A non-directory replacing a directory removes the directory's
			// subtree first; the directory entry itself is about to be
			// overwritten below.
			r.removeSubtreeUnder(strings.TrimSuffix(old.Path, "/") + "/")
		}
	} else if !f.isDir() {
		// f's key carries no trailing slash, so a directory previously
		// tracked at the same logical path lives under a different map
		// key ("<path>/") and was missed by the lookup above.
		dirForm := f.Path + "/"
		if old, exists := r.present[dirForm]; exists {
			delete(r.present, dirForm)
			r.Removed.increment(1, uint64(old.Size))
			r.removeSubtreeUnder(dirForm)
		}
	}
	r.present[f.Path] = f
}

// removeSubtreeUnder deletes every entry whose path is strictly nested
// under dirForm (a "/"-terminated directory path), leaving dirForm itself
// untouched.
func (r *Resolver) removeSubtreeUnder(dirForm string) {
	for p, f := range r.present {
		if strings.HasPrefix(p, dirForm) {
			delete(r.present, p)
			r.Removed.increment(1, uint64(f.Size))
		}
	}
}

// removePath deletes the entry at p (file or directory form) and, since a
// whiteout of a directory removes everything strictly under it too, sweeps
// for entries nested beneath it regardless of whether the directory entry
// itself was tracked. A whiteout for a path that was never added in this
// flattened view is not an error: the base image may have created it
// outside what this tool observed (e.g. an implicit parent). Skip silently,
// matching a best-effort flattening rather than the original's hard panic.
func (r *Resolver) removePath(p string, layerIndex int) {
	if old, exists := r.present[p]; exists {
		delete(r.present, p)
		r.Removed.increment(1, uint64(old.Size))
	}
	dirForm := strings.TrimSuffix(p, "/") + "/"
	if old, exists := r.present[dirForm]; exists {
		delete(r.present, dirForm)
		r.Removed.increment(1, uint64(old.Size))
	}
	r.removeSubtreeUnder(dirForm)
}

// removePrefix deletes every entry strictly under prefix, leaving the
// directory entry at prefix itself untouched — the opaque-directory marker
// clears a directory's contents without removing the directory.
func (r *Resolver) removePrefix(prefix string) {
	for p, f := range r.present {
		if p == prefix {
			continue
		}
		if strings.HasPrefix(p, prefix) {
			delete(r.present, p)
			r.Removed.increment(1, uint64(f.Size))
		}
	}
}

// Finalize validates the accumulated view (hardlink targets must exist and
// must not be cyclic) and returns the resolved files in deterministic,
// sorted path order.
func (r *Resolver) Finalize() ([]*File, error) {
	paths := make([]string, 0, len(r.present))
	for p := range r.present {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]*File, 0, len(paths))
	for _, p := range paths {
		f := r.present[p]
		if f.Typeflag == tar.TypeLink {
			if err := r.validateHardlink(f); err != nil {
				return nil, err
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Resolver) validateHardlink(f *File) error {
	seen := map[string]bool{f.Path: true}
	cur := f
	for cur.Typeflag == tar.TypeLink {
		target := normalizeLink(cur.Path, cur.Linkname)
		if seen[target] {
			return fmt.Errorf("%w: cyclic hardlink chain starting at %q", api.ErrSourceCorrupt, f.Path)
		}
		seen[target] = true
		next, ok := r.present[target]
		if !ok {
			return fmt.Errorf("%w: hardlink %q targets missing path %q", api.ErrSourceCorrupt, f.Path, target)
		}
		cur = next
	}
	return nil
}

func normalizeLink(from, link string) string {
	if strings.HasPrefix(link, "/") {
		return strings.TrimPrefix(link, "/")
	}
	return path.Join(path.Dir(from), link)
}

func validatePath(p string) error {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path %q contains a %q segment", api.ErrSourceCorrupt, p, "..")
		}
	}
	return nil
}
