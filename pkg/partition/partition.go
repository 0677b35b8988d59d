// Package partition assigns every resolved file to an output layer: a
// bootstrap layer of directories, symlinks, and small files, followed by
// content layers greedily packed to a target size with hash and hardlink
// co-location, grounded on the same first-fit-across-all-open-bins policy
// the original packer uses.
package partition

import (
	"archive/tar"
	"encoding/hex"
	"path"
	"sort"
	"strings"

	"github.com/tweag/img-repack/pkg/resolver"
)

// smallFileDivisor derives the bootstrap layer's small-file threshold from
// the target size: files at or under target/smallFileDivisor are eligible
// for layer 0.
const smallFileDivisor = 200

// Layer is one output layer's file set, in no particular order until
// Sorted is called.
type Layer struct {
	ID    int
	Files []*resolver.File

	totalSize       int64
	hashes          map[string]bool
	pathsPresent    map[string]bool
}

func newLayer(id int) *Layer {
	return &Layer{ID: id, hashes: make(map[string]bool), pathsPresent: make(map[string]bool)}
}

// Sorted returns the layer's files in deterministic order, with the
// constraint that a hardlink always follows the target path it links to
// within the stream: a hardlink whose path sorts alphabetically before its
// target's, like "bin/a" linking to "bin/zzz", must still be emitted after
// it so an extractor applying entries in order has something to link to.
func (l *Layer) Sorted() []*resolver.File {
	var regular, links []*resolver.File
	for _, f := range l.Files {
		if f.Typeflag == tar.TypeLink {
			links = append(links, f)
		} else {
			regular = append(regular, f)
		}
	}
	sort.Slice(regular, func(i, j int) bool { return regular[i].Path < regular[j].Path })
	sort.Slice(links, func(i, j int) bool { return links[i].Path < links[j].Path })

	linksByTarget := make(map[string][]*resolver.File, len(links))
	for _, link := range links {
		linksByTarget[normalizeLinkPath(link)] = append(linksByTarget[normalizeLinkPath(link)], link)
	}

	out := make([]*resolver.File, 0, len(regular)+len(links))
	placed := make(map[string]bool, len(links))
	for _, f := range regular {
		out = append(out, f)
		for _, link := range linksByTarget[f.Path] {
			out = append(out, link)
			placed[link.Path] = true
		}
	}
	// A hardlink whose target didn't land among this layer's regular files
	// (shouldn't happen given how Partition places each hardlink in its
	// target's layer) is
	// still emitted, in deterministic order, rather than dropped.
	for _, link := range links {
		if !placed[link.Path] {
			out = append(out, link)
		}
	}
	return out
}

func (l *Layer) add(f *resolver.File, sizeCost int64, hash []byte) {
	l.Files = append(l.Files, f)
	l.pathsPresent[f.Path] = true
	if hash != nil {
		key := hex.EncodeToString(hash)
		if l.hashes[key] {
			return
		}
		l.hashes[key] = true
	}
	l.totalSize += sizeCost
}

func (l *Layer) containsHash(hash []byte) bool {
	if hash == nil {
		return false
	}
	return l.hashes[hex.EncodeToString(hash)]
}

func (l *Layer) canFit(targetSize, size int64) bool {
	return l.totalSize+size <= targetSize
}

// Plan is the ordered set of output layers: layer 0 (bootstrap) first,
// content layers in the order they were opened.
type Plan struct {
	Layers []*Layer
}

// Partition assigns files to layers per the layout policy: directories and
// symlinks always bootstrap, small regular files bootstrap up to a size
// cap, everything else is greedily packed by descending size with
// hash/hardlink co-location.
func Partition(files []*resolver.File, targetSize int64) *Plan {
	byPath := make(map[string]*resolver.File, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	smallThreshold := targetSize / smallFileDivisor
	if smallThreshold < 1 {
		smallThreshold = 1
	}

	bootstrap := newLayer(0)
	locationOf := make(map[string]*Layer, len(files))

	var smallCandidates []*resolver.File
	var links []*resolver.File
	var content []*resolver.File

	for _, f := range files {
		switch {
		case f.Typeflag == tar.TypeDir:
			bootstrap.add(f, 0, nil)
			locationOf[f.Path] = bootstrap
		case f.Typeflag == tar.TypeSymlink:
			bootstrap.add(f, 0, nil)
			locationOf[f.Path] = bootstrap
		case f.Typeflag == tar.TypeLink:
			links = append(links, f)
		case f.Typeflag == tar.TypeReg && f.Size <= smallThreshold:
			smallCandidates = append(smallCandidates, f)
		default:
			content = append(content, f)
		}
	}

	// Small files are added to the bootstrap layer in deterministic path
	// order until the cap is reached; the rest fall through to content
	// packing like any other regular file.
	sort.Slice(smallCandidates, func(i, j int) bool { return smallCandidates[i].Path < smallCandidates[j].Path })
	for _, f := range smallCandidates {
		if bootstrap.canFit(targetSize, f.Size) {
			bootstrap.add(f, f.Size, f.ContentHash)
			locationOf[f.Path] = bootstrap
		} else {
			content = append(content, f)
		}
	}

	bins := []*Layer{}

	sort.Slice(content, func(i, j int) bool {
		if content[i].Size != content[j].Size {
			return content[i].Size > content[j].Size
		}
		if c := bytes2hex(content[i].ContentHash); c != bytes2hex(content[j].ContentHash) {
			return c < bytes2hex(content[j].ContentHash)
		}
		return content[i].Path < content[j].Path
	})

	for _, f := range content {
		layer := placeByHashOrSize(bins, targetSize, f.ContentHash, f.Size)
		if layer == nil {
			layer = newLayer(len(bins) + 1)
			bins = append(bins, layer)
		}
		layer.add(f, f.Size, f.ContentHash)
		locationOf[f.Path] = layer
	}

	sort.Slice(links, func(i, j int) bool { return links[i].Path < links[j].Path })
	for _, f := range links {
		target, ok := byPath[normalizeLinkPath(f)]
		if !ok {
			// Finalize already validated hardlink targets exist; this can
			// only happen if the caller passed an unvalidated file set.
			continue
		}
		if targetLayer, ok := locationOf[target.Path]; ok {
			targetLayer.add(f, 0, nil)
			locationOf[f.Path] = targetLayer
			continue
		}

		// Target landed nowhere we tracked (shouldn't happen); rewrite as
		// a regular-content copy and pack it like any other file.
		layer := placeByHashOrSize(bins, targetSize, target.ContentHash, target.Size)
		if layer == nil {
			layer = newLayer(len(bins) + 1)
			bins = append(bins, layer)
		}
		copyFile := &resolver.File{
			Path:        f.Path,
			Typeflag:    tar.TypeReg,
			Size:        target.Size,
			Mode:        f.Mode,
			Uid:         f.Uid,
			Gid:         f.Gid,
			Uname:       f.Uname,
			Gname:       f.Gname,
			ModTime:     f.ModTime,
			SourceLayer: target.SourceLayer,
			SourceOffset: target.SourceOffset,
			ContentHash: target.ContentHash,
		}
		layer.add(copyFile, target.Size, target.ContentHash)
		locationOf[f.Path] = layer
	}

	plan := &Plan{Layers: append([]*Layer{bootstrap}, bins...)}
	addDirectorySpines(plan, byPath)
	return plan
}

// placeByHashOrSize implements the first-fit-across-all-open-bins rule:
// first try to co-locate by content hash, then by available space, in the
// order bins were opened.
func placeByHashOrSize(bins []*Layer, targetSize int64, hash []byte, size int64) *Layer {
	if hash != nil {
		for _, b := range bins {
			if b.containsHash(hash) {
				return b
			}
		}
	}
	for _, b := range bins {
		if b.canFit(targetSize, size) {
			return b
		}
	}
	return nil
}

// addDirectorySpines ensures every layer beyond layer 0 carries the parent
// directory entries its files need, so extracting any single layer on top
// of its predecessors is well-formed.
func addDirectorySpines(plan *Plan, byPath map[string]*resolver.File) {
	for _, layer := range plan.Layers[1:] {
		needed := make(map[string]bool)
		for _, f := range layer.Files {
			for dir := path.Dir(strings.TrimSuffix(f.Path, "/")); dir != "." && dir != "/"; dir = path.Dir(dir) {
				needed[dir+"/"] = true
			}
		}
		for dirPath := range needed {
			if layer.pathsPresent[dirPath] {
				continue
			}
			src, ok := byPath[dirPath]
			if !ok {
				src = &resolver.File{Path: dirPath, Typeflag: tar.TypeDir, Mode: 0o755}
			} else {
				spine := *src
				src = &spine
			}
			layer.add(src, 0, nil)
		}
	}
}

func normalizeLinkPath(f *resolver.File) string {
	if strings.HasPrefix(f.Linkname, "/") {
		return strings.TrimPrefix(f.Linkname, "/")
	}
	return path.Join(path.Dir(f.Path), f.Linkname)
}

func bytes2hex(b []byte) string {
	return hex.EncodeToString(b)
}
