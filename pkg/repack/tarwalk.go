package repack

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/tweag/img-repack/pkg/api"
	"github.com/tweag/img-repack/pkg/resolver"
)

// countingReader tracks how many bytes have been pulled through it, so the
// walker can record each entry's data offset in the underlying stream
// without archive/tar exposing one directly.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// walkLayer parses a layer's uncompressed tar stream into resolver.File
// records, recording each regular file's data offset within the stream so
// later stages can seek directly to it via the layer's random-access
// region instead of rereading the stream in order. PAX extended headers
// are consumed by archive/tar during parsing and not forwarded; any
// records that carry filesystem-observable meaning beyond what the
// standard header fields already capture are logged and dropped.
func walkLayer(log *slog.Logger, layerIndex int, ra io.ReaderAt, size int64) ([]*resolver.File, error) {
	cr := &countingReader{r: io.NewSectionReader(ra, 0, size)}
	tr := tar.NewReader(cr)

	var out []*resolver.File
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: malformed tar entry near offset %d: %v", api.ErrSourceCorrupt, layerIndex, cr.n, err)
		}

		name, err := normalizeEntryPath(hdr.Name, hdr.Typeflag)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", api.ErrSourceCorrupt, layerIndex, err)
		}
		warnDroppedPAX(log, name, hdr.PAXRecords)

		out = append(out, &resolver.File{
			Path:         name,
			Typeflag:     hdr.Typeflag,
			Size:         hdr.Size,
			Mode:         hdr.Mode,
			Uid:          hdr.Uid,
			Gid:          hdr.Gid,
			Uname:        hdr.Uname,
			Gname:        hdr.Gname,
			Linkname:     hdr.Linkname,
			ModTime:      hdr.ModTime.Unix(),
			Devmajor:     hdr.Devmajor,
			Devminor:     hdr.Devminor,
			SourceLayer:  layerIndex,
			SourceOffset: cr.n,
		})
	}
	return out, nil
}

// normalizeEntryPath strips a leading "./" and collapses repeated
// separators, keeping a trailing "/" on directories. A ".." segment is a
// corrupt or hostile entry trying to write outside the layer's root and is
// rejected rather than silently resolved away.
func normalizeEntryPath(name string, typeflag byte) (string, error) {
	name = strings.TrimPrefix(name, "./")
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("entry %q contains a %q segment", name, "..")
		}
	}
	isDir := typeflag == tar.TypeDir || strings.HasSuffix(name, "/")
	cleaned := path.Clean("/" + name)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if isDir && cleaned != "" && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned, nil
}

// nonSemanticPAXKeys are vendor extensions and header-override records
// that archive/tar has already folded into the parsed header, so dropping
// them loses nothing observable.
var nonSemanticPAXKeys = map[string]bool{
	"path": true, "linkpath": true, "size": true, "mtime": true,
	"uid": true, "gid": true, "uname": true, "gname": true,
	"atime": true, "ctime": true, "comment": true,
}

func warnDroppedPAX(log *slog.Logger, path string, recs map[string]string) {
	if log == nil || len(recs) == 0 {
		return
	}
	var dropped int
	for k := range recs {
		if (strings.HasPrefix(k, "SCHILY.") && !strings.HasPrefix(k, "SCHILY.xattr.")) || nonSemanticPAXKeys[k] {
			continue
		}
		dropped++
	}
	if dropped > 0 {
		log.Warn("dropping PAX records that are not carried into the output layer", "path", path, "count", dropped)
	}
}
