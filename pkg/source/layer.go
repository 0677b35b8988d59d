package source

import (
	"context"
	"fmt"
	"io"
	"os"

	registryv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"golang.org/x/exp/mmap"

	"github.com/tweag/img-repack/pkg/api"
)

// materializeLayer decompresses a source layer into a temp file and
// memory-maps it, giving the content index and layer writer random access
// without holding the whole layer in memory.
func materializeLayer(ctx context.Context, l registryv1.Layer, index int, tempDir string) (*region, string, string, int64, error) {
	mediaType, err := l.MediaType()
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: layer %d media type: %v", api.ErrSourceCorrupt, index, err)
	}
	if !knownLayerMediaType(string(mediaType)) {
		return nil, "", "", 0, fmt.Errorf("%w: layer %d has unrecognized media type %q", api.ErrSourceCorrupt, index, mediaType)
	}

	digest, err := l.Digest()
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: layer %d digest: %v", api.ErrSourceCorrupt, index, err)
	}

	rc, err := l.Uncompressed()
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: layer %d (%s) could not be decompressed: %v", api.ErrSourceCorrupt, index, digest, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(tempDir, fmt.Sprintf("layer-%d-*.tar", index))
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: creating spill file for layer %d: %v", api.ErrWriteFailed, index, err)
	}
	removeOnErr := true
	defer func() {
		if removeOnErr {
			os.Remove(f.Name())
		}
	}()

	size, err := copyWithContext(ctx, f, rc)
	if err != nil {
		f.Close()
		return nil, "", "", 0, fmt.Errorf("%w: layer %d (%s) is truncated or corrupt: %v", api.ErrSourceCorrupt, index, digest, err)
	}
	if err := f.Close(); err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: flushing spill file for layer %d: %v", api.ErrWriteFailed, index, err)
	}

	ra, err := mmap.Open(f.Name())
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("%w: mapping layer %d: %v", api.ErrWriteFailed, index, err)
	}
	removeOnErr = false

	reg := &region{readerAt: ra, size: size, file: nil, mapped: ra, path: f.Name()}
	return reg, string(mediaType), digest.String(), size, nil
}

func knownLayerMediaType(mt string) bool {
	switch mt {
	case string(types.MediaType("application/vnd.oci.image.layer.v1.tar")),
		string(types.MediaType("application/vnd.oci.image.layer.v1.tar+gzip")),
		string(types.MediaType("application/vnd.oci.image.layer.v1.tar+zstd")),
		string(types.MediaType("application/vnd.docker.image.rootfs.diff.tar.gzip")),
		string(types.MediaType("application/vnd.docker.image.rootfs.diff.tar")):
		return true
	default:
		return false
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	const chunk = 4 << 20
	var total int64
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
