// Package source reads a container image — from a registry or a local OCI
// layout — and exposes its layers as random-access, decompressed byte
// regions ready for the resolver to walk.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/google"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	registryv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"golang.org/x/exp/mmap"

	"github.com/tweag/img-repack/pkg/api"
	"github.com/tweag/img-repack/pkg/reference"
)

// maxFetchAttempts bounds the retry loop for transient registry errors,
// matching the backoff the original packer applies to remote pulls.
const maxFetchAttempts = 4

// Image is a resolved, single-platform source image ready for repacking.
type Image struct {
	ConfigRaw []byte
	Platform  v1.Platform
	Layers    []*Layer
}

// Layer is one source layer, exposed as a random-access uncompressed byte
// region plus its original media type and compressed digest. Size is the
// uncompressed byte count of the region.
type Layer struct {
	Index     int
	MediaType string
	Digest    string
	Size      int64

	region *region
}

// Open returns the layer's uncompressed tar bytes as an io.ReaderAt, along
// with their size. Every call returns the same reader over the same
// underlying region; ReadAt carries no cursor, so callers may read from it
// concurrently.
func (l *Layer) Open() (io.ReaderAt, int64, error) {
	return l.region.readerAt, l.region.size, nil
}

func (l *Layer) Close() error {
	return l.region.Close()
}

// Keychain is the credential source used for registry reads, matching the
// multi-keychain discovery (docker config + gcloud ADC) the ecosystem uses
// by default.
func Keychain() authn.Keychain {
	return authn.NewMultiKeychain(authn.DefaultKeychain, google.Keychain)
}

// ReadAll loads every manifest in src matching sel — a single image for a
// non-index source, or one per matching platform for a multi-platform
// index — and materializes every layer as a random-access region.
func ReadAll(ctx context.Context, src reference.Source, sel reference.PlatformSelector, tempDir string) ([]*Image, error) {
	imgs, err := fetchImages(ctx, src, sel)
	if err != nil {
		return nil, err
	}

	out := make([]*Image, 0, len(imgs))
	for _, img := range imgs {
		one, err := readOne(ctx, img, tempDir)
		if err != nil {
			for _, done := range out {
				for _, l := range done.Layers {
					l.Close()
				}
			}
			return nil, err
		}
		out = append(out, one)
	}
	return out, nil
}

func readOne(ctx context.Context, img registryv1.Image, tempDir string) (*Image, error) {
	configRaw, err := rawConfig(img)
	if err != nil {
		return nil, fmt.Errorf("%w: reading image config: %v", api.ErrSourceCorrupt, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image config: %v", api.ErrSourceCorrupt, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("%w: listing layers: %v", api.ErrSourceCorrupt, err)
	}

	out := &Image{
		ConfigRaw: configRaw,
		Platform: v1.Platform{
			OS:           cfg.OS,
			Architecture: cfg.Architecture,
			Variant:      cfg.Variant,
		},
	}

	for i, l := range layers {
		region, mediaType, digestStr, size, err := materializeLayer(ctx, l, i, tempDir)
		if err != nil {
			for _, done := range out.Layers {
				done.Close()
			}
			return nil, err
		}
		out.Layers = append(out.Layers, &Layer{
			Index:     i,
			MediaType: mediaType,
			Digest:    digestStr,
			Size:      size,
			region:    region,
		})
	}

	return out, nil
}

func rawConfig(img registryv1.Image) ([]byte, error) {
	cf, err := img.RawConfigFile()
	if err != nil {
		return nil, err
	}
	return cf, nil
}

func fetchImages(ctx context.Context, src reference.Source, sel reference.PlatformSelector) ([]registryv1.Image, error) {
	switch src.Kind {
	case reference.KindRegistry:
		return fetchRemote(ctx, src, sel)
	default:
		return fetchLocal(src, sel)
	}
}

func fetchRemote(ctx context.Context, src reference.Source, sel reference.PlatformSelector) ([]registryv1.Image, error) {
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", api.ErrCancelled, ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		desc, err := remote.Get(src.Registry, remote.WithContext(ctx), remote.WithAuthFromKeychain(Keychain()))
		if err != nil {
			lastErr = fmt.Errorf("%w: fetching %s: %v", api.ErrSourceUnavailable, src, err)
			if !retryable(err) {
				return nil, lastErr
			}
			continue
		}

		if desc.MediaType.IsIndex() {
			idx, err := desc.ImageIndex()
			if err != nil {
				return nil, fmt.Errorf("%w: reading index for %s: %v", api.ErrSourceCorrupt, src, err)
			}
			return selectFromIndex(idx, sel)
		}

		img, err := desc.Image()
		if err != nil {
			return nil, fmt.Errorf("%w: reading image for %s: %v", api.ErrSourceCorrupt, src, err)
		}
		return []registryv1.Image{img}, nil
	}
	return nil, lastErr
}

func fetchLocal(src reference.Source, sel reference.PlatformSelector) ([]registryv1.Image, error) {
	lp, err := layout.FromPath(src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening OCI layout %s: %v", api.ErrSourceUnavailable, src.Path, err)
	}
	idxManifest, err := lp.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: reading index.json in %s: %v", api.ErrSourceCorrupt, src.Path, err)
	}
	rawIdx, err := idxManifest.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("%w: decoding index.json in %s: %v", api.ErrSourceCorrupt, src.Path, err)
	}

	if len(rawIdx.Manifests) == 1 && rawIdx.Manifests[0].Platform == nil {
		img, err := idxManifest.Image(rawIdx.Manifests[0].Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: reading image from %s: %v", api.ErrSourceCorrupt, src.Path, err)
		}
		return []registryv1.Image{img}, nil
	}
	return selectFromIndex(idxManifest, sel)
}

// selectFromIndex picks every manifest in idx whose platform matches sel,
// delegating the actual matching to reference.PlatformSelector.Select —
// go-containerregistry's own index/descriptor types can't be passed to that
// method directly, so the candidate platforms are first projected into the
// opencontainers v1.Platform shape it expects.
func selectFromIndex(idx registryv1.ImageIndex, sel reference.PlatformSelector) ([]registryv1.Image, error) {
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("%w: decoding index manifest: %v", api.ErrSourceCorrupt, err)
	}

	var platforms []v1.Platform
	var manifestIndex []int
	for i, m := range manifest.Manifests {
		if m.Platform == nil {
			continue
		}
		platforms = append(platforms, v1.Platform{OS: m.Platform.OS, Architecture: m.Platform.Architecture, Variant: m.Platform.Variant})
		manifestIndex = append(manifestIndex, i)
	}

	var out []registryv1.Image
	for _, pi := range sel.Select(platforms) {
		m := manifest.Manifests[manifestIndex[pi]]
		img, err := idx.Image(m.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: reading matched manifest %s: %v", api.ErrSourceCorrupt, m.Digest, err)
		}
		out = append(out, img)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no manifest matches platform selector %q", api.ErrPlatformNotFound, sel.String())
	}
	return out, nil
}

func retryable(err error) bool {
	// Transport- and timeout-shaped errors are retried; anything else (auth
	// failure, 404) fails fast.
	var te *transport.Error
	if errors.As(err, &te) {
		return len(te.Errors) == 0 || te.StatusCode >= 500 || te.StatusCode == 429
	}
	return true
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 250 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

type region struct {
	readerAt io.ReaderAt
	size     int64
	file     *os.File
	mapped   *mmap.ReaderAt
	path     string
}

func (r *region) Close() error {
	var err error
	if r.mapped != nil {
		err = r.mapped.Close()
	}
	if r.path != "" {
		os.Remove(r.path)
	}
	return err
}
