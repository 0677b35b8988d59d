// Package repack drives the six-stage pipeline — source reader, filesystem
// resolver, content index, partitioner, layer writer, manifest builder —
// end to end for every platform a source reference resolves to, and writes
// the result as an OCI image layout.
package repack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tweag/img-repack/pkg/api"
	"github.com/tweag/img-repack/pkg/contentindex"
	"github.com/tweag/img-repack/pkg/layerwriter"
	"github.com/tweag/img-repack/pkg/manifestbuilder"
	"github.com/tweag/img-repack/pkg/partition"
	"github.com/tweag/img-repack/pkg/progress"
	"github.com/tweag/img-repack/pkg/reference"
	"github.com/tweag/img-repack/pkg/resolver"
	"github.com/tweag/img-repack/pkg/source"
)

// Options configures a single repack run.
type Options struct {
	Source           reference.Source
	OutputDir        string
	TargetSize       int64
	Concurrency      int
	CompressionLevel int
	Platform         reference.PlatformSelector
	KeepTempFiles    bool

	// RefAnnotation, when non-empty, is recorded as the output index's
	// org.opencontainers.image.ref.name annotation — the original tag, if
	// the source reference carried one.
	RefAnnotation string

	Log     *slog.Logger
	Updates chan<- progress.Update
}

// Summary reports the shape of a completed run, printed by the CLI on
// success.
type Summary struct {
	Platforms       int
	Layers          int
	CompressedBytes int64
}

// Run executes the full pipeline for opts.Source and writes an OCI layout
// to opts.OutputDir. The output directory is removed on failure unless
// opts.KeepTempFiles is set.
func Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = runtime.NumCPU()
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tempDir, err := os.MkdirTemp("", "img-repack-*")
	if err != nil {
		return Summary{}, fmt.Errorf("%w: creating temp directory: %v", api.ErrWriteFailed, err)
	}
	cleanedUp := false
	cleanup := func() {
		if cleanedUp || opts.KeepTempFiles {
			return
		}
		cleanedUp = true
		os.RemoveAll(tempDir)
	}
	defer cleanup()

	images, err := source.ReadAll(ctx, opts.Source, opts.Platform, tempDir)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		for _, img := range images {
			for _, l := range img.Layers {
				l.Close()
			}
		}
	}()

	buildTime := time.Now()

	platforms := make([]manifestbuilder.PlatformManifest, 0, len(images))
	var totalLayers int
	var totalCompressed int64

	for _, img := range images {
		pm, layerCount, compressed, err := repackOne(ctx, log, img, opts, tempDir, buildTime)
		if err != nil {
			return Summary{}, err
		}
		platforms = append(platforms, pm)
		totalLayers += layerCount
		totalCompressed += compressed
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("%w: creating output directory: %v", api.ErrWriteFailed, err)
	}
	if err := manifestbuilder.WriteOCILayout(opts.OutputDir, platforms, opts.RefAnnotation); err != nil {
		if !opts.KeepTempFiles {
			os.RemoveAll(opts.OutputDir)
		}
		return Summary{}, err
	}

	return Summary{
		Platforms:       len(platforms),
		Layers:          totalLayers,
		CompressedBytes: totalCompressed,
	}, nil
}

// repackOne runs stages 2-6 for a single resolved platform image.
func repackOne(ctx context.Context, log *slog.Logger, img *source.Image, opts Options, tempDir string, buildTime time.Time) (manifestbuilder.PlatformManifest, int, int64, error) {
	files, err := resolveFiles(ctx, log, img)
	if err != nil {
		return manifestbuilder.PlatformManifest{}, 0, 0, err
	}
	reportStage(opts.Updates, "resolve", int64(len(files)), int64(len(files)))

	src := imageLayerSource{img: img}

	if err := contentindex.Index(ctx, files, src, opts.Concurrency); err != nil {
		return manifestbuilder.PlatformManifest{}, 0, 0, err
	}
	reportStage(opts.Updates, "hash", int64(len(files)), int64(len(files)))

	plan := partition.Partition(files, opts.TargetSize)

	layerResults, totalCompressed, err := writeLayers(ctx, plan, src, opts, tempDir)
	if err != nil {
		return manifestbuilder.PlatformManifest{}, 0, 0, err
	}

	configRaw, err := manifestbuilder.RewriteConfig(img.ConfigRaw, layerResults, buildTime)
	if err != nil {
		return manifestbuilder.PlatformManifest{}, 0, 0, err
	}
	manifestRaw, err := manifestbuilder.BuildManifest(configRaw, layerResults)
	if err != nil {
		return manifestbuilder.PlatformManifest{}, 0, 0, err
	}

	pm := manifestbuilder.PlatformManifest{
		Platform:    img.Platform,
		ConfigRaw:   configRaw,
		ManifestRaw: manifestRaw,
		Layers:      layerResults,
	}
	return pm, len(plan.Layers), totalCompressed, nil
}

// resolveFiles walks every source layer's tar stream in order and applies
// it to the resolver; this stage is strictly sequential, per the
// concurrency model.
func resolveFiles(ctx context.Context, log *slog.Logger, img *source.Image) ([]*resolver.File, error) {
	r := resolver.New()
	for _, layer := range img.Layers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrCancelled, err)
		}
		ra, size, err := layer.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: opening layer %d: %v", api.ErrSourceCorrupt, layer.Index, err)
		}
		entries, err := walkLayer(log, layer.Index, ra, size)
		if err != nil {
			return nil, err
		}
		if err := r.ApplyLayer(layer.Index, entries); err != nil {
			return nil, err
		}
	}
	return r.Finalize()
}

// writeLayers compresses every plan layer in parallel, bounded by
// opts.Concurrency, and returns ordered manifest-ready layer results.
func writeLayers(ctx context.Context, plan *partition.Plan, src imageLayerSource, opts Options, tempDir string) ([]manifestbuilder.LayerResult, int64, error) {
	results := make([]manifestbuilder.LayerResult, len(plan.Layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	var done atomic.Int64
	total := int64(len(plan.Layers))

	for i, layer := range plan.Layers {
		i, layer := i, layer
		g.Go(func() error {
			result, err := writeOneLayer(gctx, layer, src, opts, tempDir)
			if err != nil {
				return fmt.Errorf("layer %d: %w", layer.ID, err)
			}
			results[i] = result
			reportStage(opts.Updates, "write", done.Add(1), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var totalCompressed int64
	for _, r := range results {
		totalCompressed += r.Size
	}
	return results, totalCompressed, nil
}

func writeOneLayer(ctx context.Context, layer *partition.Layer, src imageLayerSource, opts Options, tempDir string) (manifestbuilder.LayerResult, error) {
	sorted := layer.Sorted()
	if len(sorted) == 0 {
		return manifestbuilder.LayerResult{NonEmpty: false}, nil
	}

	blob, err := os.CreateTemp(tempDir, fmt.Sprintf("blob-%d-*.tar", layer.ID))
	if err != nil {
		return manifestbuilder.LayerResult{}, fmt.Errorf("%w: creating blob file for layer %d: %v", api.ErrWriteFailed, layer.ID, err)
	}
	defer blob.Close()

	result, err := layerwriter.Write(ctx, blob, sorted, src, layerwriter.Options{
		Compression: api.Zstd,
		Level:       opts.CompressionLevel,
	})
	if err != nil {
		return manifestbuilder.LayerResult{}, err
	}
	if err := blob.Sync(); err != nil {
		return manifestbuilder.LayerResult{}, fmt.Errorf("%w: flushing blob file for layer %d: %v", api.ErrWriteFailed, layer.ID, err)
	}

	return manifestbuilder.LayerResult{
		MediaType: result.MediaType,
		Digest:    result.CompressedDigest,
		DiffID:    result.UncompressedDigest,
		Size:      result.CompressedSize,
		BlobPath:  blob.Name(),
		NonEmpty:  true,
	}, nil
}

// imageLayerSource adapts a source.Image's materialized layers to the
// ReaderAt(layerIndex)-shaped interface pkg/contentindex and
// pkg/layerwriter both expect.
type imageLayerSource struct {
	img *source.Image
}

func (s imageLayerSource) ReaderAt(layerIndex int) (io.ReaderAt, error) {
	for _, l := range s.img.Layers {
		if l.Index == layerIndex {
			ra, _, err := l.Open()
			return ra, err
		}
	}
	return nil, fmt.Errorf("%w: no such source layer %d", api.ErrSourceCorrupt, layerIndex)
}

func reportStage(updates chan<- progress.Update, stage string, complete, total int64) {
	if updates == nil {
		return
	}
	select {
	case updates <- progress.Update{Stage: stage, Complete: complete, Total: total}:
	default:
	}
}

