// Package manifestbuilder rewrites the source image config and assembles
// the output OCI manifest, index, and on-disk layout, grounded on the
// config-overlay and OCI-layout-assembly logic the teacher's manifest and
// oci-layout subcommands implement.
package manifestbuilder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tweag/img-repack/pkg/api"
)

// LayerResult is everything the manifest builder needs about one output
// layer, produced by the layer writer.
type LayerResult struct {
	MediaType string
	Digest    string // compressed blob digest
	DiffID    string // uncompressed digest, goes into rootfs.diff_ids
	Size      int64
	BlobPath  string // path to the compressed blob on local disk
	NonEmpty  bool
}

// RewriteConfig clones the source image config, replaces rootfs.diff_ids
// and history with one entry per output layer, and bumps created to
// buildTime — leaving every other field, including fields this type
// doesn't know about, byte-for-byte equivalent to the source.
func RewriteConfig(sourceConfigRaw []byte, layers []LayerResult, buildTime time.Time) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sourceConfigRaw, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding source config: %v", api.ErrSourceCorrupt, err)
	}

	var cfg specv1.Image
	if err := json.Unmarshal(sourceConfigRaw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding source config: %v", api.ErrSourceCorrupt, err)
	}

	buildTime = buildTime.UTC()
	cfg.RootFS.Type = "layers"
	cfg.RootFS.DiffIDs = make([]digest.Digest, 0, len(layers))
	cfg.History = make([]specv1.History, 0, len(layers))
	for _, l := range layers {
		if !l.NonEmpty {
			continue
		}
		created := buildTime
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, digest.Digest(l.DiffID))
		cfg.History = append(cfg.History, specv1.History{
			Created:   &created,
			CreatedBy: "img-repack",
		})
	}
	cfg.Created = &buildTime

	return mergeRawAndTyped(raw, cfg)
}

// rewrittenConfigKeys are the top-level config fields RewriteConfig
// replaces; every other key is copied from the source config unchanged.
var rewrittenConfigKeys = []string{"created", "history", "rootfs"}

func mergeRawAndTyped(raw map[string]json.RawMessage, typed any) ([]byte, error) {
	typedBytes, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling rewritten config: %v", api.ErrWriteFailed, err)
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typedBytes, &typedMap); err != nil {
		return nil, fmt.Errorf("%w: re-decoding rewritten config: %v", api.ErrWriteFailed, err)
	}

	merged := make(map[string]json.RawMessage, len(raw)+len(rewrittenConfigKeys))
	for k, v := range raw {
		merged[k] = v
	}
	for _, k := range rewrittenConfigKeys {
		if v, ok := typedMap[k]; ok {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling merged config: %v", api.ErrWriteFailed, err)
	}
	return out, nil
}
