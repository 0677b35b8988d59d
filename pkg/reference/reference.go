// Package reference parses the source image reference grammar: a tagged
// union of a remote registry reference and a local OCI layout path, plus the
// platform selector glob used to pick manifests out of a multi-platform
// index.
package reference

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/tweag/img-repack/pkg/api"
)

// Kind distinguishes the two reference forms.
type Kind int

const (
	KindRegistry Kind = iota
	KindOCILayout
)

// Source is the parsed form of the positional <SOURCE> argument.
type Source struct {
	Kind Kind

	// Populated when Kind == KindRegistry.
	Registry name.Reference

	// Populated when Kind == KindOCILayout.
	Path string
	Tag  string
}

// Parse accepts three forms:
//
//	docker://<registry>/<repo>[:<tag>|@<digest>]
//	oci://<path>[:<tag>]
//	<path>                          (bare local OCI layout)
func Parse(raw string) (Source, error) {
	switch {
	case strings.HasPrefix(raw, "docker://"):
		ref := strings.TrimPrefix(raw, "docker://")
		parsed, err := name.ParseReference(ref)
		if err != nil {
			return Source{}, fmt.Errorf("%w: parsing registry reference %q: %v", api.ErrConfig, raw, err)
		}
		return Source{Kind: KindRegistry, Registry: parsed}, nil
	case strings.HasPrefix(raw, "oci://"):
		rest := strings.TrimPrefix(raw, "oci://")
		path, tag := splitOptionalTag(rest)
		return Source{Kind: KindOCILayout, Path: path, Tag: tag}, nil
	default:
		path, tag := splitOptionalTag(raw)
		return Source{Kind: KindOCILayout, Path: path, Tag: tag}, nil
	}
}

// splitOptionalTag splits "<path>:<tag>" into its parts. Because local paths
// routinely contain colons only on Windows drive letters (out of scope here)
// we split on the last colon that occurs after the final path separator.
func splitOptionalTag(s string) (path, tag string) {
	slash := strings.LastIndexByte(s, '/')
	colon := strings.LastIndexByte(s, ':')
	if colon > slash {
		return s[:colon], s[colon+1:]
	}
	return s, ""
}

// RefName returns the tag or digest identifier to preserve as the output
// index's ref annotation, or "" if the source carries none.
func (s Source) RefName() string {
	switch s.Kind {
	case KindRegistry:
		return s.Registry.Identifier()
	default:
		return s.Tag
	}
}

func (s Source) String() string {
	switch s.Kind {
	case KindRegistry:
		return "docker://" + s.Registry.String()
	default:
		if s.Tag != "" {
			return fmt.Sprintf("oci://%s:%s", s.Path, s.Tag)
		}
		return s.Path
	}
}
