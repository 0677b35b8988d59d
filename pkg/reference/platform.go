package reference

import (
	"fmt"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tweag/img-repack/pkg/api"
)

// PlatformSelector matches one or more platforms out of a multi-platform
// index, expressed as an "os/arch[/variant]" glob with brace expansion, e.g.
// "linux/amd64", "linux/{amd64,arm64}", or the default "linux/*".
type PlatformSelector struct {
	os       []string
	arch     []string
	variant  []string
	rawInput string
}

// DefaultPlatformSelector matches any arch on linux, the default platform
// when --platform is not given.
func DefaultPlatformSelector() PlatformSelector {
	sel, _ := ParsePlatformSelector("linux/*")
	return sel
}

// ParsePlatformSelector parses an "os/arch[/variant]" glob with brace
// expansion on each component, e.g. "linux/{amd64,arm64}".
func ParsePlatformSelector(s string) (PlatformSelector, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return PlatformSelector{}, fmt.Errorf("%w: platform selector %q must have 2 or 3 components (os/arch[/variant])", api.ErrConfig, s)
	}
	sel := PlatformSelector{rawInput: s}
	sel.os = expandBraces(parts[0])
	sel.arch = expandBraces(parts[1])
	if len(parts) == 3 {
		sel.variant = expandBraces(parts[2])
	}
	return sel, nil
}

// expandBraces expands a single "{a,b,c}" group within a component. A bare
// "*" or a plain string is returned as a one-element list; "*" is kept
// verbatim and matched specially in Matches.
func expandBraces(component string) []string {
	start := strings.IndexByte(component, '{')
	end := strings.IndexByte(component, '}')
	if start < 0 || end < 0 || end < start {
		return []string{component}
	}
	prefix := component[:start]
	suffix := component[end+1:]
	inner := component[start+1 : end]
	opts := strings.Split(inner, ",")
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, prefix+o+suffix)
	}
	return out
}

// Matches reports whether p satisfies the selector.
func (s PlatformSelector) Matches(p v1.Platform) bool {
	return matchesOne(s.os, p.OS) && matchesOne(s.arch, p.Architecture) && (len(s.variant) == 0 || matchesOne(s.variant, p.Variant))
}

func matchesOne(candidates []string, value string) bool {
	for _, c := range candidates {
		if c == "*" || c == value {
			return true
		}
	}
	return false
}

func (s PlatformSelector) String() string {
	if s.rawInput != "" {
		return s.rawInput
	}
	return "linux/*"
}

// Select returns the indices of platforms that satisfy the selector, in the
// order they were given. Callers reading a multi-platform index build a
// parallel []v1.Platform from whatever index-manifest type they hold (the
// registry client's own type, not necessarily this package's) and map the
// returned indices back onto their own manifest list.
func (s PlatformSelector) Select(platforms []v1.Platform) []int {
	var matched []int
	for i, p := range platforms {
		if s.Matches(p) {
			matched = append(matched, i)
		}
	}
	return matched
}
