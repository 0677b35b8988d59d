// Package units parses the human byte-size strings accepted by --target-size
// ("50MB", "1.5GB", "2GiB") using the same grammar the rest of the container
// ecosystem uses for this flag.
package units

import (
	"fmt"
	"strings"

	goUnits "github.com/docker/go-units"

	"github.com/tweag/img-repack/pkg/api"
)

// Size is a byte count parsed from a human-readable string, implementing
// flag.Value so it can be bound directly to a FlagSet.
type Size struct {
	Bytes int64
	raw   string
}

// ParseSize parses a string like "50MB" or "1.5GiB" into a byte count. SI
// suffixes ("KB", "MB", "GB", ...) are powers of 1000; IEC suffixes ("KiB",
// "MiB", "GiB", ...) are powers of 1024.
func ParseSize(s string) (Size, error) {
	parse := goUnits.FromHumanSize
	if strings.Contains(strings.ToLower(s), "ib") {
		parse = goUnits.RAMInBytes
	}
	n, err := parse(s)
	if err != nil {
		return Size{}, fmt.Errorf("%w: parsing size %q: %v", api.ErrConfig, s, err)
	}
	if n <= 0 {
		return Size{}, fmt.Errorf("%w: size %q must be positive", api.ErrConfig, s)
	}
	return Size{Bytes: n, raw: s}, nil
}

func (s *Size) String() string {
	if s == nil || s.raw == "" {
		return ""
	}
	return s.raw
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	parsed, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// HumanSize renders a byte count back into a short human string, used in
// the end-of-run summary.
func HumanSize(n int64) string {
	return goUnits.HumanSize(float64(n))
}
