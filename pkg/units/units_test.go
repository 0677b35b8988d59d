package units

import (
	"errors"
	"testing"

	"github.com/tweag/img-repack/pkg/api"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "50MB", want: 50 * 1000 * 1000},
		{in: "1.5GB", want: int64(1.5 * 1000 * 1000 * 1000)},
		{in: "2GiB", want: 2 * 1024 * 1024 * 1024},
		{in: "0MB", wantErr: true},
		{in: "-1MB", wantErr: true},
		{in: "not-a-size", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q): expected error, got nil", c.in)
			} else if !errors.Is(err, api.ErrConfig) {
				t.Errorf("ParseSize(%q): error %v does not wrap ErrConfig", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSize(%q): unexpected error: %v", c.in, err)
		}
		if got.Bytes != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got.Bytes, c.want)
		}
	}
}

func TestSizeFlagValue(t *testing.T) {
	var s Size
	if err := s.Set("100MB"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.Bytes != 100*1000*1000 {
		t.Errorf("Bytes = %d", s.Bytes)
	}
	if s.String() != "100MB" {
		t.Errorf("String() = %q, want %q", s.String(), "100MB")
	}
}
