package quota

import (
	"testing"

	"github.com/nyiyui/wgledger/errkind"
)

func TestParse(t *testing.T) {
	type test struct {
		in   string
		want uint64
	}
	tests := []test{
		{"10GB", 10_000_000_000},
		{"10 GB", 10_000_000_000},
		{"1MB", 1_000_000},
		{"1MiB", 1 << 20},
		{"5GiB", 5 << 30},
		{"512", 512},
		{"1.5 GB", 1_500_000_000},
		{" 2kB ", 2_000},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %s", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "ten gigs", "GB", "-1GB", "0", "0 MB"} {
		_, err := Parse(in)
		if !errkind.Is(err, errkind.InvalidQuota) {
			t.Errorf("Parse(%q) = %v; want InvalidQuota", in, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []uint64{
		1,
		999,
		1_000,
		1_000_000,
		25_000_000,
		10_000_000_000,
		1_500_000_000,
		3_000_000_000_000,
	} {
		s := Format(n)
		got, err := Parse(s)
		if err != nil {
			t.Errorf("Parse(Format(%d) = %q): %s", n, s, err)
			continue
		}
		if got != n {
			t.Errorf("Parse(Format(%d) = %q) = %d", n, s, got)
		}
	}
}
