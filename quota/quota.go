// Package quota parses and formats traffic quotas.
//
// Quotas use the units understood by go-humanize: decimal suffixes (kB, MB, GB, TB)
// are powers of 1000 and binary suffixes (KiB, MiB, GiB, TiB) are powers of 1024.
// A bare number is a count of bytes. So "10GB" is 10_000_000_000 bytes and "1MiB" is 1_048_576.
package quota

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nyiyui/wgledger/errkind"
)

// Parse parses a human-readable size into a byte count.
// Zero and unparseable sizes are rejected with an InvalidQuota error.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errkind.New(errkind.InvalidQuota, "parse quota", "empty quota")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errkind.Wrap(errkind.InvalidQuota, "parse quota", err)
	}
	if n == 0 {
		return 0, errkind.New(errkind.InvalidQuota, "parse quota", "quota %q is zero", s)
	}
	return n, nil
}

// Format formats n with decimal units, e.g. "10 GB".
// Parse(Format(n)) == n for n with at most two significant digits in its unit.
func Format(n uint64) string {
	return humanize.Bytes(n)
}
