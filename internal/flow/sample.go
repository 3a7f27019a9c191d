package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Sample is either None (every packet) or Rate(n), n >= 2, the active
// sampling policy for a capture worker. Grounded on
// orig:src/capture/sample.rs.
type Sample struct {
	None bool
	Rate uint32
}

// NoSample is the default, unsampled policy.
var NoSample = Sample{None: true}

// ParseSample parses the "1:N" grammar (spec.md §3, §8 scenario 4):
// base must be exactly 1, N must parse as a uint32 >= 2. Any other base
// or malformed string is rejected.
func ParseSample(s string) (Sample, error) {
	if s == "" {
		return NoSample, nil
	}

	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Sample{}, fmt.Errorf("sample: missing base: %q", s)
	}

	base, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Sample{}, fmt.Errorf("sample: invalid base %q: %w", parts[0], err)
	}
	if base != 1 {
		return Sample{}, fmt.Errorf("sample: invalid base: %d", base)
	}

	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Sample{}, fmt.Errorf("sample: invalid rate %q: %w", parts[1], err)
	}
	if rate < 2 {
		return Sample{}, fmt.Errorf("sample: rate must be >= 2, got %d", rate)
	}

	return Sample{Rate: uint32(rate)}, nil
}
