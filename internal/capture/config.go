package capture

import (
	"regexp"
	"time"

	"github.com/otus-agent/otus/internal/flow"
)

// Config describes how C2 discovers interfaces and opens each one. Field
// names mirror internal/config.CaptureConfig; this package only knows about
// the already-resolved values, not about viper/env.
type Config struct {
	Include  *regexp.Regexp
	Exclude  *regexp.Regexp
	Interval time.Duration
	SnapLen  int32
	BufferSize int
	Promisc  bool
	Sample   flow.Sample
}

// Matches reports whether ifaceName should be captured: it must match
// Include (or Include is nil, meaning "all") and must not match Exclude.
func (c Config) Matches(ifaceName string) bool {
	if c.Exclude != nil && c.Exclude.MatchString(ifaceName) {
		return false
	}
	if c.Include == nil {
		return true
	}
	return c.Include.MatchString(ifaceName)
}
