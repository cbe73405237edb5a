package ban

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gridchat/chat-server/internal/chaterr"
)

// DurationError is returned for a ban duration outside the <int><d|h|m|s>
// grammar. It matches chaterr.ErrValidation.
type DurationError struct {
	Duration string
	Reason   string
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("invalid ban duration [%s]: %s", e.Duration, e.Reason)
}

func (e *DurationError) Is(target error) bool {
	return target == chaterr.ErrValidation
}

var unitSeconds = map[byte]int64{
	'd': 24 * 60 * 60,
	'h': 60 * 60,
	'm': 60,
	's': 1,
}

// ParseDuration parses a ban duration such as "5d", "12h", "30m" or "45s".
// Combined units ("1h30m") are not supported.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, &DurationError{Duration: s, Reason: "need a number followed by one of d, h, m, s"}
	}

	unit := s[len(s)-1]
	perUnit, ok := unitSeconds[unit]
	if !ok {
		return 0, &DurationError{Duration: s, Reason: fmt.Sprintf("unknown unit %q, allowed units are d, h, m, s", unit)}
	}

	magnitude, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, &DurationError{Duration: s, Reason: "not a number"}
	}
	if magnitude < 0 {
		return 0, &DurationError{Duration: s, Reason: "need a non-negative duration"}
	}
	if magnitude > int64(maxBanSeconds/perUnit) {
		return 0, &DurationError{Duration: s, Reason: "duration too large"}
	}

	return time.Duration(magnitude*perUnit) * time.Second, nil
}

// maxBanSeconds keeps durations within time.Duration range.
const maxBanSeconds = int64(1<<63-1) / int64(time.Second)
