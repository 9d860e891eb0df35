package window

import (
	"fmt"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
)

// Windows decomposes the half-open range [start, end) into fixed-length
// windows aligned to multiples of spanSeconds from the Unix epoch. The first
// window starts at floor(start/span)*span and each subsequent window begins
// exactly spanSeconds later, continuing while the window start precedes end.
//
// Alignment guarantees that the same physical time window is produced
// identically no matter which dataset requested it, which is what allows
// chunk rows to be shared across datasets. SpaceID on the returned windows is
// left zero; callers bind it per space.
func Windows(start, end time.Time, intervalSeconds, spanSeconds int64) ([]types.ChunkWindow, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", intervalSeconds)
	}
	if spanSeconds <= 0 {
		return nil, fmt.Errorf("chunk span must be positive, got %d", spanSeconds)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("empty range: end %s is not after start %s",
			end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}

	first := (start.Unix() / spanSeconds) * spanSeconds
	endSec := end.Unix()

	var windows []types.ChunkWindow
	for ws := first; ws < endSec; ws += spanSeconds {
		windows = append(windows, types.ChunkWindow{
			IntervalSeconds: intervalSeconds,
			ChunkStart:      time.Unix(ws, 0).UTC(),
			ChunkEnd:        time.Unix(ws+spanSeconds, 0).UTC(),
		})
	}
	return windows, nil
}
