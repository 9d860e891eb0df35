package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowsAlignment(t *testing.T) {
	day := int64(86400)

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		span      int64
		wantCount int
		wantFirst time.Time
	}{
		{
			name:      "already aligned",
			start:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			end:       time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			span:      day,
			wantCount: 2,
			wantFirst: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "start snaps back to span boundary",
			start:     time.Date(2025, 3, 1, 13, 30, 0, 0, time.UTC),
			end:       time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC),
			span:      day,
			wantCount: 2,
			wantFirst: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "hourly span over two hours",
			start:     time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC),
			end:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			span:      3600,
			wantCount: 2,
			wantFirst: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:      "sub-span range still yields one window",
			start:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			end:       time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
			span:      day,
			wantCount: 1,
			wantFirst: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Windows(tt.start, tt.end, 3600, tt.span)
			require.NoError(t, err)
			require.Len(t, got, tt.wantCount)
			assert.True(t, got[0].ChunkStart.Equal(tt.wantFirst))

			// Contiguous, non-overlapping, span-sized.
			for i, w := range got {
				assert.Equal(t, tt.span, w.ChunkEnd.Unix()-w.ChunkStart.Unix())
				assert.Zero(t, w.ChunkStart.Unix()%tt.span, "window start must be span-aligned")
				if i > 0 {
					assert.True(t, w.ChunkStart.Equal(got[i-1].ChunkEnd))
				}
			}
		})
	}
}

func TestWindowsDeterminism(t *testing.T) {
	start := time.Date(2025, 6, 10, 7, 42, 11, 0, time.UTC)
	end := time.Date(2025, 6, 17, 0, 0, 0, 0, time.UTC)

	a, err := Windows(start, end, 900, 86400)
	require.NoError(t, err)
	b, err := Windows(start, end, 900, 86400)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].Equal(b[i]))
	}
}

func TestWindowsInvalidInput(t *testing.T) {
	now := time.Now()

	_, err := Windows(now, now, 3600, 86400)
	assert.Error(t, err, "end == start is an empty range")

	_, err = Windows(now, now.Add(-time.Hour), 3600, 86400)
	assert.Error(t, err, "end before start is an empty range")

	_, err = Windows(now, now.Add(time.Hour), 0, 86400)
	assert.Error(t, err)

	_, err = Windows(now, now.Add(time.Hour), 3600, 0)
	assert.Error(t, err)
}
