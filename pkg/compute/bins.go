package compute

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"

	"github.com/occusoft/occuplan/pkg/types"
)

// Bin is one row of a materialized chunk result: the occupancy count for one
// space over one interval-sized bin. Bin boundaries are unix seconds.
type Bin struct {
	SpaceID  int64 `parquet:"space_id"`
	BinStart int64 `parquet:"bin_start"`
	BinEnd   int64 `parquet:"bin_end"`
	Count    int64 `parquet:"count"`
}

// ResultKey is the object key a chunk's bins are materialized under.
func ResultKey(win types.ChunkWindow) string {
	return fmt.Sprintf("chunks/%d/%d/%d-%d.parquet",
		win.SpaceID, win.IntervalSeconds, win.ChunkStart.Unix(), win.ChunkEnd.Unix())
}

// WriteBins serializes bins as parquet and writes them to the bucket in one
// atomic put.
func WriteBins(ctx context.Context, bucket *blob.Bucket, key string, bins []Bin) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Bin](&buf)
	if _, err := w.Write(bins); err != nil {
		return fmt.Errorf("encode bins: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish parquet file: %w", err)
	}
	if err := bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// ReadBins loads a materialized chunk result.
func ReadBins(ctx context.Context, bucket *blob.Bucket, key string) ([]Bin, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	bins, err := parquet.Read[Bin](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode bins from %s: %w", key, err)
	}
	return bins, nil
}

// emptyBins returns a zero-count bin per interval across the window, so a
// chunk with no sessions still materializes a complete, summable result.
func emptyBins(win types.ChunkWindow) []Bin {
	var bins []Bin
	for bs := win.ChunkStart.Unix(); bs < win.ChunkEnd.Unix(); bs += win.IntervalSeconds {
		bins = append(bins, Bin{
			SpaceID:  win.SpaceID,
			BinStart: bs,
			BinEnd:   bs + win.IntervalSeconds,
		})
	}
	return bins
}
