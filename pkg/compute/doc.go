// Package compute materializes chunk results as parquet files in blob
// storage. Source chunks bin raw presence sessions into per-interval
// occupancy counts; derived chunks sum their children's bins for the same
// window. Results are immutable once written and addressed by a
// deterministic per-window key.
package compute
