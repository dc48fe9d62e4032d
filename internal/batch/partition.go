package batch

import (
	"fmt"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// DefaultBatchSize is the number of entries dispatched per unit of work.
const DefaultBatchSize = 200

// Partition splits entries into ordered, disjoint batches of at most size entries.
// Every entry appears in exactly one batch. An empty list yields no batches.
func Partition(entries []string, size int, table, dir string) ([]models.Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	batches := make([]models.Batch, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		chunk := make([]string, end-start)
		copy(chunk, entries[start:end])
		batches = append(batches, models.Batch{
			Index:     len(batches),
			Entries:   chunk,
			Table:     table,
			Directory: dir,
		})
	}
	return batches, nil
}

// Split divides files into at most n contiguous sublists of near-equal length.
// Empty sublists are omitted.
func Split(files []string, n int) [][]string {
	if n <= 0 {
		n = 1
	}
	if n > len(files) {
		n = len(files)
	}
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		lo := i * len(files) / n
		hi := (i + 1) * len(files) / n
		if hi > lo {
			out = append(out, files[lo:hi])
		}
	}
	return out
}
