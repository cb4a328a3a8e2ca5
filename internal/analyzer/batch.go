package analyzer

// Batch is a contiguous, 1-based, inclusive page range.
type Batch struct {
	Start int
	End   int
}

// Size returns the number of pages in the batch.
func (b Batch) Size() int { return b.End - b.Start + 1 }

// Partition splits total pages into contiguous batches of at most size pages,
// in increasing page order.
func Partition(total, size int) []Batch {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([]Batch, 0, (total+size-1)/size)
	for start := 1; start <= total; start += size {
		end := start + size - 1
		if end > total {
			end = total
		}
		out = append(out, Batch{Start: start, End: end})
	}
	return out
}

// BatchProgress maps a finished batch onto the 10..90 analysis band.
func BatchProgress(b Batch, totalPages int) int {
	if totalPages <= 0 {
		return setupProgress
	}
	return b.End*80/totalPages + setupProgress
}
