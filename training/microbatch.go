package training

// Chunk is a slice [From, To) of a batch with its loss weight.
type Chunk struct {
	From, To int
	Scale    float64
}

// Size returns the number of samples in the chunk.
func (c Chunk) Size() int {
	return c.To - c.From
}

// SplitBatch cuts a batch of n samples into consecutive chunks of at most
// micro samples; micro <= 0 means one chunk. Each chunk is weighted by
// size/n so the weights sum to 1 and the weighted chunk losses add up to the
// mean loss of the whole batch.
func SplitBatch(n, micro int) []Chunk {
	if n <= 0 {
		return nil
	}
	if micro <= 0 || micro > n {
		micro = n
	}
	chunks := make([]Chunk, 0, (n+micro-1)/micro)
	for from := 0; from < n; from += micro {
		to := from + micro
		if to > n {
			to = n
		}
		chunks = append(chunks, Chunk{From: from, To: to, Scale: float64(to-from) / float64(n)})
	}
	return chunks
}
