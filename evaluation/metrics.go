package evaluation

import (
	"math"
	"strings"

	"github.com/tsawler/go-latex-ocr/tracking"
	"gonum.org/v1/gonum/stat"
)

// MetricType names a validation metric.
type MetricType int

const (
	BLEU MetricType = iota
	EditDistance
	TokenAccuracy
)

// String returns the tracking key of the metric.
func (mt MetricType) String() string {
	switch mt {
	case BLEU:
		return tracking.ValBLEU
	case EditDistance:
		return tracking.ValEditDistance
	case TokenAccuracy:
		return tracking.ValTokenAccuracy
	default:
		return "val/unknown"
	}
}

const maxOrder = 4

// BLEUScore computes corpus-level BLEU-4 with uniform weights and a brevity
// penalty. The score is 0 if any n-gram order has no match.
func BLEUScore(candidates, references [][]string) float64 {
	var matches, totals [maxOrder]float64
	var candLen, refLen float64

	for i, cand := range candidates {
		ref := references[i]
		candLen += float64(len(cand))
		refLen += float64(len(ref))

		for n := 1; n <= maxOrder; n++ {
			refCounts := ngrams(ref, n)
			for gram, count := range ngrams(cand, n) {
				matches[n-1] += math.Min(float64(count), float64(refCounts[gram]))
				totals[n-1] += float64(count)
			}
		}
	}

	if candLen == 0 {
		return 0
	}
	var logPrecision float64
	for n := 0; n < maxOrder; n++ {
		if matches[n] == 0 {
			return 0
		}
		logPrecision += math.Log(matches[n]/totals[n]) / maxOrder
	}

	brevity := 1.0
	if candLen < refLen {
		brevity = math.Exp(1 - refLen/candLen)
	}
	return brevity * math.Exp(logPrecision)
}

func ngrams(words []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(words); i++ {
		counts[strings.Join(words[i:i+n], "\x00")]++
	}
	return counts
}

// NormalizedEditDistance is the Levenshtein distance between a and b divided
// by the longer length, in runes. Two empty strings have distance 0.
func NormalizedEditDistance(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return float64(prev[len(rb)]) / float64(longest)
}

// TokenAccuracyScore is the fraction of reference positions the candidate
// reproduces exactly.
func TokenAccuracyScore(candidate, reference []int) float64 {
	if len(reference) == 0 {
		if len(candidate) == 0 {
			return 1
		}
		return 0
	}
	correct := 0
	for i, tok := range reference {
		if i < len(candidate) && candidate[i] == tok {
			correct++
		}
	}
	return float64(correct) / float64(len(reference))
}

// mean returns 0 for an empty sample.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
