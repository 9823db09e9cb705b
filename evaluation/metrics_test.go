package evaluation

import (
	"math"
	"strings"
	"testing"
)

func words(s string) []string {
	return strings.Fields(s)
}

func TestBLEUScore(t *testing.T) {
	tests := []struct {
		name string
		cand string
		ref  string
		want float64
	}{
		{"identical", "a b c d e", "a b c d e", 1},
		{"no 4-gram match", "a b c x e", "a b c d e", 0},
		{"empty candidate", "", "a b c d", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BLEUScore([][]string{words(tt.cand)}, [][]string{words(tt.ref)})
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBLEUScoreBrevityPenalty(t *testing.T) {
	// Every n-gram of the candidate is in the reference, so only the
	// brevity penalty applies.
	got := BLEUScore([][]string{words("a b c d")}, [][]string{words("a b c d e f g h")})
	want := math.Exp(1 - 8.0/4.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestBLEUScoreCorpus(t *testing.T) {
	cands := [][]string{words("a b c d"), words("e f g h")}
	refs := [][]string{words("a b c d"), words("e f g x")}
	// Per order matches: 1-grams 7/8, 2-grams 5/6, 3-grams 3/4, 4-grams 1/2.
	want := math.Pow(7.0/8*5.0/6*3.0/4*1.0/2, 0.25)
	if got := BLEUScore(cands, refs); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNormalizedEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "", 1},
		{"kitten", "sitting", 3.0 / 7},
		{`\alpha`, `\beta`, 4.0 / 6},
	}
	for _, tt := range tests {
		if got := NormalizedEditDistance(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizedEditDistance(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTokenAccuracyScore(t *testing.T) {
	tests := []struct {
		cand, ref []int
		want      float64
	}{
		{[]int{3, 4, 2}, []int{3, 4, 2}, 1},
		{[]int{3, 5, 2}, []int{3, 4, 2}, 2.0 / 3},
		{[]int{3}, []int{3, 4, 2, 2}, 0.25},
		{[]int{3, 4, 2, 7, 7}, []int{3, 4}, 1},
		{nil, nil, 1},
		{[]int{1}, nil, 0},
	}
	for _, tt := range tests {
		if got := TokenAccuracyScore(tt.cand, tt.ref); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("TokenAccuracyScore(%v, %v) = %v, want %v", tt.cand, tt.ref, got, tt.want)
		}
	}
}

func TestMetricTypeString(t *testing.T) {
	if BLEU.String() != "val/bleu" || EditDistance.String() != "val/edit_distance" || TokenAccuracy.String() != "val/token_acc" {
		t.Error("Unexpected metric keys")
	}
}
