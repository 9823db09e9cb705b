package dataloader

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/go-latex-ocr/vision/preprocessing"
)

type fakeDataset struct {
	paths   []string
	tokens  [][]int
	buckets [][]int
}

func (d *fakeDataset) Len() int { return len(d.paths) }

func (d *fakeDataset) GetItem(i int) (string, []int, error) {
	if i < 0 || i >= len(d.paths) {
		return "", nil, fmt.Errorf("index %d out of range", i)
	}
	return d.paths[i], d.tokens[i], nil
}

func (d *fakeDataset) Buckets() [][]int { return d.buckets }

// newFakeDataset writes one white PNG per sample. Samples with the same
// width share a bucket.
func newFakeDataset(t *testing.T, widths []int, tokenLens []int) *fakeDataset {
	t.Helper()
	dir := t.TempDir()
	d := &fakeDataset{}
	byWidth := map[int][]int{}
	var order []int
	for i, w := range widths {
		img := image.NewGray(image.Rect(0, 0, w, 4))
		for p := range img.Pix {
			img.Pix[p] = 255
		}
		img.SetGray(0, 0, color.Gray{Y: uint8(i)})
		path := filepath.Join(dir, fmt.Sprintf("%d.png", i))
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()

		tokens := make([]int, tokenLens[i])
		for j := range tokens {
			tokens[j] = 3 + (i+j)%5
		}
		d.paths = append(d.paths, path)
		d.tokens = append(d.tokens, tokens)
		if _, ok := byWidth[w]; !ok {
			order = append(order, w)
		}
		byWidth[w] = append(byWidth[w], i)
	}
	for _, w := range order {
		d.buckets = append(d.buckets, byWidth[w])
	}
	return d
}

func testLoaderConfig() Config {
	return Config{
		BatchSize:  2,
		MaxSeqLen:  10,
		PadToken:   0,
		BOSToken:   1,
		EOSToken:   2,
		NumWorkers: 2,
		Processor:  preprocessing.NewImageProcessor(preprocessing.Options{Channels: 1}),
	}
}

func drain(t *testing.T, dl *DataLoader) (batches []*Batch, degenerate int) {
	t.Helper()
	for {
		b, err := dl.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if b == nil {
			degenerate++
			continue
		}
		batches = append(batches, b)
	}
}

func TestDataLoaderBatchesWithinBuckets(t *testing.T) {
	ds := newFakeDataset(t, []int{8, 8, 8, 16, 16}, []int{1, 2, 3, 1, 1})

	tests := []struct {
		name     string
		keep     bool
		wantLen  int
		wantSize []int
	}{
		{"drop smaller", false, 2, []int{2, 2}},
		{"keep smaller", true, 3, []int{2, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testLoaderConfig()
			cfg.KeepSmallerBatches = tt.keep
			dl, err := NewDataLoader(ds, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if dl.Len() != tt.wantLen {
				t.Errorf("Expected Len %d, got %d", tt.wantLen, dl.Len())
			}

			batches, _ := drain(t, dl)
			var sizes []int
			for _, b := range batches {
				sizes = append(sizes, b.Size())
				if b.Images.Shape[0] != b.Size() || b.Images.Shape[1] != 1 || b.Images.Shape[2] != 4 {
					t.Errorf("Unexpected image shape %v", b.Images.Shape)
				}
			}
			if !reflect.DeepEqual(sizes, tt.wantSize) {
				t.Errorf("Expected batch sizes %v, got %v", tt.wantSize, sizes)
			}
		})
	}
}

func TestDataLoaderSequences(t *testing.T) {
	ds := newFakeDataset(t, []int{8, 8}, []int{1, 3})
	dl, err := NewDataLoader(ds, testLoaderConfig())
	if err != nil {
		t.Fatal(err)
	}

	b, err := dl.Next()
	if err != nil || b == nil {
		t.Fatalf("Expected batch, got %v %v", b, err)
	}
	if got := b.InputIDs[0]; !reflect.DeepEqual(got, []int{1, 3, 2, 0, 0}) {
		t.Errorf("Unexpected padded row %v", got)
	}
	if got := b.AttentionMask[0]; !reflect.DeepEqual(got, []bool{true, true, true, false, false}) {
		t.Errorf("Unexpected mask %v", got)
	}
	if len(b.InputIDs[1]) != 5 || b.InputIDs[1][4] != 2 {
		t.Errorf("Unexpected longest row %v", b.InputIDs[1])
	}

	if _, err := dl.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestDataLoaderDegenerateBatch(t *testing.T) {
	ds := newFakeDataset(t, []int{8, 8, 16, 16}, []int{1, 1, 9, 1})
	dl, err := NewDataLoader(ds, testLoaderConfig())
	if err != nil {
		t.Fatal(err)
	}

	batches, degenerate := drain(t, dl)
	if len(batches) != 1 || degenerate != 1 {
		t.Errorf("Expected 1 batch and 1 degenerate, got %d and %d", len(batches), degenerate)
	}
	if current, total := dl.Progress(); current != 2 || total != 2 {
		t.Errorf("Expected progress 2/2, got %d/%d", current, total)
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	widths := make([]int, 12)
	lens := make([]int, 12)
	for i := range widths {
		widths[i] = 8 + 8*(i%2)
		lens[i] = 1
	}
	ds := newFakeDataset(t, widths, lens)

	order := func(seed int64, epoch int) [][]int {
		cfg := testLoaderConfig()
		cfg.Shuffle = true
		cfg.Seed = seed
		dl, err := NewDataLoader(ds, cfg)
		if err != nil {
			t.Fatal(err)
		}
		dl.Reset(epoch)
		var out [][]int
		for _, b := range dl.batches {
			out = append(out, append([]int(nil), b...))
		}
		return out
	}

	if !reflect.DeepEqual(order(1, 3), order(1, 3)) {
		t.Error("Same seed and epoch should give the same order")
	}
	if reflect.DeepEqual(order(1, 3), order(1, 4)) {
		t.Error("Different epochs should give different orders")
	}
}

func TestDataLoaderAugmentationIsReproducible(t *testing.T) {
	widths := make([]int, 16)
	lens := make([]int, 16)
	for i := range widths {
		widths[i] = 12
		lens[i] = 1
	}
	ds := newFakeDataset(t, widths, lens)

	newLoader := func(workers int, augment bool) *DataLoader {
		cfg := testLoaderConfig()
		cfg.Shuffle = true
		cfg.Seed = 5
		cfg.NumWorkers = workers
		if augment {
			cfg.Augmenter = preprocessing.NewAugmenter(7)
		}
		dl, err := NewDataLoader(ds, cfg)
		if err != nil {
			t.Fatal(err)
		}
		return dl
	}
	images := func(dl *DataLoader) [][]float64 {
		batches, _ := drain(t, dl)
		var out [][]float64
		for _, b := range batches {
			out = append(out, append([]float64(nil), b.Images.Data...))
		}
		return out
	}

	// A full run reaches epoch 1 after epoch 0.
	full := newLoader(1, true)
	images(full)
	full.Reset(1)
	continued := images(full)

	// A resumed run starts directly at epoch 1.
	resumed := newLoader(1, true)
	resumed.Reset(1)
	if got := images(resumed); !reflect.DeepEqual(got, continued) {
		t.Error("epoch 1 images differ between a continued and a resumed run")
	}

	parallel := newLoader(4, true)
	parallel.Reset(1)
	if got := images(parallel); !reflect.DeepEqual(got, continued) {
		t.Error("epoch 1 images differ between 1 and 4 workers")
	}

	plain := newLoader(1, false)
	plain.Reset(1)
	if reflect.DeepEqual(images(plain), continued) {
		t.Error("augmenter left every image of epoch 1 untouched")
	}
}

func TestBatchSlice(t *testing.T) {
	ds := newFakeDataset(t, []int{8, 8, 8, 8}, []int{1, 1, 1, 1})
	cfg := testLoaderConfig()
	cfg.BatchSize = 4
	dl, err := NewDataLoader(ds, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := dl.Next()
	if err != nil {
		t.Fatal(err)
	}

	part, err := b.Slice(1, 3)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if part.Size() != 2 || part.Images.Shape[0] != 2 {
		t.Errorf("Unexpected slice size %d, shape %v", part.Size(), part.Images.Shape)
	}
	// Pixel (0,0) encodes the sample index.
	plane := 4 * 8
	if part.Images.Data[0] != b.Images.Data[plane] {
		t.Error("Slice does not start at sample 1")
	}

	for _, r := range [][2]int{{-1, 2}, {2, 2}, {0, 5}} {
		if _, err := b.Slice(r[0], r[1]); err == nil {
			t.Errorf("Expected error for slice %v", r)
		}
	}
}

func TestDataLoaderMissingImage(t *testing.T) {
	ds := newFakeDataset(t, []int{8, 8}, []int{1, 1})
	os.Remove(ds.paths[1])

	dl, err := NewDataLoader(ds, testLoaderConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dl.Next(); err == nil {
		t.Error("Expected error for missing image")
	}
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := newFakeDataset(t, []int{8}, []int{1})
	cfg := testLoaderConfig()
	cfg.BatchSize = 0
	if _, err := NewDataLoader(ds, cfg); err == nil {
		t.Error("Expected error for zero batch size")
	}
	cfg = testLoaderConfig()
	cfg.Processor = nil
	if _, err := NewDataLoader(ds, cfg); err == nil {
		t.Error("Expected error for missing processor")
	}
}
