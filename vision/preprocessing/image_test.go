package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestPreprocessNormalizes(t *testing.T) {
	p := NewImageProcessor(Options{Channels: 1, MaxHeight: 64, MaxWidth: 64})

	img := solidImage(8, 4, color.White)
	img.Set(0, 0, color.Black)

	out, err := p.Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if out.Width != 8 || out.Height != 4 || out.Channels != 1 {
		t.Fatalf("Unexpected geometry: %dx%dx%d", out.Channels, out.Height, out.Width)
	}
	if len(out.Data) != 32 {
		t.Fatalf("Expected 32 values, got %d", len(out.Data))
	}

	white := (1 - NormMean) / NormStd
	black := -NormMean / NormStd
	if !approx(out.Data[0], black) {
		t.Errorf("Expected black pixel %f, got %f", black, out.Data[0])
	}
	if !approx(out.Data[1], white) {
		t.Errorf("Expected white pixel %f, got %f", white, out.Data[1])
	}
}

func TestPreprocessTransparentIsWhite(t *testing.T) {
	p := NewImageProcessor(Options{Channels: 1})
	out, err := p.Preprocess(solidImage(2, 2, color.NRGBA{}))
	if err != nil {
		t.Fatal(err)
	}
	if want := (1 - NormMean) / NormStd; !approx(out.Data[0], want) {
		t.Errorf("Expected transparent pixel to read as white %f, got %f", want, out.Data[0])
	}
}

func TestPreprocessGeometry(t *testing.T) {
	tests := []struct {
		name         string
		opts         Options
		w, h         int
		wantW, wantH int
	}{
		{"within bounds", Options{MinWidth: 4, MinHeight: 4, MaxWidth: 64, MaxHeight: 64}, 16, 8, 16, 8},
		{"padded", Options{MinWidth: 32, MinHeight: 16, MaxWidth: 64, MaxHeight: 64}, 10, 5, 32, 16},
		{"downscaled width", Options{MaxWidth: 50, MaxHeight: 50}, 100, 20, 50, 10},
		{"downscaled height", Options{MaxWidth: 100, MaxHeight: 10}, 40, 20, 20, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewImageProcessor(tt.opts)
			out, err := p.Preprocess(solidImage(tt.w, tt.h, color.White))
			if err != nil {
				t.Fatalf("Preprocess failed: %v", err)
			}
			if out.Width != tt.wantW || out.Height != tt.wantH {
				t.Errorf("Expected %dx%d, got %dx%d", tt.wantW, tt.wantH, out.Width, out.Height)
			}
		})
	}
}

func TestPreprocessReplicatesChannels(t *testing.T) {
	p := NewImageProcessor(Options{Channels: 3})
	img := solidImage(3, 2, color.White)
	img.Set(2, 1, color.Black)

	out, err := p.Preprocess(img)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 18 {
		t.Fatalf("Expected 18 values, got %d", len(out.Data))
	}
	for c := 0; c < 3; c++ {
		if out.Data[c*6+5] != out.Data[5] {
			t.Errorf("Channel %d differs from channel 0", c)
		}
	}
}

func TestDecodeFormats(t *testing.T) {
	img := solidImage(4, 4, color.Gray{Y: 128})

	var pngBuf, bmpBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}
	if err := bmp.Encode(&bmpBuf, img); err != nil {
		t.Fatal(err)
	}

	for name, buf := range map[string]*bytes.Buffer{"png": &pngBuf, "bmp": &bmpBuf} {
		decoded, format, err := Decode(buf)
		if err != nil {
			t.Errorf("%s: decode failed: %v", name, err)
			continue
		}
		if format != name {
			t.Errorf("Expected format %s, got %s", name, format)
		}
		if decoded.Bounds().Dx() != 4 {
			t.Errorf("%s: unexpected width %d", name, decoded.Bounds().Dx())
		}
	}

	if _, _, err := Decode(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

func TestLoadImageAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.png")
	writePNG(t, path, solidImage(12, 5, color.White))

	w, h, err := ImageSize(path)
	if err != nil {
		t.Fatalf("ImageSize failed: %v", err)
	}
	if w != 12 || h != 5 {
		t.Errorf("Expected 12x5, got %dx%d", w, h)
	}

	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Bounds().Dx() != 12 {
		t.Errorf("Expected width 12, got %d", img.Bounds().Dx())
	}

	if _, err := LoadImage(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, _, err := ImageSize(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestOutputSizeMatchesPreprocess(t *testing.T) {
	p := NewImageProcessor(Options{MinWidth: 16, MinHeight: 16, MaxWidth: 40, MaxHeight: 30})
	for _, size := range [][2]int{{8, 8}, {20, 20}, {80, 10}, {35, 60}} {
		out, err := p.Preprocess(solidImage(size[0], size[1], color.White))
		if err != nil {
			t.Fatal(err)
		}
		w, h := p.OutputSize(size[0], size[1])
		if w != out.Width || h != out.Height {
			t.Errorf("OutputSize(%v) = %dx%d, Preprocess gave %dx%d", size, w, h, out.Width, out.Height)
		}
	}
}

func TestAugmentDeterministic(t *testing.T) {
	img := solidImage(20, 10, color.White)
	for x := 5; x < 15; x++ {
		img.Set(x, 5, color.Black)
	}

	a1 := NewAugmenter(7)
	a2 := NewAugmenter(7)
	for i := 0; i < 20; i++ {
		out1 := a1.Augment(img, 3, i).(*image.NRGBA)
		// Unrelated draws in between must not shift the stream.
		a2.Augment(img, 0, i+100)
		out2 := a2.Augment(img, 3, i).(*image.NRGBA)
		if out1.Bounds() != img.Bounds() {
			t.Fatalf("Augment changed bounds to %v", out1.Bounds())
		}
		if !bytes.Equal(out1.Pix, out2.Pix) {
			t.Fatalf("Augmenters with the same seed diverged at index %d", i)
		}
	}
}

func TestAugmentVariesAcrossEpochs(t *testing.T) {
	img := solidImage(20, 10, color.Gray{Y: 128})
	a := NewAugmenter(7)

	differs := false
	for i := 0; i < 50 && !differs; i++ {
		out0 := a.Augment(img, 0, i).(*image.NRGBA)
		out1 := a.Augment(img, 1, i).(*image.NRGBA)
		differs = !bytes.Equal(out0.Pix, out1.Pix)
	}
	if !differs {
		t.Error("Augment drew identical distortions for every index in epochs 0 and 1")
	}
}

func TestSampleSeedDistinct(t *testing.T) {
	seen := map[int64][2]int{}
	for epoch := 0; epoch < 8; epoch++ {
		for index := 0; index < 64; index++ {
			s := sampleSeed(7, epoch, index)
			if prev, ok := seen[s]; ok {
				t.Fatalf("sampleSeed collision between %v and %v", prev, [2]int{epoch, index})
			}
			seen[s] = [2]int{epoch, index}
		}
	}
}
