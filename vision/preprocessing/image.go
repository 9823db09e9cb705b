package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Normalization applied after grayscale conversion.
const (
	NormMean = 0.7931
	NormStd  = 0.1738
)

// Options bound the geometry of preprocessed images.
type Options struct {
	Channels  int
	MinHeight int
	MinWidth  int
	MaxHeight int
	MaxWidth  int
}

// ImageProcessor turns decoded formula images into normalized CHW tensors.
// It holds no mutable state and is safe for concurrent use.
type ImageProcessor struct {
	opts Options
}

// NewImageProcessor creates a new image processor with the given bounds
func NewImageProcessor(opts Options) *ImageProcessor {
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	return &ImageProcessor{opts: opts}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float64
	Width    int
	Height   int
	Channels int
}

// Decode reads a PNG, JPEG, BMP, TIFF or WEBP image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to decode image")
	}
	return img, format, nil
}

// DecodeAndPreprocess decodes an image and preprocesses it without augmentation.
func (p *ImageProcessor) DecodeAndPreprocess(r io.Reader) (*ProcessedImage, error) {
	img, _, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img)
}

// Preprocess fits img into the configured bounds, converts it to grayscale
// and normalizes it. Images larger than the maximum are downscaled keeping
// their aspect ratio; images smaller than the minimum are padded with white
// on the right and bottom. Data is laid out channel-major; with three
// channels the gray plane is replicated.
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("image is empty")
	}

	img = p.fit(img)
	b = img.Bounds()
	w, h := b.Dx(), b.Dy()

	plane := w * h
	data := make([]float64, p.opts.Channels*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (gray(img.At(b.Min.X+x, b.Min.Y+y)) - NormMean) / NormStd
			data[y*w+x] = v
		}
	}
	for c := 1; c < p.opts.Channels; c++ {
		copy(data[c*plane:(c+1)*plane], data[:plane])
	}

	return &ProcessedImage{
		Data:     data,
		Width:    w,
		Height:   h,
		Channels: p.opts.Channels,
	}, nil
}

func (p *ImageProcessor) fit(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sw, sh := p.scaledSize(w, h)

	if sw != w || sh != h {
		dst := image.NewNRGBA(image.Rect(0, 0, sw, sh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img, w, h = dst, sw, sh
	}

	if w < p.opts.MinWidth || h < p.opts.MinHeight {
		dst := image.NewNRGBA(image.Rect(0, 0, max(w, p.opts.MinWidth), max(h, p.opts.MinHeight)))
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(0, 0, w, h), img, img.Bounds().Min, draw.Src)
		img = dst
	}
	return img
}

// scaledSize applies the aspect-preserving downscale to fit the maximum.
func (p *ImageProcessor) scaledSize(w, h int) (int, int) {
	scale := 1.0
	if p.opts.MaxWidth > 0 && w > p.opts.MaxWidth {
		scale = math.Min(scale, float64(p.opts.MaxWidth)/float64(w))
	}
	if p.opts.MaxHeight > 0 && h > p.opts.MaxHeight {
		scale = math.Min(scale, float64(p.opts.MaxHeight)/float64(h))
	}
	if scale == 1 {
		return w, h
	}
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// gray returns the luma of c in [0, 1] with alpha composited over white.
func gray(c color.Color) float64 {
	r, g, b, a := c.RGBA()
	white := float64(0xffff - a)
	rf := (float64(r) + white) / 0xffff
	gf := (float64(g) + white) / 0xffff
	bf := (float64(b) + white) / 0xffff
	return 0.299*rf + 0.587*gf + 0.114*bf
}

// LoadImage decodes the image file at path.
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	img, _, err := Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return img, nil
}

// ImageSize reads only the header of the image at path.
func ImageSize(path string) (width, height int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// OutputSize reports the width and height Preprocess produces for an input
// of the given size.
func (p *ImageProcessor) OutputSize(width, height int) (int, int) {
	w, h := p.scaledSize(width, height)
	return max(w, p.opts.MinWidth), max(h, p.opts.MinHeight)
}

// Augmenter applies the randomized training-time distortions before
// preprocessing. Each distortion fires independently with its own
// probability. Draws come from a source keyed by (seed, epoch, sample), so
// a sample is distorted the same way regardless of worker scheduling or of
// which epochs ran earlier in the process.
type Augmenter struct {
	seed int64
}

// NewAugmenter creates an augmenter with a deterministic source.
func NewAugmenter(seed int64) *Augmenter {
	return &Augmenter{seed: seed}
}

// Augment returns a distorted copy of img for the given epoch and dataset
// index. It is safe for concurrent use.
func (a *Augmenter) Augment(img image.Image, epoch, index int) image.Image {
	rng := rand.New(rand.NewSource(sampleSeed(a.seed, epoch, index)))

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	if rng.Float64() < 0.15 {
		dst = shrink(rng, dst)
	}
	if rng.Float64() < 0.3 {
		shiftRGB(rng, dst, 15)
	}
	if rng.Float64() < 0.2 {
		noise(rng, dst, rng.Float64()*0.2*255)
	}
	if rng.Float64() < 0.2 {
		brightnessContrast(dst, (rng.Float64()*2-1)*0.05, -rng.Float64()*0.2)
	}
	return dst
}

// sampleSeed mixes the key with the splitmix64 finalizer so neighbouring
// epochs and indices get unrelated streams.
func sampleSeed(seed int64, epoch, index int) int64 {
	x := uint64(seed)
	x ^= uint64(epoch) * 0x9e3779b97f4a7c15
	x ^= uint64(index) * 0xc2b2ae3d27d4eb4f
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return int64(x)
}

// shrink rescales the content by a factor in [0.85, 1] around the center
// and fills the border with white.
func shrink(rng *rand.Rand, src *image.NRGBA) *image.NRGBA {
	scale := 0.85 + rng.Float64()*0.15
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))

	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	x0, y0 := (w-nw)/2, (h-nh)/2
	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+nw, y0+nh), src, b, draw.Over, nil)
	return dst
}

func shiftRGB(rng *rand.Rand, img *image.NRGBA, limit int) {
	var shift [3]int
	for c := range shift {
		shift[c] = rng.Intn(2*limit+1) - limit
	}
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			img.Pix[i+c] = clamp8(float64(int(img.Pix[i+c]) + shift[c]))
		}
	}
}

func noise(rng *rand.Rand, img *image.NRGBA, std float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		n := rng.NormFloat64() * std
		for c := 0; c < 3; c++ {
			img.Pix[i+c] = clamp8(float64(img.Pix[i+c]) + n)
		}
	}
}

func brightnessContrast(img *image.NRGBA, brightness, contrast float64) {
	if len(img.Pix) == 0 {
		return
	}
	// Contrast is taken around the image mean.
	var sum float64
	for i := 0; i < len(img.Pix); i += 4 {
		sum += float64(img.Pix[i]) + float64(img.Pix[i+1]) + float64(img.Pix[i+2])
	}
	mean := sum / float64(3*len(img.Pix)/4)

	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c])
			v = (v-mean)*(1+contrast) + mean + brightness*255
			img.Pix[i+c] = clamp8(v)
		}
	}
}

func clamp8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v + 0.5)
}
