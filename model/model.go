// Package model holds the reference image-to-LaTeX network trained by the
// orchestrator.
//
// An image is average-pooled onto a fixed grid, projected to the hidden
// size and added to the embedding of the previous token; a tanh layer and
// an output projection give the logits of the next token:
//
//	h_t = tanh(P·pool(x) + E[y_t])
//	z_t = Oᵀ·h_t + b
//
// It is deliberately small. Any network satisfying training.Model can be
// trained in its place.
package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/config"
	"github.com/tsawler/go-latex-ocr/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Parameter names.
const (
	ProjName  = "encoder.proj"
	EmbedName = "decoder.embed"
	OutName   = "decoder.out"
	BiasName  = "decoder.bias"
)

// Config sizes the model.
type Config struct {
	Channels  int
	GridSize  int
	Dim       int
	NumTokens int
	BOSToken  int
	EOSToken  int
	Seed      int64
}

// ConfigFrom extracts the model settings from the run configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Channels:  cfg.Channels,
		GridSize:  cfg.GridSize,
		Dim:       cfg.Dim,
		NumTokens: cfg.NumTokens,
		BOSToken:  cfg.BOSToken,
		EOSToken:  cfg.EOSToken,
		Seed:      cfg.Seed,
	}
}

// Model is the reference network.
type Model struct {
	cfg      Config
	features int

	proj  *tensor.Parameter // [features, dim]
	embed *tensor.Parameter // [num_tokens, dim]
	out   *tensor.Parameter // [dim, num_tokens]
	bias  *tensor.Parameter // [num_tokens]

	training bool
}

// New initializes a model with seeded random weights.
func New(cfg Config) (*Model, error) {
	if cfg.Channels <= 0 || cfg.GridSize <= 0 || cfg.Dim <= 0 || cfg.NumTokens <= 0 {
		return nil, errors.Errorf("invalid model config %+v", cfg)
	}
	m := &Model{
		cfg:      cfg,
		features: cfg.Channels * cfg.GridSize * cfg.GridSize,
		training: true,
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	proj, err := tensor.Randn(rng, 1/math.Sqrt(float64(m.features)), m.features, cfg.Dim)
	if err != nil {
		return nil, err
	}
	embed, err := tensor.Randn(rng, 0.02, cfg.NumTokens, cfg.Dim)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Randn(rng, 1/math.Sqrt(float64(cfg.Dim)), cfg.Dim, cfg.NumTokens)
	if err != nil {
		return nil, err
	}
	bias, err := tensor.New(cfg.NumTokens)
	if err != nil {
		return nil, err
	}

	m.proj = tensor.NewParameter(ProjName, proj)
	m.embed = tensor.NewParameter(EmbedName, embed)
	m.out = tensor.NewParameter(OutName, out)
	m.bias = tensor.NewParameter(BiasName, bias)
	return m, nil
}

// Parameters returns the trainable parameters in a stable order.
func (m *Model) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.proj, m.embed, m.out, m.bias}
}

// Train switches to training mode.
func (m *Model) Train() { m.training = true }

// Eval switches to inference mode.
func (m *Model) Eval() { m.training = false }

// Training reports the current mode.
func (m *Model) Training() bool { return m.training }

// NumParameters counts scalar weights.
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Value.NumElems()
	}
	return n
}

// pool averages one [C, H, W] image onto a GxG grid per channel, using the
// same cell boundaries as adaptive average pooling. The result is laid out
// channel-major.
func (m *Model) pool(img []float64, h, w int) []float64 {
	g := m.cfg.GridSize
	f := make([]float64, m.features)
	for c := 0; c < m.cfg.Channels; c++ {
		plane := img[c*h*w : (c+1)*h*w]
		for i := 0; i < g; i++ {
			y0, y1 := i*h/g, ceilDiv((i+1)*h, g)
			for j := 0; j < g; j++ {
				x0, x1 := j*w/g, ceilDiv((j+1)*w, g)
				var sum float64
				for y := y0; y < y1; y++ {
					sum += floats.Sum(plane[y*w+x0 : y*w+x1])
				}
				f[c*g*g+i*g+j] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	return f
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// encode returns the pooled features and the projected image context of
// sample i of images ([N, C, H, W]).
func (m *Model) encode(images *tensor.Tensor, i int) (*mat.VecDense, *mat.VecDense, error) {
	if len(images.Shape) != 4 || images.Shape[1] != m.cfg.Channels {
		return nil, nil, errors.Errorf("expected images [N, %d, H, W], got %v", m.cfg.Channels, images.Shape)
	}
	h, w := images.Shape[2], images.Shape[3]
	size := m.cfg.Channels * h * w
	f := mat.NewVecDense(m.features, m.pool(images.Data[i*size:(i+1)*size], h, w))

	proj := mat.NewDense(m.features, m.cfg.Dim, m.proj.Value.Data)
	ctx := mat.NewVecDense(m.cfg.Dim, nil)
	ctx.MulVec(proj.T(), f)
	return f, ctx, nil
}

// step computes the hidden state and logits after token prev.
func (m *Model) step(ctx *mat.VecDense, prev int, h, z *mat.VecDense) {
	d := m.cfg.Dim
	emb := m.embed.Value.Data[prev*d : (prev+1)*d]
	for k := 0; k < d; k++ {
		h.SetVec(k, math.Tanh(ctx.AtVec(k)+emb[k]))
	}
	out := mat.NewDense(d, m.cfg.NumTokens, m.out.Value.Data)
	z.MulVec(out.T(), h)
	floats.Add(z.RawVector().Data, m.bias.Value.Data)
}

// Generate greedily decodes every image in images ([N, C, H, W]) for at most
// maxLen tokens. Rows exclude the leading BOS and end with EOS unless the
// length limit was hit.
func (m *Model) Generate(images *tensor.Tensor, maxLen int) ([][]int, error) {
	n := images.Shape[0]
	rows := make([][]int, n)
	h := mat.NewVecDense(m.cfg.Dim, nil)
	z := mat.NewVecDense(m.cfg.NumTokens, nil)
	for i := 0; i < n; i++ {
		_, ctx, err := m.encode(images, i)
		if err != nil {
			return nil, err
		}
		prev := m.cfg.BOSToken
		for t := 0; t < maxLen-1; t++ {
			m.step(ctx, prev, h, z)
			next := floats.MaxIdx(z.RawVector().Data)
			rows[i] = append(rows[i], next)
			if next == m.cfg.EOSToken {
				break
			}
			prev = next
		}
	}
	return rows, nil
}
