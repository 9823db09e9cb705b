package model

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/training"
	"github.com/tsawler/go-latex-ocr/vision/dataloader"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// gradients holds one shard's summed negative log-likelihood and the
// matching unscaled parameter gradients.
type gradients struct {
	proj, embed, out, bias []float64
	nll                    float64
	count                  int
}

func (m *Model) newGradients() *gradients {
	return &gradients{
		proj:  make([]float64, len(m.proj.Value.Data)),
		embed: make([]float64, len(m.embed.Value.Data)),
		out:   make([]float64, len(m.out.Value.Data)),
		bias:  make([]float64, len(m.bias.Value.Data)),
	}
}

func (g *gradients) add(o *gradients) {
	floats.Add(g.proj, o.proj)
	floats.Add(g.embed, o.embed)
	floats.Add(g.out, o.out)
	floats.Add(g.bias, o.bias)
	g.nll += o.nll
	g.count += o.count
}

// Loss is the token-mean cross entropy of one forward pass.
type Loss struct {
	model *Model
	grads *gradients
	done  bool
}

// Value is the mean negative log-likelihood per predicted token.
func (l *Loss) Value() float64 {
	if l.grads.count == 0 {
		return 0
	}
	return l.grads.nll / float64(l.grads.count)
}

// Tokens is the number of predicted tokens the loss averages over.
func (l *Loss) Tokens() int {
	return l.grads.count
}

// Backward adds scale times the gradient of Value to the parameter
// gradients.
func (l *Loss) Backward(scale float64) error {
	if l.done {
		return errors.New("backward called twice on the same loss")
	}
	l.done = true
	if l.grads.count == 0 {
		return nil
	}
	factor := scale / float64(l.grads.count)
	floats.AddScaled(l.model.proj.Grad.Data, factor, l.grads.proj)
	floats.AddScaled(l.model.embed.Grad.Data, factor, l.grads.embed)
	floats.AddScaled(l.model.out.Grad.Data, factor, l.grads.out)
	floats.AddScaled(l.model.bias.Grad.Data, factor, l.grads.bias)
	return nil
}

// Forward computes the next-token loss of batch given its reference tokens.
// The batch is split into one contiguous shard per device; shards run
// concurrently and their gradients are summed before the loss is returned.
func (m *Model) Forward(batch *dataloader.Batch, devices []int) (training.Loss, error) {
	n := batch.Size()
	if n == 0 {
		return nil, errors.New("empty batch")
	}
	if batch.Images.Shape[0] != n {
		return nil, errors.Errorf("batch has %d images for %d sequences", batch.Images.Shape[0], n)
	}

	shards := max(1, min(len(devices), n))
	results := make([]*gradients, shards)
	errs := make([]error, shards)

	var wg sync.WaitGroup
	for s := 0; s < shards; s++ {
		from, to := s*n/shards, (s+1)*n/shards
		wg.Add(1)
		go func(s, from, to int) {
			defer wg.Done()
			results[s], errs[s] = m.shardGradients(batch, from, to)
		}(s, from, to)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	total := results[0]
	for _, g := range results[1:] {
		total.add(g)
	}
	if shards > 1 {
		klog.V(5).Infof("reduced %d shards over %d tokens", shards, total.count)
	}
	return &Loss{model: m, grads: total}, nil
}

func (m *Model) shardGradients(batch *dataloader.Batch, from, to int) (*gradients, error) {
	g := m.newGradients()
	d, v := m.cfg.Dim, m.cfg.NumTokens

	out := mat.NewDense(d, v, m.out.Value.Data)
	gradOut := mat.NewDense(d, v, g.out)
	gradProj := mat.NewDense(m.features, d, g.proj)

	h := mat.NewVecDense(d, nil)
	z := mat.NewVecDense(v, nil)
	dz := mat.NewVecDense(v, nil)
	dh := mat.NewVecDense(d, nil)
	dctx := mat.NewVecDense(d, nil)

	for i := from; i < to; i++ {
		f, ctx, err := m.encode(batch.Images, i)
		if err != nil {
			return nil, err
		}
		ids, mask := batch.InputIDs[i], batch.AttentionMask[i]
		dctx.Zero()

		for t := 0; t+1 < len(ids) && mask[t+1]; t++ {
			prev, target := ids[t], ids[t+1]
			if prev < 0 || prev >= v || target < 0 || target >= v {
				return nil, errors.Errorf("token id outside vocabulary of %d", v)
			}

			m.step(ctx, prev, h, z)
			zs := z.RawVector().Data
			lse := floats.LogSumExp(zs)
			g.nll += lse - zs[target]
			g.count++

			dzs := dz.RawVector().Data
			for k := range dzs {
				dzs[k] = math.Exp(zs[k] - lse)
			}
			dzs[target]--

			floats.Add(g.bias, dzs)
			gradOut.RankOne(gradOut, 1, h, dz)

			dh.MulVec(out, dz)
			embGrad := g.embed[prev*d : (prev+1)*d]
			for k := 0; k < d; k++ {
				hk := h.AtVec(k)
				da := dh.AtVec(k) * (1 - hk*hk)
				embGrad[k] += da
				dctx.SetVec(k, dctx.AtVec(k)+da)
			}
		}
		gradProj.RankOne(gradProj, 1, f, dctx)
	}
	return g, nil
}
