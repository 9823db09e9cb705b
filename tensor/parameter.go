package tensor

import "github.com/pkg/errors"

// Parameter is a trainable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// NewParameter wraps value and allocates a matching zero gradient.
func NewParameter(name string, value *Tensor) *Parameter {
	grad, _ := New(value.Shape...)
	return &Parameter{Name: name, Value: value, Grad: grad}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Lookup finds a parameter by name.
func Lookup(params []*Parameter, name string) (*Parameter, error) {
	for _, p := range params {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, errors.Errorf("parameter %q not found", name)
}
