package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownScheduler is returned for scheduler names NewScheduler does not
// recognise.
var ErrUnknownScheduler = errors.New("unknown scheduler kind")

// LRPolicy maps an optimizer step count to a learning rate.
// Policies are pure functions; the step counter lives in Scheduler.
type LRPolicy interface {
	// LR returns the learning rate after step optimizer steps.
	LR(step int, baseLR float64) float64

	// Name returns the scheduler name for logging
	Name() string
}

// StepLR reduces learning rate by a factor every StepSize steps
type StepLR struct {
	StepSize int     // Steps between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLR creates a step learning rate policy
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) LR(step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLR) Name() string {
	return "StepLR"
}

// ExponentialLR decays learning rate exponentially
type ExponentialLR struct {
	Gamma float64 // Multiplicative factor of LR decay per step
}

// NewExponentialLR creates an exponential learning rate policy
func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLR{Gamma: gamma}
}

func (s *ExponentialLR) LR(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step))
}

func (s *ExponentialLR) Name() string {
	return "ExponentialLR"
}

// CosineAnnealingLR implements cosine annealing over TMax steps
type CosineAnnealingLR struct {
	TMax   int     // Steps to reach EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLR creates a cosine annealing policy
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLR) LR(step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string {
	return "CosineAnnealingLR"
}

// ConstantLR maintains constant learning rate
type ConstantLR struct{}

func (ConstantLR) LR(step int, baseLR float64) float64 {
	return baseLR
}

func (ConstantLR) Name() string {
	return "ConstantLR"
}

// RateSetter is the part of an optimizer a Scheduler drives.
type RateSetter interface {
	UpdateLearningRate(lr float64)
}

// Scheduler applies a policy to an optimizer, one invocation per optimizer
// step.
type Scheduler struct {
	policy LRPolicy
	opt    RateSetter
	baseLR float64
	steps  int
}

// SchedulerConfig selects and parameterises a scheduler.
type SchedulerConfig struct {
	Kind   string
	BaseLR float64
	Step   int
	Gamma  float64
}

var schedulerKinds = map[string]string{
	"steplr":            "StepLR",
	"exponentiallr":     "ExponentialLR",
	"cosineannealinglr": "CosineAnnealingLR",
	"constantlr":        "ConstantLR",
	"":                  "ConstantLR",
}

// CanonicalScheduler returns the canonical spelling of a scheduler kind, or
// an error wrapping ErrUnknownScheduler.
func CanonicalScheduler(kind string) (string, error) {
	name, ok := schedulerKinds[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", errors.Wrapf(ErrUnknownScheduler, "%q (supported: StepLR, ExponentialLR, CosineAnnealingLR, ConstantLR)", kind)
	}
	return name, nil
}

// NewPolicy builds the named policy. Step is the StepLR interval and the
// CosineAnnealingLR period.
func NewPolicy(cfg SchedulerConfig) (LRPolicy, error) {
	name, err := CanonicalScheduler(cfg.Kind)
	if err != nil {
		return nil, err
	}
	switch name {
	case "StepLR":
		return NewStepLR(cfg.Step, cfg.Gamma), nil
	case "ExponentialLR":
		return NewExponentialLR(cfg.Gamma), nil
	case "CosineAnnealingLR":
		return NewCosineAnnealingLR(cfg.Step, 0), nil
	default:
		return ConstantLR{}, nil
	}
}

// NewScheduler builds the scheduler named by cfg.Kind driving opt.
func NewScheduler(opt RateSetter, cfg SchedulerConfig) (*Scheduler, error) {
	policy, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BaseLR <= 0 {
		return nil, errors.Errorf("base learning rate must be positive, got %g", cfg.BaseLR)
	}
	return &Scheduler{policy: policy, opt: opt, baseLR: cfg.BaseLR}, nil
}

// Step advances the schedule by one optimizer step and updates the
// optimizer's learning rate.
func (s *Scheduler) Step() {
	s.steps++
	s.opt.UpdateLearningRate(s.LR())
}

// LR is the learning rate for the current step count.
func (s *Scheduler) LR() float64 {
	return s.policy.LR(s.steps, s.baseLR)
}

// Steps returns the number of Step calls, including restored ones.
func (s *Scheduler) Steps() int {
	return s.steps
}

// Restore fast-forwards the schedule to steps and applies its rate.
func (s *Scheduler) Restore(steps int) {
	if steps < 0 {
		steps = 0
	}
	s.steps = steps
	s.opt.UpdateLearningRate(s.LR())
}

// Name returns the policy name.
func (s *Scheduler) Name() string {
	return s.policy.Name()
}
