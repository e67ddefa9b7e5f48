// Package fixture loads and generates the named scenarios used to exercise
// the engine against the golden reference: aligned tiles, non-aligned
// widths, multi-tile sweeps, pooled outputs and the leaky activation path.
// Tensor content is generated deterministically from each scenario's shape
// so fixtures never depend on an external data file beyond the scenario
// list itself.
package fixture

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itohio/qconv/pkg/core/conv"
	"github.com/itohio/qconv/pkg/core/fixed"
)

// Scenario is one named engine invocation, loaded from testdata/scenarios.yaml.
type Scenario struct {
	Name           string  `yaml:"name"`
	IC             int     `yaml:"ic"`
	OC             int     `yaml:"oc"`
	H              int     `yaml:"h"`
	W              int     `yaml:"w"`
	K              int     `yaml:"k"`
	S              int     `yaml:"s"`
	P              int     `yaml:"p"`
	UsePool        bool    `yaml:"use_pool"`
	PoolStride     int     `yaml:"pool_stride"`
	ActivationMode string  `yaml:"activation_mode"`
	Scale          float64 `yaml:"scale"`
	Bias           float64 `yaml:"bias"`
}

// Load reads the scenario list from path.
func Load(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture.Load: %w", err)
	}
	var out struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("fixture.Load: %w", err)
	}
	return out.Scenarios, nil
}

func activationMode(name string) (int, error) {
	switch name {
	case "linear":
		return conv.Linear, nil
	case "relu":
		return conv.Relu, nil
	case "leaky":
		return conv.Leaky, nil
	default:
		return 0, fmt.Errorf("fixture: unknown activation_mode %q", name)
	}
}

// Build turns a Scenario into ready-to-run conv.Params with deterministic
// input, weight and affine content and a freshly allocated, zeroed output
// region sized for this scenario's shape.
func Build(s Scenario) (conv.Params, error) {
	mode, err := activationMode(s.ActivationMode)
	if err != nil {
		return conv.Params{}, err
	}

	p := conv.Params{
		IC: s.IC, OC: s.OC, H: s.H, W: s.W,
		K: s.K, S: s.S, P: s.P,
		UsePool:        s.UsePool,
		PoolStride:     s.PoolStride,
		ActivationMode: mode,
	}

	p.Input = conv.NewRegion(s.IC * s.H * s.W)
	FillInput(p.Input, s.IC*s.H*s.W)

	p.Weights = conv.NewRegion(s.OC * s.IC * s.K * s.K)
	FillWeights(p.Weights, s.OC*s.IC*s.K*s.K)

	p.Affine = conv.NewRegion(2 * s.OC)
	FillAffineConst(p.Affine, s.OC, s.Scale, s.Bias)

	oh, ow := p.OutDims()
	outElems := s.OC * oh * ow
	if s.UsePool {
		poh, pow := p.PooledDims()
		outElems = s.OC * poh * pow
	}
	p.Output = conv.NewRegion(outElems)

	return p, nil
}

// FillInput writes n deterministic Q8.8 elements into region, following
// x[i] = (i mod 100)/100 so every scenario's input is reproducible without
// a stored data file.
func FillInput(region conv.Region, n int) {
	for i := 0; i < n; i++ {
		v := float64(i%100) / 100.0
		region.Set(i, fixed.FromFloat32(v))
	}
}

// FillWeights writes n deterministic Q8.8 elements into region, following
// w[i] = ((i mod 7) - 3)/10 so weights range over small positive and
// negative values, including zero.
func FillWeights(region conv.Region, n int) {
	for i := 0; i < n; i++ {
		v := float64((i%7)-3) / 10.0
		region.Set(i, fixed.FromFloat32(v))
	}
}

// FillAffineConst writes the same (scale, bias) pair for every one of oc
// output channels, per spec.md §8's scenarios (`scale=1.0, bias=0.5`).
func FillAffineConst(region conv.Region, oc int, scale, bias float64) {
	qs := fixed.FromFloat32(scale)
	qb := fixed.FromFloat32(bias)
	for c := 0; c < oc; c++ {
		region.Set(2*c, qs)
		region.Set(2*c+1, qb)
	}
}
