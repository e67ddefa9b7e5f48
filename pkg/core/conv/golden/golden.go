// Package golden implements a scalar, bit-exact reference for the tiled
// engine in pkg/core/conv: for every output element it computes Σ w·x with
// zero-padded borders, applies the fused affine and activation, then an
// optional 2x2 max-pool, using the same pkg/core/fixed primitives as the
// accelerator path. Any divergence between the two is a bug, per spec.md
// §4.6 — this package exists to make that divergence testable, not to be a
// second implementation strategy.
package golden

import (
	"github.com/itohio/qconv/pkg/core/conv"
	"github.com/itohio/qconv/pkg/core/fixed"
)

// Run evaluates p scalar-wise and writes the result into p.Output.
func Run(p conv.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	oh, ow := p.OutDims()
	pre := make([]fixed.Q8, p.OC*oh*ow)

	for oc := 0; oc < p.OC; oc++ {
		scale := p.Affine.At(2 * oc)
		bias := p.Affine.At(2*oc + 1)
		for r := 0; r < oh; r++ {
			for c := 0; c < ow; c++ {
				var acc fixed.Q16
				for ic := 0; ic < p.IC; ic++ {
					for ky := 0; ky < p.K; ky++ {
						inRow := r*p.S + ky - p.P
						if inRow < 0 || inRow >= p.H {
							continue
						}
						for kx := 0; kx < p.K; kx++ {
							inCol := c*p.S + kx - p.P
							if inCol < 0 || inCol >= p.W {
								continue
							}
							x := p.Input.At(ic*p.H*p.W + inRow*p.W + inCol)
							w := p.Weights.At(((oc*p.IC+ic)*p.K+ky)*p.K + kx)
							acc = fixed.Mac(acc, w, x)
						}
					}
				}
				v := fixed.Affine(acc, scale, bias)
				v = fixed.Activate(v, p.ActivationMode)
				pre[(oc*oh+r)*ow+c] = v
			}
		}
	}

	if !p.UsePool {
		for i, v := range pre {
			p.Output.Set(i, v)
		}
		return nil
	}

	poh, pow := p.PooledDims()
	for oc := 0; oc < p.OC; oc++ {
		for r := 0; r < poh; r++ {
			for c := 0; c < pow; c++ {
				a := pre[(oc*oh+2*r)*ow+2*c]
				b := pre[(oc*oh+2*r)*ow+2*c+1]
				cc := pre[(oc*oh+2*r+1)*ow+2*c]
				d := pre[(oc*oh+2*r+1)*ow+2*c+1]
				p.Output.Set((oc*poh+r)*pow+c, max4(a, b, cc, d))
			}
		}
	}
	return nil
}

func max4(a, b, c, d fixed.Q8) fixed.Q8 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	if d > m {
		m = d
	}
	return m
}
