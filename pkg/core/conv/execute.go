package conv

import (
	"context"

	"github.com/itohio/qconv/pkg/core/fixed"
)

// executeStage is the 256-lane MAC array: it holds partial sums across IC
// tiles, applies the fused affine and activation on the last IC tile, and
// emits packed output vectors (spec.md §4.4).
type executeStage struct {
	p     Params
	sched Scheduler

	inputCh  <-chan fixed.Word256
	weightCh <-chan fixed.Word256
	outputCh chan<- fixed.Word256

	// psum holds the accumulator across IC tiles, one slot per OC tile,
	// for the (tr, tc) tile currently in flight.
	psum [][TileOC][TileH][TileW]fixed.Q16
	acc  [TileOC][TileH][TileW]fixed.Q16

	scaleBuf [TileOC]fixed.Q8
	biasBuf  [TileOC]fixed.Q8
}

func (e *executeStage) run(ctx context.Context) error {
	defer close(e.outputCh)

	ocTiles := e.sched.OCTiles()
	icTiles := e.sched.ICTiles()
	e.psum = make([][TileOC][TileH][TileW]fixed.Q16, ocTiles)

	return e.sched.Walk(func(t Tile) error {
		if t.FirstIC() {
			e.acc = [TileOC][TileH][TileW]fixed.Q16{}
		} else {
			e.acc = e.psum[t.TO]
		}

		lastIC := t.TI == icTiles-1
		if lastIC {
			e.loadAffine(t)
		}

		var wreg [TileOC][TileIC][KMax][KMax]fixed.Q8
		for oc := 0; oc < TileOC; oc++ {
			for ky := 0; ky < e.p.K; ky++ {
				for kx := 0; kx < e.p.K; kx++ {
					w, err := recv(ctx, e.weightCh)
					if err != nil {
						return err
					}
					for ic := 0; ic < TileIC; ic++ {
						wreg[oc][ic][ky][kx] = w.Get(ic)
					}
				}
			}
		}

		for ky := 0; ky < e.p.K; ky++ {
			for kx := 0; kx < e.p.K; kx++ {
				for i := 0; i < t.CurrH; i++ {
					for j := 0; j < t.CurrW; j++ {
						w, err := recv(ctx, e.inputCh)
						if err != nil {
							return err
						}
						var inVec [TileIC]fixed.Q8
						for ic := 0; ic < TileIC; ic++ {
							inVec[ic] = w.Get(ic)
						}
						for oc := 0; oc < TileOC; oc++ {
							sum := e.acc[oc][i][j]
							for ic := 0; ic < TileIC; ic++ {
								sum = fixed.Mac(sum, wreg[oc][ic][ky][kx], inVec[ic])
							}
							e.acc[oc][i][j] = sum
						}
					}
				}
			}
		}

		if !lastIC {
			e.psum[t.TO] = e.acc
			return nil
		}
		return e.emit(ctx, t)
	})
}

func (e *executeStage) loadAffine(t Tile) {
	for oc := 0; oc < TileOC; oc++ {
		globalOC := t.OCBase + oc
		if globalOC >= e.p.OC {
			e.scaleBuf[oc], e.biasBuf[oc] = 0, 0
			continue
		}
		e.scaleBuf[oc] = e.p.Affine.At(2 * globalOC)
		e.biasBuf[oc] = e.p.Affine.At(2*globalOC + 1)
	}
}

func (e *executeStage) emit(ctx context.Context, t Tile) error {
	for i := 0; i < t.CurrH; i++ {
		for j := 0; j < t.CurrW; j++ {
			var w fixed.Word256
			for oc := 0; oc < TileOC; oc++ {
				v := fixed.Affine(e.acc[oc][i][j], e.scaleBuf[oc], e.biasBuf[oc])
				v = fixed.Activate(v, e.p.ActivationMode)
				w.Set(oc, v)
			}
			if err := send(ctx, e.outputCh, w); err != nil {
				return err
			}
		}
	}
	return nil
}
