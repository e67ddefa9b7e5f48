package conv

import (
	"context"

	"github.com/itohio/qconv/pkg/core/fixed"
)

// fetchStage loads the input cache and, per OC tile, the weight cache from
// the backing store, then streams both as packed Word256 vectors to the
// Execute stage in the deterministic order spec.md §4.3 fixes.
type fetchStage struct {
	p     Params
	sched Scheduler

	inputCh  chan<- fixed.Word256
	weightCh chan<- fixed.Word256

	inputCache  [TileIC][CacheDim][CacheDim]fixed.Q8
	weightCache [TileOC][TileIC][KMax][KMax]fixed.Q8
}

func (f *fetchStage) run(ctx context.Context) error {
	defer close(f.inputCh)
	defer close(f.weightCh)

	return f.sched.Walk(func(t Tile) error {
		if t.TO == 0 {
			f.fillInput(t)
		}
		f.fillWeight(t)
		return f.stream(ctx, t)
	})
}

// fillInput loads the input cache for one (tr, tc, ti) tile. Any index
// outside the real input — negative row, row beyond H, column outside
// [0, W), or ic beyond IC — reads as zero; this zero-padding policy is the
// sole border-handling semantics (spec.md §4.3).
func (f *fetchStage) fillInput(t Tile) {
	p := f.p
	for ic := 0; ic < TileIC; ic++ {
		for i := 0; i < t.TileInH; i++ {
			row := &f.inputCache[ic][i]
			for j := 0; j < CacheDim; j++ {
				row[j] = 0
			}
			if ic >= t.ICValid {
				continue
			}
			inRow := t.HBase + i
			if inRow < 0 || inRow >= p.H {
				continue
			}
			colLo := 0
			if t.WBase < 0 {
				colLo = -t.WBase
			}
			colHi := t.TileInW
			if t.WBase+t.TileInW > p.W {
				colHi = p.W - t.WBase
			}
			globalIC := t.ICBase + ic
			rowBase := globalIC*p.H*p.W + inRow*p.W
			for c := colLo; c < colHi; c++ {
				row[c] = p.Input.At(rowBase + t.WBase + c)
			}
		}
	}
}

// fillWeight loads the weight cache for one (tr, tc, ti, to) tile. Entries
// with oc >= oc_valid or ic >= ic_valid are zeroed; the Execute stage's
// reliance on zero-padded input already makes invalid-ic contributions
// zero, and the Write stage discards lanes with global_oc >= OC, so these
// zeros are never observed, not a correctness requirement.
func (f *fetchStage) fillWeight(t Tile) {
	p := f.p
	var cache [TileOC][TileIC][KMax][KMax]fixed.Q8
	for oc := 0; oc < t.OCValid; oc++ {
		start := ((t.OCBase+oc)*p.IC + t.ICBase) * p.K * p.K
		for ic := 0; ic < t.ICValid; ic++ {
			base := start + ic*p.K*p.K
			for ky := 0; ky < p.K; ky++ {
				for kx := 0; kx < p.K; kx++ {
					cache[oc][ic][ky][kx] = p.Weights.At(base + ky*p.K + kx)
				}
			}
		}
	}
	f.weightCache = cache
}

func (f *fetchStage) stream(ctx context.Context, t Tile) error {
	p := f.p

	for oc := 0; oc < TileOC; oc++ {
		for ky := 0; ky < p.K; ky++ {
			for kx := 0; kx < p.K; kx++ {
				var w fixed.Word256
				for ic := 0; ic < TileIC; ic++ {
					w.Set(ic, f.weightCache[oc][ic][ky][kx])
				}
				if err := send(ctx, f.weightCh, w); err != nil {
					return err
				}
			}
		}
	}

	for ky := 0; ky < p.K; ky++ {
		for kx := 0; kx < p.K; kx++ {
			for i := 0; i < t.CurrH; i++ {
				for j := 0; j < t.CurrW; j++ {
					var w fixed.Word256
					for ic := 0; ic < TileIC; ic++ {
						w.Set(ic, f.inputCache[ic][i*p.S+ky][j*p.S+kx])
					}
					if err := send(ctx, f.inputCh, w); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func send(ctx context.Context, ch chan<- fixed.Word256, w fixed.Word256) error {
	select {
	case ch <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv(ctx context.Context, ch <-chan fixed.Word256) (fixed.Word256, error) {
	select {
	case w, ok := <-ch:
		if !ok {
			return fixed.Word256{}, ErrStreamClosed
		}
		return w, nil
	case <-ctx.Done():
		return fixed.Word256{}, ctx.Err()
	}
}
