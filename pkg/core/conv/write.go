package conv

import (
	"context"

	"github.com/itohio/qconv/pkg/core/fixed"
)

// writeStage receives output vectors tile by tile and places them into the
// output tensor region, optionally after a 2x2 max-pool reduction
// (spec.md §4.5). Read-edge -> pack -> burst-write are phase-separated so a
// row's read-modify-write never interleaves with the row's own write.
type writeStage struct {
	p     Params
	sched Scheduler

	outputCh <-chan fixed.Word256

	tileBuf [TileOC][TileH][TileW]fixed.Q8
}

func (w *writeStage) run(ctx context.Context) error {
	icTiles := w.sched.ICTiles()
	oh, ow := w.p.OutDims()

	return w.sched.Walk(func(t Tile) error {
		if t.TI != icTiles-1 {
			return nil
		}

		for i := 0; i < t.CurrH; i++ {
			for j := 0; j < t.CurrW; j++ {
				word, err := recv(ctx, w.outputCh)
				if err != nil {
					return err
				}
				for oc := 0; oc < TileOC; oc++ {
					w.tileBuf[oc][i][j] = word.Get(oc)
				}
			}
		}

		if w.p.UsePool {
			w.placePooled(t)
		} else {
			w.placeDirect(t, oh, ow)
		}
		return nil
	})
}

func (w *writeStage) placeDirect(t Tile, oh, ow int) {
	for oc := 0; oc < t.OCValid; oc++ {
		globalOC := t.OCBase + oc
		if globalOC >= w.p.OC {
			continue
		}
		for i := 0; i < t.CurrH; i++ {
			base := (globalOC*oh + t.RowStart + i) * ow
			base += t.ColStart
			row := w.tileBuf[oc][i]
			writeRow(w.p.Output, base, t.CurrW, func(k int) fixed.Q8 { return row[k] })
		}
	}
}

func (w *writeStage) placePooled(t Tile) {
	poh, pow := w.p.PooledDims()
	pooledH, pooledW := t.CurrH/2, t.CurrW/2
	for oc := 0; oc < t.OCValid; oc++ {
		globalOC := t.OCBase + oc
		if globalOC >= w.p.OC {
			continue
		}
		for i := 0; i < pooledH; i++ {
			base := (globalOC*poh + t.RowStart/2 + i) * pow
			base += t.ColStart / 2
			row0 := w.tileBuf[oc][2*i]
			row1 := w.tileBuf[oc][2*i+1]
			writeRow(w.p.Output, base, pooledW, func(k int) fixed.Q8 {
				return maxQ8(maxQ8(row0[2*k], row0[2*k+1]), maxQ8(row1[2*k], row1[2*k+1]))
			})
		}
	}
}

func maxQ8(a, b fixed.Q8) fixed.Q8 {
	if a > b {
		return a
	}
	return b
}

// writeRow packs count elements (elemAt(0..count-1)) into the region
// starting at flat index base, following the first-word/last-word
// read-modify-write discipline of spec.md §4.5: a touched word is loaded
// from the backing store only if it is partially covered by this row;
// a word fully covered by this row is zero-initialized instead.
func writeRow(region Region, base, count int, elemAt func(int) fixed.Q8) {
	if count == 0 {
		return
	}
	endIdx := base + count - 1
	firstWord := base / fixed.LanesPerWord
	lastWord := endIdx / fixed.LanesPerWord
	startSlot := base % fixed.LanesPerWord
	endSlot := endIdx % fixed.LanesPerWord

	// Read-edge phase: the partially covered edge words are loaded before
	// any word of the row is stored.
	var edges [2]fixed.Word256
	if startSlot != 0 || (firstWord == lastWord && endSlot != fixed.LanesPerWord-1) {
		edges[0] = region.Words[firstWord]
	}
	if endSlot != fixed.LanesPerWord-1 {
		edges[1] = region.Words[lastWord]
	}

	for wi := firstWord; wi <= lastWord; wi++ {
		isFirst := wi == firstWord
		isLast := wi == lastWord
		partial := (isFirst && startSlot != 0) || (isLast && endSlot != fixed.LanesPerWord-1)

		var word fixed.Word256
		if partial && isFirst {
			word = edges[0]
		} else if partial {
			word = edges[1]
		}

		wordLo := wi * fixed.LanesPerWord
		for slot := 0; slot < fixed.LanesPerWord; slot++ {
			globalIdx := wordLo + slot
			if globalIdx < base || globalIdx > endIdx {
				continue
			}
			word.Set(slot, elemAt(globalIdx-base))
		}
		region.Words[wi] = word
	}
}
