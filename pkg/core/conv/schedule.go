package conv

// Tile is one step of the canonical (tr, tc, ti, to) iteration order:
// row-outer, column, IC-outer, OC-inner. IC-outer is load-bearing — see
// spec.md §4.2 — so the scheduler always yields every `to` for a given
// `ti` before advancing `ti`.
type Tile struct {
	TR, TC, TI, TO int

	// Row/column tile geometry, constant across TI and TO for a given
	// (TR, TC).
	RowStart, ColStart int
	CurrH, CurrW       int
	HBase, WBase       int
	TileInH, TileInW   int

	// IC tile geometry.
	ICBase, ICValid int
	// OC tile geometry.
	OCBase, OCValid int
}

// FirstIC reports whether this tile is the first IC iteration for its
// (TR, TC, TO) — the point at which Execute must clear the accumulator
// instead of loading a partial sum.
func (t Tile) FirstIC() bool { return t.TI == 0 }

// Scheduler enumerates the tile iteration space for one invocation.
type Scheduler struct {
	p                            Params
	rowTiles, colTiles           int
	icTiles, ocTiles             int
	oh, ow                       int
}

// NewScheduler computes the iteration-space bounds for p. p must already
// have passed Params.Validate.
func NewScheduler(p Params) Scheduler {
	oh, ow := p.OutDims()
	return Scheduler{
		p:        p,
		rowTiles: ceilDiv(oh, TileH),
		colTiles: ceilDiv(ow, TileW),
		icTiles:  ceilDiv(p.IC, TileIC),
		ocTiles:  ceilDiv(p.OC, TileOC),
		oh:       oh,
		ow:       ow,
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// RowColTiles returns the number of row and column tiles.
func (s Scheduler) RowColTiles() (rows, cols int) { return s.rowTiles, s.colTiles }

// ICTiles returns the number of input-channel tiles.
func (s Scheduler) ICTiles() int { return s.icTiles }

// OCTiles returns the number of output-channel tiles.
func (s Scheduler) OCTiles() int { return s.ocTiles }

// rowColGeometry computes the part of Tile that depends only on (tr, tc).
func (s Scheduler) rowColGeometry(tr, tc int) Tile {
	p := s.p
	rowStart := tr * TileH
	colStart := tc * TileW
	currH := min(TileH, s.oh-rowStart)
	currW := min(TileW, s.ow-colStart)
	return Tile{
		TR: tr, TC: tc,
		RowStart: rowStart, ColStart: colStart,
		CurrH: currH, CurrW: currW,
		HBase:   rowStart*p.S - p.P,
		WBase:   colStart*p.S - p.P,
		TileInH: currH*p.S + p.K - 1,
		TileInW: currW*p.S + p.K - 1,
	}
}

func (s Scheduler) icGeometry(ti int) (base, valid int) {
	base = ti * TileIC
	valid = min(TileIC, s.p.IC-base)
	return
}

func (s Scheduler) ocGeometry(to int) (base, valid int) {
	base = to * TileOC
	valid = min(TileOC, s.p.OC-base)
	return
}

// Walk calls visit once for every tile in canonical order, stopping (and
// propagating the error) if visit returns a non-nil error.
func (s Scheduler) Walk(visit func(Tile) error) error {
	for tr := 0; tr < s.rowTiles; tr++ {
		for tc := 0; tc < s.colTiles; tc++ {
			rc := s.rowColGeometry(tr, tc)
			for ti := 0; ti < s.icTiles; ti++ {
				icBase, icValid := s.icGeometry(ti)
				for to := 0; to < s.ocTiles; to++ {
					ocBase, ocValid := s.ocGeometry(to)
					tile := rc
					tile.TI, tile.TO = ti, to
					tile.ICBase, tile.ICValid = icBase, icValid
					tile.OCBase, tile.OCValid = ocBase, ocValid
					if err := visit(tile); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
