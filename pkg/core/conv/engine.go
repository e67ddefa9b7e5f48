package conv

import (
	"context"
	"crypto/rand"
	"sync"

	b58 "github.com/mr-tron/base58/base58"
	"github.com/itohio/qconv/pkg/core/fixed"
	"github.com/itohio/qconv/pkg/core/logger"
)

// Channel depths sized to cover a few tiles worth of traffic, per
// spec.md §5's "bounded FIFOs sized to cover one to a few tiles".
const (
	weightChanDepth = TileOC * KMax * KMax * 2
	inputChanDepth  = KMax * KMax * TileH * TileW * 2
	outputChanDepth = TileH * TileW * 2
)

// Engine runs one convolutional layer per Run invocation: Fetch, Execute
// and Write as three cooperating goroutines connected by bounded word
// queues (spec.md §5). Run is externally synchronous — it returns only
// after every output word has been written.
type Engine struct{}

// NewEngine returns a ready-to-use Engine. Engine holds no state between
// invocations; every on-chip buffer is allocated fresh, with a static
// lifetime bound to one Run call, inside the three stage goroutines.
func NewEngine() *Engine { return &Engine{} }

// Run evaluates one convolutional layer. A rejected Params leaves every
// Region untouched (spec.md §7); a successful Run has written the full
// output region by the time it returns.
func (e *Engine) Run(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	trace := traceID()
	sched := NewScheduler(p)
	log := logger.Log.Debug().Str("trace", trace)
	rows, cols := sched.RowColTiles()
	log.Int("rowTiles", rows).Int("colTiles", cols).
		Int("icTiles", sched.ICTiles()).Int("ocTiles", sched.OCTiles()).
		Msg("qconv: invocation start")

	inputCh := make(chan fixed.Word256, inputChanDepth)
	weightCh := make(chan fixed.Word256, weightChanDepth)
	outputCh := make(chan fixed.Word256, outputChanDepth)

	fetch := &fetchStage{p: p, sched: sched, inputCh: inputCh, weightCh: weightCh}
	execute := &executeStage{p: p, sched: sched, inputCh: inputCh, weightCh: weightCh, outputCh: outputCh}
	write := &writeStage{p: p, sched: sched, outputCh: outputCh}

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); errs[0] = fetch.run(stageCtx) }()
	go func() { defer wg.Done(); errs[1] = execute.run(stageCtx) }()
	go func() { defer wg.Done(); errs[2] = write.run(stageCtx) }()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			logger.Log.Error().Err(err).Str("trace", trace).Msg("qconv: invocation failed")
			return err
		}
	}

	logger.Log.Debug().Str("trace", trace).Msg("qconv: invocation complete")
	return nil
}

func traceID() string {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "unknown"
	}
	return b58.Encode(seed[:])
}
