// Package conv implements the tiled, fixed-point convolution engine: one
// invocation evaluates one convolutional layer (conv + fused affine +
// activation + optional 2x2 max-pool) of a Tiny-YOLO-style network.
package conv

import (
	"errors"
	"fmt"

	"github.com/itohio/qconv/pkg/core/fixed"
)

// Tile dimensions fixed by the on-chip buffer budget (spec.md §3).
const (
	TileH  = 16
	TileW  = 16
	TileOC = 16
	TileIC = 16

	KMax      = 3
	MaxStride = 2
	// CacheDim bounds the input cache edge: the largest tile_in_h/tile_in_w
	// is TileH*MaxStride + KMax - 1; CacheDim is that bound rounded up by
	// one element of slack.
	CacheDim = TileH*MaxStride + KMax
)

// Activation modes, re-exported from fixed for callers that only import conv.
const (
	Linear = fixed.LINEAR
	Relu   = fixed.RELU
	Leaky  = fixed.LEAKY
)

var (
	ErrKernelTooLarge     = errors.New("qconv: kernel size exceeds K_MAX")
	ErrUnsupportedStride  = errors.New("qconv: unsupported stride")
	ErrUnsupportedPadding = errors.New("qconv: unsupported padding")
	ErrBadOutputShape     = errors.New("qconv: output dimensions do not match (H,W,K,S,P)")
	ErrOddPooledDimension = errors.New("qconv: OH/OW must be even when pooling is enabled")
	ErrRegionTooSmall     = errors.New("qconv: backing region too small for its tensor shape")
	ErrOutputAliasesInput = errors.New("qconv: output region aliases input or weight region")
	ErrStreamClosed       = errors.New("qconv: internal stage stream closed early")
)

// Region is one backing-store tensor: a caller-owned slice of packed
// Word256 words. The engine never allocates a Region; it only reads or
// writes the words it already has.
type Region struct {
	Words []fixed.Word256
}

// NewRegion allocates a zeroed Region large enough for n Q8.8 elements,
// rounded up to whole Word256s as spec.md §6 requires.
func NewRegion(n int) Region {
	words := (n + fixed.LanesPerWord - 1) / fixed.LanesPerWord
	return Region{Words: make([]fixed.Word256, words)}
}

// At reads the flat element index from the region, treating any index
// beyond the allocated words as out of bounds (a caller bug, not padding —
// zero padding is the engine's concern, applied before this is ever
// reached for in-bounds tensors).
func (r Region) At(flat int) fixed.Q8 {
	return r.Words[flat/fixed.LanesPerWord].Get(flat % fixed.LanesPerWord)
}

// Set writes the flat element index in the region.
func (r Region) Set(flat int, v fixed.Q8) {
	r.Words[flat/fixed.LanesPerWord].Set(flat%fixed.LanesPerWord, v)
}

func (r Region) wordCount(nElements int) int {
	return (nElements + fixed.LanesPerWord - 1) / fixed.LanesPerWord
}

// Params is one engine invocation's full parameter set: spec.md §6's
// "pointers or handles ... IC, OC, H, W, K, S, P ... use_pool ...
// pool_stride ... activation_mode" translated to Go values.
type Params struct {
	Input   Region
	Output  Region
	Weights Region
	Affine  Region

	IC, OC int
	H, W   int
	K, S, P int

	UsePool    bool
	PoolStride int

	ActivationMode int
}

// OutDims returns the pre-pool output height/width.
func (p Params) OutDims() (oh, ow int) {
	oh = (p.H+2*p.P-p.K)/p.S + 1
	ow = (p.W+2*p.P-p.K)/p.S + 1
	return
}

// PooledDims returns the post-pool output height/width (only meaningful
// when p.UsePool is true).
func (p Params) PooledDims() (oh, ow int) {
	h, w := p.OutDims()
	return h / 2, w / 2
}

// Validate rejects out-of-range parameters without reading or writing any
// Region, per spec.md §7's "rejects the call with no memory effect".
func (p Params) Validate() error {
	if p.K > KMax || p.K <= 0 {
		return fmt.Errorf("%w: K=%d K_MAX=%d", ErrKernelTooLarge, p.K, KMax)
	}
	if p.S != 1 && p.S != 2 {
		return fmt.Errorf("%w: S=%d", ErrUnsupportedStride, p.S)
	}
	if p.P != 0 && p.P != 1 {
		return fmt.Errorf("%w: P=%d", ErrUnsupportedPadding, p.P)
	}
	if p.IC <= 0 || p.OC <= 0 || p.H <= 0 || p.W <= 0 {
		return fmt.Errorf("%w: IC=%d OC=%d H=%d W=%d", ErrBadOutputShape, p.IC, p.OC, p.H, p.W)
	}
	oh, ow := p.OutDims()
	if oh <= 0 || ow <= 0 {
		return fmt.Errorf("%w: OH=%d OW=%d", ErrBadOutputShape, oh, ow)
	}
	if p.UsePool {
		if p.PoolStride != 1 && p.PoolStride != 2 {
			return fmt.Errorf("%w: pool_stride=%d", ErrUnsupportedStride, p.PoolStride)
		}
		if p.PoolStride == 1 {
			return fmt.Errorf("%w: stride-1 pooling is not implemented by this core, reduce externally", ErrUnsupportedStride)
		}
		if oh%2 != 0 || ow%2 != 0 {
			return fmt.Errorf("%w: OH=%d OW=%d", ErrOddPooledDimension, oh, ow)
		}
	}
	if p.ActivationMode != Linear && p.ActivationMode != Relu && p.ActivationMode != Leaky {
		return fmt.Errorf("qconv: unknown activation mode %d", p.ActivationMode)
	}

	if len(p.Input.Words) < p.Input.wordCount(p.IC*p.H*p.W) {
		return fmt.Errorf("%w: input", ErrRegionTooSmall)
	}
	if len(p.Weights.Words) < p.Weights.wordCount(p.OC*p.IC*p.K*p.K) {
		return fmt.Errorf("%w: weights", ErrRegionTooSmall)
	}
	if len(p.Affine.Words) < p.Affine.wordCount(2*p.OC) {
		return fmt.Errorf("%w: affine", ErrRegionTooSmall)
	}
	outElems := p.OC * oh * ow
	if p.UsePool {
		poh, pow := p.PooledDims()
		outElems = p.OC * poh * pow
	}
	if len(p.Output.Words) < p.Output.wordCount(outElems) {
		return fmt.Errorf("%w: output", ErrRegionTooSmall)
	}
	if regionsOverlap(p.Output, p.Input) || regionsOverlap(p.Output, p.Weights) {
		return ErrOutputAliasesInput
	}

	return nil
}

// regionsOverlap is a best-effort alias check: it catches the common case
// of a caller accidentally passing the same backing slice twice. It cannot
// catch partial overlaps introduced by slicing a single larger buffer —
// spec.md §7 leaves aliasing and misaligned pointers as explicitly the
// caller's responsibility.
func regionsOverlap(a, b Region) bool {
	if len(a.Words) == 0 || len(b.Words) == 0 {
		return false
	}
	return &a.Words[0] == &b.Words[0]
}
