package golden_test

import (
	"context"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"

	"github.com/itohio/qconv/pkg/core/conv"
	"github.com/itohio/qconv/pkg/core/conv/fixture"
	"github.com/itohio/qconv/pkg/core/conv/golden"
	"github.com/itohio/qconv/pkg/core/fixed"
)

const tolerance = 0.05

func loadScenarios(t *testing.T) []fixture.Scenario {
	t.Helper()
	scenarios, err := fixture.Load("../fixture/testdata/scenarios.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)
	return scenarios
}

// maxAbsDiff returns the largest absolute difference between two Q8.8
// regions of n elements, viewed as float32 per math32 (the only place
// this package touches floating point: comparing the fixed-point engine
// against the golden reference, not computing with floats).
func maxAbsDiff(a, b conv.Region, n int) float32 {
	var worst float32
	for i := 0; i < n; i++ {
		av := float32(a.At(i).Float64())
		bv := float32(b.At(i).Float64())
		d := math32.Abs(av - bv)
		if d > worst {
			worst = d
		}
	}
	return worst
}

func outElemCount(p conv.Params) int {
	if p.UsePool {
		poh, pow := p.PooledDims()
		return p.OC * poh * pow
	}
	oh, ow := p.OutDims()
	return p.OC * oh * ow
}

// TestScenarios runs every named scenario (A-F) through both the tiled
// engine and the scalar golden reference and requires their outputs to
// agree within tolerance, per spec.md §8.
func TestScenarios(t *testing.T) {
	for _, sc := range loadScenarios(t) {
		sc := sc
		t.Run(sc.Name, func(t *testing.T) {
			hwParams, err := fixture.Build(sc)
			require.NoError(t, err)

			swParams := hwParams
			swParams.Output = conv.NewRegion(len(hwParams.Output.Words) * fixed.LanesPerWord)

			require.NoError(t, golden.Run(swParams))
			require.NoError(t, conv.NewEngine().Run(context.Background(), hwParams))

			n := outElemCount(hwParams)
			diff := maxAbsDiff(hwParams.Output, swParams.Output, n)
			require.LessOrEqualf(t, diff, float32(tolerance), "scenario %s: max|hw-sw| = %v", sc.Name, diff)
		})
	}
}

// TestDeterminism re-runs the same params twice and requires bit-identical
// output (spec.md §8 property: determinism).
func TestDeterminism(t *testing.T) {
	sc := loadScenarios(t)[0]
	p1, err := fixture.Build(sc)
	require.NoError(t, err)
	p2 := p1
	p2.Output = conv.NewRegion(len(p1.Output.Words) * fixed.LanesPerWord)

	require.NoError(t, conv.NewEngine().Run(context.Background(), p1))
	require.NoError(t, conv.NewEngine().Run(context.Background(), p2))

	for i, w := range p1.Output.Words {
		require.Equal(t, w, p2.Output.Words[i], "word %d diverged across runs", i)
	}
}

// TestIdentityAffine requires that an identity scale/bias pair reduces the
// engine's fused affine step to a plain narrow (spec.md §8 property 4).
func TestIdentityAffine(t *testing.T) {
	for oc := 0; oc < 16; oc++ {
		acc := fixed.Q16(oc*12345 - 600000)
		got := fixed.Affine(acc, fixed.FromFloat32(1.0), 0)
		want := fixed.Narrow(acc)
		require.Equal(t, want, got, "oc=%d", oc)
	}
}

// TestPoolIdempotence requires that pooling an already-pooled 1x1 block is
// a no-op: max of a single element is itself.
func TestPoolIdempotence(t *testing.T) {
	v := fixed.FromFloat32(0.37)
	require.Equal(t, v, maxOf(v, v, v, v))
}

func maxOf(a, b, c, d fixed.Q8) fixed.Q8 {
	m := a
	for _, x := range []fixed.Q8{b, c, d} {
		if x > m {
			m = x
		}
	}
	return m
}
