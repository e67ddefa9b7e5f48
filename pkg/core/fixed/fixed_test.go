package fixed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMul(t *testing.T) {
	tests := []struct {
		name string
		a, b Q8
		want Q8
	}{
		{"identity", FromFloat32(1.0), FromFloat32(0.5), FromFloat32(0.5)},
		{"zero", 0, FromFloat32(3.25), 0},
		{"negative", FromFloat32(-2.0), FromFloat32(0.25), FromFloat32(-0.5)},
		{"saturates high", 0x7FFF, 0x7FFF, 0x7FFF},
		{"saturates low", -0x8000, 0x7FFF, -0x8000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mul(tt.a, tt.b))
		})
	}
}

func TestMac(t *testing.T) {
	acc := Mac(0, FromFloat32(1.0), FromFloat32(2.0))
	assert.Equal(t, FromFloat32(2.0).Float64(), Narrow(acc).Float64())

	acc = Mac(acc, FromFloat32(1.0), FromFloat32(3.0))
	assert.InDelta(t, 5.0, Narrow(acc).Float64(), 1.0/256)
}

func TestMacSaturates(t *testing.T) {
	acc := Q16(q16Max - 1)
	acc = Mac(acc, 0x7FFF, 0x7FFF)
	assert.Equal(t, Q16(q16Max), acc)
}

func TestNarrowRoundToNearestEven(t *testing.T) {
	tests := []struct {
		name string
		in   Q16
		want Q8
	}{
		{"exact", Q16(256 << 8), Q8(256)},
		{"tie rounds up to even", Q16(1<<8 + 1<<7), 2}, // halfway between 1 and 2 -> 2 (even)
		{"tie rounds up to even from 3", Q16(3<<8 + 1<<7), 4}, // halfway between 3 and 4 -> 4 (even)
		{"round nearest below half", Q16(1<<8 + 1<<6), 1},
		{"round nearest above half", Q16(1<<8 + 3<<6), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Narrow(tt.in))
		})
	}
}

func TestActivateLinear(t *testing.T) {
	assert.Equal(t, FromFloat32(-1.5), Activate(FromFloat32(-1.5), LINEAR))
	assert.Equal(t, FromFloat32(1.5), Activate(FromFloat32(1.5), LINEAR))
}

func TestActivateRelu(t *testing.T) {
	assert.Equal(t, Q8(0), Activate(FromFloat32(-1.5), RELU))
	assert.Equal(t, FromFloat32(1.5), Activate(FromFloat32(1.5), RELU))
}

func TestActivateLeaky(t *testing.T) {
	x := FromFloat32(-8.0)
	got := Activate(x, LEAKY)
	want := narrowQ16Shift(int64(x)*leakyNumerator, leakyShift)
	assert.Equal(t, want, got)
	assert.InDelta(t, -0.8125, got.Float64(), 1.0/256)

	assert.Equal(t, FromFloat32(4.0), Activate(FromFloat32(4.0), LEAKY))
}

func TestAffineIdentityMatchesNarrow(t *testing.T) {
	acc := Mac(Mac(0, FromFloat32(1.5), FromFloat32(2.0)), FromFloat32(-0.75), FromFloat32(3.0))
	assert.Equal(t, Narrow(acc), Affine(acc, FromFloat32(1.0), 0))
}

func TestAffineScaleAndBias(t *testing.T) {
	acc := Q16(10 << 16) // exactly 10.0
	got := Affine(acc, FromFloat32(0.5), FromFloat32(1.0))
	assert.InDelta(t, 6.0, got.Float64(), 1.0/256)
}

func TestWordPackUnpack(t *testing.T) {
	var v [LanesPerWord]Q8
	for i := range v {
		v[i] = FromFloat32(float64(i) - 8)
	}
	w := Pack16(v)
	got := Unpack16(w)
	assert.Equal(t, v, got)
}

func TestWordGetSetIndependence(t *testing.T) {
	var w Word256
	w.Set(0, FromFloat32(1))
	w.Set(15, FromFloat32(-1))
	assert.Equal(t, FromFloat32(1), w.Get(0))
	assert.Equal(t, FromFloat32(-1), w.Get(15))
	for i := 1; i < 15; i++ {
		assert.Equal(t, Q8(0), w.Get(i))
	}
}
