package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestComposeAndInverse(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, r3.Vector{Z: 1}, math.Pi/2)
	b := NewPoseFromAxisAngle(r3.Vector{X: -4, Y: 0.5, Z: 1}, r3.Vector{X: 1, Y: 1}, 0.3)

	ab := Compose(a, b)
	pt := r3.Vector{X: 0.2, Y: -1, Z: 7}
	viaCompose := TransformPoint(ab, pt)
	viaSteps := TransformPoint(a, TransformPoint(b, pt))
	test.That(t, viaCompose.Sub(viaSteps).Norm(), test.ShouldBeLessThan, 1e-9)

	identity := Compose(ab, PoseInverse(ab))
	test.That(t, PoseAlmostEqual(identity, NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestRotateQuarterTurn(t *testing.T) {
	p := NewPoseFromAxisAngle(r3.Vector{}, r3.Vector{Z: 1}, math.Pi/2)
	out := TransformPoint(p, r3.Vector{X: 1})
	test.That(t, out.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, out.Y, test.ShouldAlmostEqual, 1, 1e-12)
}

func TestRotationMatrixMatchesQuaternion(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	for _, aa := range []R4AA{
		{Theta: 0.1, RX: 1},
		{Theta: math.Pi - 0.01, RX: 0.3, RY: 0.2, RZ: 0.9},
		{Theta: math.Pi, RY: 1},
		{Theta: 2.5, RX: -1, RZ: 1},
	} {
		q := aa.ToQuat()
		rm := QuatToRotationMatrix(q)
		want := RotateVector(q, v)
		for row, w := range []float64{want.X, want.Y, want.Z} {
			got := rm.At(row, 0)*v.X + rm.At(row, 1)*v.Y + rm.At(row, 2)*v.Z
			test.That(t, got, test.ShouldAlmostEqual, w, 1e-9)
		}

		// rows of a rotation are orthonormal
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				dot := rm.At(a, 0)*rm.At(b, 0) + rm.At(a, 1)*rm.At(b, 1) + rm.At(a, 2)*rm.At(b, 2)
				if a == b {
					test.That(t, dot, test.ShouldAlmostEqual, 1, 1e-9)
				} else {
					test.That(t, dot, test.ShouldAlmostEqual, 0, 1e-9)
				}
			}
		}
	}
}
