// Package spatialmath defines spatial mathematical operations: rigid 3D poses, rotations and the
// conversions between their representations.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: a rotation followed by a translation. Composition follows the
// homogeneous-matrix convention, so Compose(a, b) applied to x equals a(b(x)).
type Pose interface {
	// Point is the translation component.
	Point() r3.Vector
	// Quaternion is the unit rotation component.
	Quaternion() quat.Number
	// RotationMatrix is the rotation component as a 3x3 matrix.
	RotationMatrix() *RotationMatrix
}

type rigidPose struct {
	rot   quat.Number
	trans r3.Vector
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return &rigidPose{rot: quat.Number{Real: 1}}
}

// NewPose returns a pose from a translation and a rotation quaternion. The quaternion is
// normalized.
func NewPose(point r3.Vector, rotation quat.Number) Pose {
	return &rigidPose{rot: Normalize(rotation), trans: point}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return &rigidPose{rot: quat.Number{Real: 1}, trans: point}
}

// NewPoseFromAxisAngle returns a pose rotating by theta radians around axis, then translating.
func NewPoseFromAxisAngle(point, axis r3.Vector, theta float64) Pose {
	aa := &R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}
	return &rigidPose{rot: aa.ToQuat(), trans: point}
}

func (p *rigidPose) Point() r3.Vector {
	return p.trans
}

func (p *rigidPose) Quaternion() quat.Number {
	return p.rot
}

func (p *rigidPose) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(p.rot)
}

// Compose returns the pose a*b.
func Compose(a, b Pose) Pose {
	return &rigidPose{
		rot:   Normalize(quat.Mul(a.Quaternion(), b.Quaternion())),
		trans: RotateVector(a.Quaternion(), b.Point()).Add(a.Point()),
	}
}

// PoseInverse returns the inverse of p, so that Compose(p, PoseInverse(p)) is the identity.
func PoseInverse(p Pose) Pose {
	inv := quat.Conj(Normalize(p.Quaternion()))
	return &rigidPose{
		rot:   inv,
		trans: RotateVector(inv, p.Point()).Mul(-1),
	}
}

// TransformPoint applies the pose to a point.
func TransformPoint(p Pose, pt r3.Vector) r3.Vector {
	return RotateVector(p.Quaternion(), pt).Add(p.Point())
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// Normalize scales q to unit length. The zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}

// PoseAlmostEqual returns whether two poses are equal within epsilon in translation and in
// rotation. q and -q describe the same rotation and compare equal.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.Point().Sub(b.Point()).Norm() > epsilon {
		return false
	}
	qa, qb := Normalize(a.Quaternion()), Normalize(b.Quaternion())
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	return 1-math.Abs(dot) <= epsilon
}
