package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

const (
	// PoseVectorSize is the length of a full 6-DoF pose vector: x, y, z, qx, qy, qz, qw.
	PoseVectorSize = 7
	// Pose4DoFVectorSize is the length of a 4-DoF pose vector: x, y, z, yaw.
	Pose4DoFVectorSize = 4
	// PoseTangentSize is the dimension of the pose tangent space: dx, dy, dz, dthx, dthy, dthz.
	PoseTangentSize = 6
)

// Pose is a rigid transform from a body frame into its parent (world) frame.
type Pose struct {
	Position    r3.Vector   `json:"position"`
	Orientation quat.Number `json:"orientation"`
}

// NewPose returns a pose with a normalized orientation.
func NewPose(position r3.Vector, orientation quat.Number) Pose {
	return Pose{Position: position, Orientation: QuatNormalize(orientation)}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{Orientation: IdentityQuat}
}

// NewPoseFromYaw returns a pose rotated yaw radians about +Z.
func NewPoseFromYaw(position r3.Vector, yaw float64) Pose {
	return Pose{Position: position, Orientation: QuatFromYaw(yaw)}
}

// Compose returns a*b, the pose b expressed in the parent frame of a.
func Compose(a, b Pose) Pose {
	return Pose{
		Position:    a.Position.Add(QuatRotate(a.Orientation, b.Position)),
		Orientation: QuatNormalize(quat.Mul(a.Orientation, b.Orientation)),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	qi := quat.Conj(p.Orientation)
	return Pose{Position: QuatRotate(qi, p.Position).Mul(-1), Orientation: qi}
}

// PoseBetween returns the pose that takes a to b, i.e. a^-1 * b.
func PoseBetween(a, b Pose) Pose {
	return Compose(a.Inverse(), b)
}

// TransformPoint maps a point from the pose's body frame into its parent frame.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return p.Position.Add(QuatRotate(p.Orientation, pt))
}

// InverseTransformPoint maps a point from the parent frame into the pose's body frame.
func (p Pose) InverseTransformPoint(pt r3.Vector) r3.Vector {
	return QuatRotate(quat.Conj(p.Orientation), pt.Sub(p.Position))
}

// Yaw returns the heading of the pose in radians.
func (p Pose) Yaw() float64 {
	return QuatToEulerAngles(p.Orientation).Yaw
}

// ToVector serializes the pose. In 4-DoF mode only position and yaw are kept.
func (p Pose) ToVector(is4DoF bool) []float64 {
	if is4DoF {
		return []float64{p.Position.X, p.Position.Y, p.Position.Z, p.Yaw()}
	}
	q := p.Orientation
	return []float64{p.Position.X, p.Position.Y, p.Position.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

// FromVector overwrites the pose from a vector produced by ToVector. In 4-DoF mode roll and
// pitch of the current orientation are kept and only yaw and position are replaced.
func (p *Pose) FromVector(v []float64, is4DoF bool) error {
	if is4DoF {
		if len(v) != Pose4DoFVectorSize {
			return errors.Errorf("4-DoF pose vector needs %d values, got %d", Pose4DoFVectorSize, len(v))
		}
		ea := QuatToEulerAngles(p.Orientation)
		ea.Yaw = WrapAngle(v[3])
		p.Position = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		p.Orientation = QuatNormalize(ea.Quaternion())
		return nil
	}
	if len(v) != PoseVectorSize {
		return errors.Errorf("pose vector needs %d values, got %d", PoseVectorSize, len(v))
	}
	p.Position = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	p.Orientation = QuatNormalize(quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]})
	return nil
}

// Plus applies a tangent increment on the right: position is shifted in the parent frame and
// orientation becomes q * Exp(dtheta).
func (p Pose) Plus(delta []float64) Pose {
	return Pose{
		Position:    p.Position.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}),
		Orientation: QuatNormalize(quat.Mul(p.Orientation, QuatExp(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}))),
	}
}

// Minus returns the tangent vector d such that base.Plus(d) == p.
func (p Pose) Minus(base Pose) []float64 {
	dp := p.Position.Sub(base.Position)
	dq := QuatLog(quat.Mul(quat.Conj(base.Orientation), p.Orientation))
	return []float64{dp.X, dp.Y, dp.Z, dq.X, dq.Y, dq.Z}
}

// PoseDelta returns the translation distance and rotation angle (radians) between two poses.
func PoseDelta(a, b Pose) (float64, float64) {
	return a.Position.Sub(b.Position).Norm(), QuatAngle(a.Orientation, b.Orientation)
}

// PoseAlmostEqual returns whether two poses are within the given translation and angle tolerance.
func PoseAlmostEqual(a, b Pose, posTol, angTol float64) bool {
	dp, da := PoseDelta(a, b)
	return dp <= posTol && da <= angTol
}

func (p Pose) String() string {
	ea := QuatToEulerAngles(p.Orientation)
	return fmt.Sprintf("{X:%.3f Y:%.3f Z:%.3f Roll:%.3f Pitch:%.3f Yaw:%.3f}",
		p.Position.X, p.Position.Y, p.Position.Z, ea.Roll, ea.Pitch, ea.Yaw)
}
