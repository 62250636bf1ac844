// Package spatialmath defines the rigid body math shared by the estimator, the factors and the
// pose graph: quaternion helpers on gonum's quat.Number, the so(3) exponential and logarithm maps,
// and the Pose type.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Below this angle (radians) the small-angle expansions of Exp and Log are used.
const smallAngle = 1e-10

// IdentityQuat is the quaternion representing no rotation.
var IdentityQuat = quat.Number{Real: 1}

// QuatNormalize returns q scaled to unit length with a non-negative real part.
func QuatNormalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityQuat
	}
	if q.Real < 0 {
		n = -n
	}
	return quat.Scale(1/n, q)
}

// QuatRotate rotates v by the unit quaternion q.
func QuatRotate(q quat.Number, v r3.Vector) r3.Vector {
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.Real)).Add(u.Cross(t))
}

// QuatExp maps a rotation vector (axis * angle) to a unit quaternion.
func QuatExp(theta r3.Vector) quat.Number {
	angle := theta.Norm()
	if angle < smallAngle {
		return QuatNormalize(quat.Number{Real: 1, Imag: theta.X / 2, Jmag: theta.Y / 2, Kmag: theta.Z / 2})
	}
	s := math.Sin(angle/2) / angle
	return quat.Number{Real: math.Cos(angle / 2), Imag: theta.X * s, Jmag: theta.Y * s, Kmag: theta.Z * s}
}

// QuatLog maps a unit quaternion to its rotation vector. The result has norm in [0, pi].
func QuatLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := u.Norm()
	if n < smallAngle {
		return u.Mul(2 / q.Real)
	}
	return u.Mul(2 * math.Atan2(n, q.Real) / n)
}

// QuatAngle returns the rotation angle between two unit quaternions in radians.
func QuatAngle(a, b quat.Number) float64 {
	return QuatLog(quat.Mul(quat.Conj(a), b)).Norm()
}

// QuaternionAlmostEqual is an equality test for two quaternions that treats q and -q as equal.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	return QuatAngle(QuatNormalize(a), QuatNormalize(b)) < tol
}

// QuatFromYaw returns a rotation of yaw radians about +Z.
func QuatFromYaw(yaw float64) quat.Number {
	return quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
}

// EulerAngles are Tait-Bryan angles applied in Z-Y-X (yaw, pitch, roll) order, in radians.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Quaternion returns the euler angles as a unit quaternion.
func (ea *EulerAngles) Quaternion() quat.Number {
	cr, sr := math.Cos(ea.Roll/2), math.Sin(ea.Roll/2)
	cp, sp := math.Cos(ea.Pitch/2), math.Sin(ea.Pitch/2)
	cy, sy := math.Cos(ea.Yaw/2), math.Sin(ea.Yaw/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// QuatToEulerAngles converts a unit quaternion to Z-Y-X euler angles.
func QuatToEulerAngles(q quat.Number) *EulerAngles {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	sinp := 2 * (w*y - z*x)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}
	return &EulerAngles{
		Roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Pitch: math.Asin(sinp),
		Yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// WrapAngle wraps an angle to (-pi, pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// GravityAlignedQuat returns the rotation (with zero yaw) that maps the body frame accelerometer
// reading of a static vehicle onto world +Z.
func GravityAlignedQuat(acc r3.Vector) quat.Number {
	if acc.Norm() == 0 {
		return IdentityQuat
	}
	a := acc.Normalize()
	z := r3.Vector{Z: 1}
	axis := a.Cross(z)
	s := axis.Norm()
	c := a.Dot(z)
	var q quat.Number
	if s < smallAngle {
		if c > 0 {
			q = IdentityQuat
		} else {
			q = quat.Number{Imag: 1}
		}
	} else {
		q = QuatExp(axis.Mul(math.Atan2(s, c) / s))
	}
	// Remove the yaw component so the heading of the first frame is zero.
	ea := QuatToEulerAngles(q)
	return QuatNormalize(quat.Mul(QuatFromYaw(-ea.Yaw), q))
}
