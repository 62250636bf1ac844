// Package solver implements the sliding-window nonlinear least-squares problem: parameter blocks
// living on their manifolds, a closed set of factors contributing residuals and Jacobians, and a
// Levenberg-Marquardt solver with a Huber loss and an iteration and wall-time budget.
package solver

import (
	"fmt"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// ParamKind is the type of a parameter block.
type ParamKind int

const (
	// KindPose is a 6-DoF pose: global x, y, z, qx, qy, qz, qw and a 6-dim tangent.
	KindPose ParamKind = iota
	// KindSpeedBias is velocity, accelerometer bias and gyroscope bias.
	KindSpeedBias
	// KindLandmark is a 3D point in the world frame.
	KindLandmark
	// KindPose4DoF is x, y, z, yaw with yaw wrapped to (-pi, pi].
	KindPose4DoF
)

// SpeedBiasSize is the length of a speed-bias block.
const SpeedBiasSize = 9

// GlobalSize is the length of the stored vector.
func (k ParamKind) GlobalSize() int {
	switch k {
	case KindPose:
		return spatialmath.PoseVectorSize
	case KindSpeedBias:
		return SpeedBiasSize
	case KindLandmark:
		return 3
	case KindPose4DoF:
		return spatialmath.Pose4DoFVectorSize
	default:
		return 0
	}
}

// TangentSize is the dimension of the local parameterization.
func (k ParamKind) TangentSize() int {
	if k == KindPose {
		return spatialmath.PoseTangentSize
	}
	return k.GlobalSize()
}

func (k ParamKind) String() string {
	switch k {
	case KindPose:
		return "pose"
	case KindSpeedBias:
		return "speed_bias"
	case KindLandmark:
		return "landmark"
	case KindPose4DoF:
		return "pose4dof"
	default:
		return "unknown"
	}
}

// ParamKey identifies a parameter block by kind and the frame or landmark id it belongs to.
type ParamKey struct {
	Kind ParamKind
	ID   int64
}

func (k ParamKey) String() string {
	return fmt.Sprintf("%s(%d)", k.Kind, k.ID)
}

// PoseKey is the pose block of a frame.
func PoseKey(id state.FrameID) ParamKey {
	return ParamKey{Kind: KindPose, ID: int64(id)}
}

// Pose4DoFKey is the 4-DoF pose block of a frame.
func Pose4DoFKey(id state.FrameID) ParamKey {
	return ParamKey{Kind: KindPose4DoF, ID: int64(id)}
}

// SpeedBiasKey is the speed-bias block of a frame.
func SpeedBiasKey(id state.FrameID) ParamKey {
	return ParamKey{Kind: KindSpeedBias, ID: int64(id)}
}

// LandmarkKey is the position block of a landmark.
func LandmarkKey(id state.LandmarkID) ParamKey {
	return ParamKey{Kind: KindLandmark, ID: int64(id)}
}

// SortKeys orders keys by kind, then id.
func SortKeys(keys []ParamKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})
}

// Values holds the global vector of every parameter block.
type Values map[ParamKey][]float64

// Clone deep-copies the values.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, x := range v {
		out[k] = append([]float64(nil), x...)
	}
	return out
}

func (v Values) get(key ParamKey) ([]float64, error) {
	x, ok := v[key]
	if !ok {
		return nil, errors.Wrapf(state.ErrNotFound, "parameter %s", key)
	}
	if len(x) != key.Kind.GlobalSize() {
		return nil, errors.Errorf("parameter %s has %d values, want %d", key, len(x), key.Kind.GlobalSize())
	}
	return x, nil
}

// Pose reads a pose block.
func (v Values) Pose(key ParamKey) (spatialmath.Pose, error) {
	x, err := v.get(key)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	p := spatialmath.NewZeroPose()
	if err := p.FromVector(x, key.Kind == KindPose4DoF); err != nil {
		return spatialmath.Pose{}, err
	}
	return p, nil
}

// Point reads a landmark block.
func (v Values) Point(key ParamKey) (r3.Vector, error) {
	x, err := v.get(key)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}, nil
}

// SpeedBias reads a speed-bias block.
func (v Values) SpeedBias(key ParamKey) (r3.Vector, state.IMUBias, error) {
	x, err := v.get(key)
	if err != nil {
		return r3.Vector{}, state.IMUBias{}, err
	}
	return vec3(x[0:3]), state.IMUBias{Acc: vec3(x[3:6]), Gyro: vec3(x[6:9])}, nil
}

// NavState reads the pose and speed-bias blocks of a frame.
func (v Values) NavState(pose, speedBias ParamKey) (imu.NavState, error) {
	p, err := v.Pose(pose)
	if err != nil {
		return imu.NavState{}, err
	}
	vel, bias, err := v.SpeedBias(speedBias)
	if err != nil {
		return imu.NavState{}, err
	}
	return imu.NavState{
		Position:    p.Position,
		Orientation: p.Orientation,
		Velocity:    vel,
		BiasAcc:     bias.Acc,
		BiasGyro:    bias.Gyro,
	}, nil
}

// PoseValues is the global vector of a pose block.
func PoseValues(p spatialmath.Pose, is4DoF bool) []float64 {
	return p.ToVector(is4DoF)
}

// SpeedBiasValues is the global vector of a speed-bias block.
func SpeedBiasValues(vel r3.Vector, bias state.IMUBias) []float64 {
	return []float64{
		vel.X, vel.Y, vel.Z,
		bias.Acc.X, bias.Acc.Y, bias.Acc.Z,
		bias.Gyro.X, bias.Gyro.Y, bias.Gyro.Z,
	}
}

// PointValues is the global vector of a landmark block.
func PointValues(p r3.Vector) []float64 {
	return []float64{p.X, p.Y, p.Z}
}

// Plus applies a tangent increment to a global vector.
func Plus(kind ParamKind, x, delta []float64) []float64 {
	switch kind {
	case KindPose:
		p := spatialmath.NewZeroPose()
		// Lengths are checked by the caller.
		_ = p.FromVector(x, false)
		return p.Plus(delta).ToVector(false)
	case KindPose4DoF:
		out := addVec(x, delta)
		out[3] = spatialmath.WrapAngle(out[3])
		return out
	default:
		return addVec(x, delta)
	}
}

// Minus returns the tangent vector d with Plus(kind, base, d) == x.
func Minus(kind ParamKind, x, base []float64) []float64 {
	switch kind {
	case KindPose:
		p, b := spatialmath.NewZeroPose(), spatialmath.NewZeroPose()
		_ = p.FromVector(x, false)
		_ = b.FromVector(base, false)
		return p.Minus(b)
	case KindPose4DoF:
		out := subVec(x, base)
		out[3] = spatialmath.WrapAngle(out[3])
		return out
	default:
		return subVec(x, base)
	}
}

func addVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func subVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func vec3(x []float64) r3.Vector {
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}
}
