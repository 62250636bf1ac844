package solver

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// RelativePoseFactor constrains the pose of To seen from From, as produced by odometry or a
// loop closure. In 4-DoF mode both blocks are x, y, z, yaw and the measurement is the relative
// translation in the yaw-only frame of From plus the relative yaw.
type RelativePoseFactor struct {
	From, To state.FrameID
	Measured spatialmath.Pose
	Is4DoF   bool

	PositionSigma float64
	RotationSigma float64
	// HuberDelta on the whitened residual norm, 0 for a squared loss.
	HuberDelta float64
}

// NewRelativePoseFactor returns a relative pose factor. For 4-DoF factors Measured should come
// from Relative4DoF.
func NewRelativePoseFactor(from, to state.FrameID, measured spatialmath.Pose, is4DoF bool, posSigma, rotSigma float64) *RelativePoseFactor {
	return &RelativePoseFactor{
		From:          from,
		To:            to,
		Measured:      measured,
		Is4DoF:        is4DoF,
		PositionSigma: posSigma,
		RotationSigma: rotSigma,
	}
}

// Relative4DoF expresses the relative pose b of a frame seen from a, given in a's body frame, in
// the yaw-only frame of a: the translation is rotated by a's roll and pitch and only the relative
// yaw of the rotation is kept.
func Relative4DoF(a spatialmath.Pose, rel spatialmath.Pose) spatialmath.Pose {
	ea := spatialmath.QuatToEulerAngles(a.Orientation)
	tilt := (&spatialmath.EulerAngles{Roll: ea.Roll, Pitch: ea.Pitch}).Quaternion()
	b := spatialmath.Compose(a, rel)
	return spatialmath.NewPoseFromYaw(
		spatialmath.QuatRotate(tilt, rel.Position),
		spatialmath.WrapAngle(b.Yaw()-ea.Yaw),
	)
}

// ParamKeys implements Factor.
func (f *RelativePoseFactor) ParamKeys() []ParamKey {
	if f.Is4DoF {
		return []ParamKey{Pose4DoFKey(f.From), Pose4DoFKey(f.To)}
	}
	return []ParamKey{PoseKey(f.From), PoseKey(f.To)}
}

// ResidualSize implements Factor.
func (f *RelativePoseFactor) ResidualSize() int {
	if f.Is4DoF {
		return spatialmath.Pose4DoFVectorSize
	}
	return spatialmath.PoseTangentSize
}

// Evaluate implements Factor.
func (f *RelativePoseFactor) Evaluate(vals Values) ([]float64, error) {
	keys := f.ParamKeys()
	if f.Is4DoF {
		a, err := vals.get(keys[0])
		if err != nil {
			return nil, err
		}
		b, err := vals.get(keys[1])
		if err != nil {
			return nil, err
		}
		yawA := a[3]
		dw := r3.Vector{X: b[0] - a[0], Y: b[1] - a[1], Z: b[2] - a[2]}
		dp := spatialmath.QuatRotate(spatialmath.QuatFromYaw(-yawA), dw).Sub(f.Measured.Position)
		dyaw := spatialmath.WrapAngle(b[3] - yawA - f.Measured.Yaw())
		wp, wr := 1/sigmaOr1(f.PositionSigma), 1/sigmaOr1(f.RotationSigma)
		return []float64{wp * dp.X, wp * dp.Y, wp * dp.Z, wr * dyaw}, nil
	}
	a, err := vals.Pose(keys[0])
	if err != nil {
		return nil, err
	}
	b, err := vals.Pose(keys[1])
	if err != nil {
		return nil, err
	}
	d := spatialmath.PoseBetween(a, b).Minus(f.Measured)
	wp, wr := 1/sigmaOr1(f.PositionSigma), 1/sigmaOr1(f.RotationSigma)
	for i := 0; i < 3; i++ {
		d[i] *= wp
		d[i+3] *= wr
	}
	return d, nil
}

// Linearize implements Factor.
func (f *RelativePoseFactor) Linearize(vals Values, step float64) ([]float64, []*mat.Dense, error) {
	return numericLinearize(f, vals, step)
}

func (f *RelativePoseFactor) robustDelta() float64 {
	return f.HuberDelta
}

func sigmaOr1(s float64) float64 {
	if s <= 0 || math.IsNaN(s) {
		return 1
	}
	return s
}
