package solver

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// minProjectionDepth keeps the projection finite for points at or behind the camera.
const minProjectionDepth = 1e-3

// IMUFactor ties the pose and speed-bias blocks of two consecutive keyframes through a
// preintegrated IMU measurement.
type IMUFactor struct {
	From, To state.FrameID
	Pre      *imu.Preintegration
}

// NewIMUFactor returns an IMU factor between two frames.
func NewIMUFactor(from, to state.FrameID, pre *imu.Preintegration) *IMUFactor {
	return &IMUFactor{From: from, To: to, Pre: pre}
}

// ParamKeys implements Factor.
func (f *IMUFactor) ParamKeys() []ParamKey {
	return []ParamKey{PoseKey(f.From), SpeedBiasKey(f.From), PoseKey(f.To), SpeedBiasKey(f.To)}
}

// ResidualSize implements Factor.
func (f *IMUFactor) ResidualSize() int {
	return imu.ResidualSize
}

// Evaluate implements Factor.
func (f *IMUFactor) Evaluate(vals Values) ([]float64, error) {
	keys := f.ParamKeys()
	i, err := vals.NavState(keys[0], keys[1])
	if err != nil {
		return nil, err
	}
	j, err := vals.NavState(keys[2], keys[3])
	if err != nil {
		return nil, err
	}
	return f.Pre.Evaluate(i, j), nil
}

// Linearize implements Factor.
func (f *IMUFactor) Linearize(vals Values, step float64) ([]float64, []*mat.Dense, error) {
	return numericLinearize(f, vals, step)
}

func (f *IMUFactor) robustDelta() float64 {
	return 0
}

// ReprojectionFactor is the normalized image plane error of a landmark seen by one camera of a
// keyframe. The residual is scaled to pixels and whitened by the pixel noise.
type ReprojectionFactor struct {
	Frame    state.FrameID
	Landmark state.LandmarkID
	CameraID int
	// Extrinsic is the camera pose in the body frame.
	Extrinsic spatialmath.Pose
	// Measurement is the keypoint on the normalized image plane.
	Measurement r2.Point

	Focal       float64
	PixelSigma  float64
	HuberPixels float64
}

// ParamKeys implements Factor.
func (f *ReprojectionFactor) ParamKeys() []ParamKey {
	return []ParamKey{PoseKey(f.Frame), LandmarkKey(f.Landmark)}
}

// ResidualSize implements Factor.
func (f *ReprojectionFactor) ResidualSize() int {
	return 2
}

// Project returns the landmark on the normalized image plane of the camera and its depth.
func (f *ReprojectionFactor) Project(vals Values) (r2.Point, float64, error) {
	keys := f.ParamKeys()
	pose, err := vals.Pose(keys[0])
	if err != nil {
		return r2.Point{}, 0, err
	}
	pt, err := vals.Point(keys[1])
	if err != nil {
		return r2.Point{}, 0, err
	}
	proj, depth := ProjectPoint(pose, f.Extrinsic, pt)
	return proj, depth, nil
}

// ProjectPoint maps a world point into the normalized image plane of a camera mounted at
// extrinsic on a body at pose, and returns its camera depth. Points at or behind the camera are
// projected with a small positive depth.
func ProjectPoint(pose, extrinsic spatialmath.Pose, pt r3.Vector) (r2.Point, float64) {
	pc := spatialmath.Compose(pose, extrinsic).InverseTransformPoint(pt)
	z := pc.Z
	if z < minProjectionDepth {
		z = minProjectionDepth
	}
	return r2.Point{X: pc.X / z, Y: pc.Y / z}, pc.Z
}

// PixelError is the reprojection error in pixels.
func (f *ReprojectionFactor) PixelError(vals Values) (float64, error) {
	proj, _, err := f.Project(vals)
	if err != nil {
		return 0, err
	}
	return proj.Sub(f.Measurement).Norm() * f.Focal, nil
}

// Evaluate implements Factor.
func (f *ReprojectionFactor) Evaluate(vals Values) ([]float64, error) {
	proj, _, err := f.Project(vals)
	if err != nil {
		return nil, err
	}
	w := f.Focal / f.sigma()
	d := proj.Sub(f.Measurement)
	return []float64{w * d.X, w * d.Y}, nil
}

// Linearize implements Factor.
func (f *ReprojectionFactor) Linearize(vals Values, step float64) ([]float64, []*mat.Dense, error) {
	return numericLinearize(f, vals, step)
}

func (f *ReprojectionFactor) sigma() float64 {
	if f.PixelSigma <= 0 {
		return 1
	}
	return f.PixelSigma
}

func (f *ReprojectionFactor) robustDelta() float64 {
	if f.HuberPixels <= 0 {
		return 0
	}
	return f.HuberPixels / f.sigma()
}
