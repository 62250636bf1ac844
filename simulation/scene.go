package simulation

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// Landmark is a ground-truth world point.
type Landmark struct {
	ID       state.LandmarkID `json:"id"`
	Position r3.Vector        `json:"position"`
}

// Scene is a set of landmarks and the camera model that observes them.
type Scene struct {
	Landmarks []Landmark
	// FocalLength converts PixelNoise to the normalized image plane.
	FocalLength float64
	// PixelNoise is the standard deviation of keypoint noise in pixels.
	PixelNoise float64
	// HalfFOV is the largest |x/z| and |y/z| of a visible point.
	HalfFOV float64
	// WithDepth attaches the true depth to every keypoint.
	WithDepth bool
	MinDepth  float64
	MaxDepth  float64
}

// ForwardCamera is the extrinsic of a camera looking along the body x axis with its image x axis
// along body -y and its image y axis along body -z.
func ForwardCamera() spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{}, quat.Number{Real: 0.5, Imag: -0.5, Jmag: 0.5, Kmag: -0.5})
}

// WallScene returns landmarks on a grid in the plane x = depth, spread over y in [y0, y1] and z in
// [z0, z1]. Every other column is pushed back by stagger so the points are not coplanar.
func WallScene(depth, stagger, y0, y1, z0, z1 float64, ny, nz int) *Scene {
	s := &Scene{FocalLength: 460, HalfFOV: 1, MinDepth: 0.1, MaxDepth: 50}
	id := state.LandmarkID(0)
	for i := 0; i < ny; i++ {
		for j := 0; j < nz; j++ {
			x := depth
			if i%2 == 1 {
				x += stagger
			}
			s.Landmarks = append(s.Landmarks, Landmark{
				ID:       id,
				Position: r3.Vector{X: x, Y: lerp(y0, y1, i, ny), Z: lerp(z0, z1, j, nz)},
			})
			id++
		}
	}
	return s
}

func lerp(a, b float64, i, n int) float64 {
	if n < 2 {
		return (a + b) / 2
	}
	return a + (b-a)*float64(i)/float64(n-1)
}

// Observe returns the keyframe a drone at pose would record with the given cameras.
func (s *Scene) Observe(
	drone int,
	id state.FrameID,
	stamp float64,
	pose spatialmath.Pose,
	extrinsics []spatialmath.Pose,
	seed uint64,
) estimator.VisualImageDescArray {
	noise := newSampler(seed)
	frame := estimator.VisualImageDescArray{FrameID: id, DroneID: drone, Stamp: stamp, IsKeyframe: true}
	for cam, ext := range extrinsics {
		camera := spatialmath.Compose(pose, ext)
		img := estimator.VisualImageDesc{CameraID: cam}
		for _, lm := range s.Landmarks {
			kp, ok := s.project(camera, lm)
			if !ok {
				continue
			}
			if s.PixelNoise > 0 && s.FocalLength > 0 {
				std := s.PixelNoise / s.FocalLength
				kp.Point = kp.Point.Add(r2.Point{X: noise.scalar(std), Y: noise.scalar(std)})
			}
			img.Keypoints = append(img.Keypoints, kp)
		}
		frame.Images = append(frame.Images, img)
	}
	return frame
}

func (s *Scene) project(camera spatialmath.Pose, lm Landmark) (estimator.Keypoint, bool) {
	pc := camera.InverseTransformPoint(lm.Position)
	if pc.Z < s.MinDepth || (s.MaxDepth > 0 && pc.Z > s.MaxDepth) {
		return estimator.Keypoint{}, false
	}
	pt := r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}
	if s.HalfFOV > 0 && (pt.X < -s.HalfFOV || pt.X > s.HalfFOV || pt.Y < -s.HalfFOV || pt.Y > s.HalfFOV) {
		return estimator.Keypoint{}, false
	}
	kp := estimator.Keypoint{LandmarkID: lm.ID, Point: pt}
	if s.WithDepth {
		kp.Depth = pc.Z
	}
	return kp, true
}
