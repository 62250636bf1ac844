package estimator

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// Keypoint is a tracked feature of one camera image.
type Keypoint struct {
	// LandmarkID is the id the tracker assigned. It is used when no candidate resolves.
	LandmarkID state.LandmarkID `json:"landmark_id"`
	// Point is on the normalized image plane.
	Point r2.Point `json:"point"`
	// Depth along the camera z axis, or 0 when the camera measured none.
	Depth float64 `json:"depth"`
	// Candidates are existing landmarks the keypoint may also belong to.
	Candidates []state.LandmarkID `json:"candidates,omitempty"`
}

// VisualImageDesc is what the feature pipeline extracted from one camera image.
type VisualImageDesc struct {
	CameraID int `json:"camera_id"`
	// GlobalDescriptor is handed through to loop detection and is never read by the estimator.
	GlobalDescriptor []float32  `json:"global_descriptor,omitempty"`
	Keypoints        []Keypoint `json:"keypoints"`
}

// VisualImageDescArray is one multi-camera frame of a drone.
type VisualImageDescArray struct {
	FrameID    state.FrameID     `json:"frame_id"`
	DroneID    int               `json:"drone_id"`
	Stamp      float64           `json:"stamp"`
	IsKeyframe bool              `json:"is_keyframe"`
	Images     []VisualImageDesc `json:"images"`
	// EgoPose is the pose reported by the drone's own odometry when HasEgoPose is set.
	EgoPose    spatialmath.Pose `json:"ego_pose"`
	HasEgoPose bool             `json:"has_ego_pose"`
}

// NumKeypoints is the number of keypoints over all images.
func (f *VisualImageDescArray) NumKeypoints() int {
	n := 0
	for _, img := range f.Images {
		n += len(img.Keypoints)
	}
	return n
}

// PostSolveReport is the data an external visualizer draws after each solve.
type PostSolveReport struct {
	Stamp       float64        `json:"stamp"`
	Odometry    imu.Odometry   `json:"odometry"`
	Propagation imu.Odometry   `json:"propagation"`
	Summary     solver.Summary `json:"summary"`
	// ActiveFrames is the number of keyframes in the window.
	ActiveFrames          int                `json:"active_frames"`
	InitializedLandmarks  []r3.Vector        `json:"initialized_landmarks"`
	MarginalizedLandmarks []r3.Vector        `json:"marginalized_landmarks"`
	Path                  []spatialmath.Pose `json:"path"`
	HasPrior              bool               `json:"has_prior"`
	PriorRank             int                `json:"prior_rank"`
	Regularized           bool               `json:"regularized"`
}
