package state

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.swarmvio.dev/vio/spatialmath"
)

// FrameID identifies a keyframe. Ids are unique and strictly increasing per drone.
type FrameID int64

// LandmarkID identifies a landmark.
type LandmarkID int64

// WindowState is whether a frame is still optimized.
type WindowState int

const (
	// WindowActive frames are free parameters of the sliding window solve.
	WindowActive WindowState = iota
	// WindowMarginalized frames have been folded into the prior.
	WindowMarginalized
)

func (ws WindowState) String() string {
	if ws == WindowMarginalized {
		return "MARGINALIZED"
	}
	return "ACTIVE"
}

// LandmarkFlag is the estimation status of a landmark.
type LandmarkFlag int

const (
	// LandmarkInitializing landmarks have no valid depth yet.
	LandmarkInitializing LandmarkFlag = iota
	// LandmarkEstimated landmarks were refined by a solve.
	LandmarkEstimated
	// LandmarkOutlier landmarks were rejected after a solve.
	LandmarkOutlier
	// LandmarkMarginalized landmarks were eliminated together with their last observing frame.
	LandmarkMarginalized
)

func (f LandmarkFlag) String() string {
	switch f {
	case LandmarkEstimated:
		return "ESTIMATED"
	case LandmarkOutlier:
		return "OUTLIER"
	case LandmarkMarginalized:
		return "MARGINALIZED"
	default:
		return "INITIALIZING"
	}
}

// IMUBias is the accelerometer and gyroscope bias.
type IMUBias struct {
	Acc  r3.Vector `json:"acc"`
	Gyro r3.Vector `json:"gyro"`
}

// VINSFrame is a keyframe of the sliding window.
type VINSFrame struct {
	FrameID  FrameID          `json:"frame_id"`
	DroneID  int              `json:"drone_id"`
	Stamp    float64          `json:"stamp"`
	Pose     spatialmath.Pose `json:"pose"`
	Velocity r3.Vector        `json:"velocity"`
	Bias     IMUBias          `json:"bias"`
	// InitialEgoPose is the pose reported with the frame before any optimization.
	InitialEgoPose spatialmath.Pose `json:"initial_ego_pose"`
	WindowState    WindowState      `json:"window_state"`
}

// Observation is one sighting of a landmark in a frame.
type Observation struct {
	FrameID  FrameID `json:"frame_id"`
	CameraID int     `json:"camera_id"`
	// Point is the keypoint on the normalized image plane (z = 1).
	Point r2.Point `json:"point"`
	// Depth along the camera z axis, or 0 when the camera gave none.
	Depth float64 `json:"depth"`
}

// HasDepth returns whether the observation carries a depth measurement.
func (o Observation) HasDepth() bool {
	return o.Depth > 0
}

// LandmarkPerID is a landmark with all of its observations, ordered by frame id.
type LandmarkPerID struct {
	LandmarkID   LandmarkID    `json:"landmark_id"`
	Position     r3.Vector     `json:"position"`
	HasPosition  bool          `json:"has_position"`
	Observations []Observation `json:"observations"`
	Flag         LandmarkFlag  `json:"flag"`
}

// HostFrameID is the first frame that observed the landmark.
func (lm *LandmarkPerID) HostFrameID() FrameID {
	if len(lm.Observations) == 0 {
		return -1
	}
	return lm.Observations[0].FrameID
}

// ObservationIn returns the observation made by the given frame.
func (lm *LandmarkPerID) ObservationIn(id FrameID) (Observation, bool) {
	for _, obs := range lm.Observations {
		if obs.FrameID == id {
			return obs, true
		}
	}
	return Observation{}, false
}

func (lm *LandmarkPerID) clone() *LandmarkPerID {
	c := *lm
	c.Observations = append([]Observation(nil), lm.Observations...)
	return &c
}
