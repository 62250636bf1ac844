package pgo

import (
	"sort"

	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// TrajectorySample is one keyframe pose of a trajectory.
type TrajectorySample struct {
	Stamp   float64          `json:"stamp"`
	Pose    spatialmath.Pose `json:"pose"`
	FrameID state.FrameID    `json:"frame_id"`
}

// DroneTrajectory is the keyframe path of one drone ordered by frame id. It is not safe for
// concurrent use; State guards its trajectories with the state lock and hands out copies.
type DroneTrajectory struct {
	samples []TrajectorySample
	index   map[state.FrameID]int
}

// NewDroneTrajectory returns an empty trajectory.
func NewDroneTrajectory() *DroneTrajectory {
	return &DroneTrajectory{index: map[state.FrameID]int{}}
}

// Push records the pose of a frame. A frame already present has its sample replaced; a new frame
// is inserted at its frame id position.
func (t *DroneTrajectory) Push(stamp float64, pose spatialmath.Pose, id state.FrameID) {
	s := TrajectorySample{Stamp: stamp, Pose: pose, FrameID: id}
	if i, ok := t.index[id]; ok {
		t.samples[i] = s
		return
	}
	n := len(t.samples)
	if n == 0 || t.samples[n-1].FrameID < id {
		t.index[id] = n
		t.samples = append(t.samples, s)
		return
	}
	i := sort.Search(n, func(i int) bool { return t.samples[i].FrameID > id })
	t.samples = append(t.samples, TrajectorySample{})
	copy(t.samples[i+1:], t.samples[i:])
	t.samples[i] = s
	for j := i; j < len(t.samples); j++ {
		t.index[t.samples[j].FrameID] = j
	}
}

// Get returns the sample of a frame.
func (t *DroneTrajectory) Get(id state.FrameID) (TrajectorySample, bool) {
	i, ok := t.index[id]
	if !ok {
		return TrajectorySample{}, false
	}
	return t.samples[i], true
}

// Len is the number of samples.
func (t *DroneTrajectory) Len() int {
	return len(t.samples)
}

// Samples returns a copy of the samples in frame id order.
func (t *DroneTrajectory) Samples() []TrajectorySample {
	return append([]TrajectorySample(nil), t.samples...)
}

// Poses returns the poses in frame id order.
func (t *DroneTrajectory) Poses() []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(t.samples))
	for i, s := range t.samples {
		out[i] = s.Pose
	}
	return out
}

// Length is the travelled distance along the path.
func (t *DroneTrajectory) Length() float64 {
	total := 0.
	for i := 1; i < len(t.samples); i++ {
		total += t.samples[i].Pose.Position.Sub(t.samples[i-1].Pose.Position).Norm()
	}
	return total
}

// Clone returns a deep copy.
func (t *DroneTrajectory) Clone() *DroneTrajectory {
	c := &DroneTrajectory{
		samples: append([]TrajectorySample(nil), t.samples...),
		index:   make(map[state.FrameID]int, len(t.index)),
	}
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}
