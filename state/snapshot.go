package state

import (
	"github.com/golang/geo/r3"

	"go.swarmvio.dev/vio/spatialmath"
)

// Snapshot is a deep copy of one drone's sliding window, taken under the lock so a solve can run
// without holding it.
type Snapshot struct {
	DroneID int
	// Frames are the active frames in increasing id order.
	Frames []VINSFrame
	// Landmarks are the non-marginalized landmarks observed by an active frame, plus every
	// landmark referenced by the prior.
	Landmarks      map[LandmarkID]*LandmarkPerID
	PriorFrames    map[FrameID]struct{}
	PriorLandmarks map[LandmarkID]struct{}
	Extrinsics     []spatialmath.Pose

	frameIndex map[FrameID]int
}

// Frame returns the snapshot copy of an active frame.
func (snap *Snapshot) Frame(id FrameID) (*VINSFrame, bool) {
	idx, ok := snap.frameIndex[id]
	if !ok {
		return nil, false
	}
	return &snap.Frames[idx], true
}

// Extrinsic returns the body-frame pose of a camera.
func (snap *Snapshot) Extrinsic(camera int) spatialmath.Pose {
	if camera < 0 || camera >= len(snap.Extrinsics) {
		return spatialmath.NewZeroPose()
	}
	return snap.Extrinsics[camera]
}

// ActiveObservations returns a landmark's observations made by frames in the snapshot.
func (snap *Snapshot) ActiveObservations(lm *LandmarkPerID) []Observation {
	var out []Observation
	for _, obs := range lm.Observations {
		if _, ok := snap.frameIndex[obs.FrameID]; ok {
			out = append(out, obs)
		}
	}
	return out
}

// Snapshot copies a drone's active window.
func (s *State) Snapshot(drone int) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		DroneID:        drone,
		Landmarks:      map[LandmarkID]*LandmarkPerID{},
		PriorFrames:    map[FrameID]struct{}{},
		PriorLandmarks: map[LandmarkID]struct{}{},
		Extrinsics:     append([]spatialmath.Pose(nil), s.extrinsics...),
		frameIndex:     map[FrameID]int{},
	}
	for _, id := range s.activeFrameIDsLocked(drone) {
		snap.frameIndex[id] = len(snap.Frames)
		snap.Frames = append(snap.Frames, *s.frames[id])
		for lid := range s.landmarksByFrame[id] {
			lm := s.landmarks[lid]
			if lm.Flag == LandmarkMarginalized {
				continue
			}
			if _, ok := snap.Landmarks[lid]; !ok {
				snap.Landmarks[lid] = lm.clone()
			}
		}
	}
	for id := range s.priorFrames {
		snap.PriorFrames[id] = struct{}{}
	}
	for lid := range s.priorLandmarks {
		snap.PriorLandmarks[lid] = struct{}{}
		if lm, ok := s.landmarks[lid]; ok {
			if _, seen := snap.Landmarks[lid]; !seen {
				snap.Landmarks[lid] = lm.clone()
			}
		}
	}
	return snap
}

// LandmarkUpdate is the solved state of one landmark.
type LandmarkUpdate struct {
	ID          LandmarkID
	Position    r3.Vector
	HasPosition bool
	Flag        LandmarkFlag
}

// Update is the result of one solve, applied atomically by Commit.
type Update struct {
	Frames    []VINSFrame
	Landmarks []LandmarkUpdate
}

// Commit applies a solve result. Frames or landmarks that disappeared or were marginalized since
// the snapshot are skipped. It returns the number of frames updated.
func (s *State) Commit(u *Update) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, fu := range u.Frames {
		f, ok := s.frames[fu.FrameID]
		if !ok || f.WindowState == WindowMarginalized {
			continue
		}
		f.Pose = fu.Pose
		f.Velocity = fu.Velocity
		f.Bias = fu.Bias
		s.framePoseState[f.FrameID] = f.Pose.ToVector(s.is4DoF)
		updated++
	}
	for _, lu := range u.Landmarks {
		lm, ok := s.landmarks[lu.ID]
		if !ok || lm.Flag == LandmarkMarginalized {
			continue
		}
		lm.Position = lu.Position
		lm.HasPosition = lu.HasPosition
		lm.Flag = lu.Flag
	}
	return updated
}
