// Package pgo keeps the per-drone pose graph: the keyframe sequence and ego trajectory of every
// drone known to this one, the loop edges between them, and a local optimizer that refines the
// frame poses from odometry and loop constraints.
package pgo

import (
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// syncTolerance is the largest difference between a frame pose and its stored state for the two
// to be considered in sync.
const syncTolerance = 1e-12

// LoopEdge is a relative pose between two keyframes, possibly of different drones.
type LoopEdge struct {
	ID     uuid.UUID     `json:"id"`
	DroneA int           `json:"drone_a"`
	FrameA state.FrameID `json:"frame_a"`
	StampA float64       `json:"stamp_a"`
	DroneB int           `json:"drone_b"`
	FrameB state.FrameID `json:"frame_b"`
	StampB float64       `json:"stamp_b"`
	// RelativePose is the pose of frame B in the body frame of frame A.
	RelativePose spatialmath.Pose `json:"relative_pose"`
	// InlierRatio is the share of matched features that agreed with the relative pose.
	InlierRatio float64 `json:"inlier_ratio"`
}

// NewLoopEdge returns an edge with a fresh id.
func NewLoopEdge(a, b state.VINSFrame, relative spatialmath.Pose, inlierRatio float64) LoopEdge {
	return LoopEdge{
		ID:           uuid.New(),
		DroneA:       a.DroneID,
		FrameA:       a.FrameID,
		StampA:       a.Stamp,
		DroneB:       b.DroneID,
		FrameB:       b.FrameID,
		StampB:       b.Stamp,
		RelativePose: relative,
		InlierRatio:  inlierRatio,
	}
}

// State is the pose graph of one drone. It owns a frame store and guards its own fields with the
// store's lock. The store is not exposed, so every frame enters through AddFrame or IngestRemote
// and no frame is ever removed.
type State struct {
	frames *state.State
	logger logging.Logger

	trajectories map[int]*DroneTrajectory
	edges        []LoopEdge
	edgeIDs      map[uuid.UUID]struct{}

	droppedRemote atomic.Int64
}

// NewState returns an empty pose graph for drone selfID.
func NewState(selfID int, is4DoF bool, logger logging.Logger) *State {
	logger = logging.RegisterSublogger(logger, "pgo")
	if is4DoF {
		logger.Infow("pose graph is 4-DoF", "drone_id", selfID)
	} else {
		logger.Infow("pose graph is 6-DoF", "drone_id", selfID)
	}
	return &State{
		frames:       state.New(selfID, is4DoF, nil, logger.Sublogger("state")),
		logger:       logger,
		trajectories: map[int]*DroneTrajectory{selfID: NewDroneTrajectory()},
		edgeIDs:      map[uuid.UUID]struct{}{},
	}
}

// AddFrame appends a frame to its drone's sequence and ego trajectory. A frame id that is not
// greater than the drone's last id is rejected with state.ErrDuplicateFrame.
func (s *State) AddFrame(frame state.VINSFrame) error {
	s.frames.Lock()
	defer s.frames.Unlock()
	return s.addFrameLocked(frame)
}

func (s *State) addFrameLocked(frame state.VINSFrame) error {
	f, err := s.frames.AddFrameLocked(frame)
	if err != nil {
		return err
	}
	traj, ok := s.trajectories[f.DroneID]
	if !ok {
		traj = NewDroneTrajectory()
		s.trajectories[f.DroneID] = traj
	}
	traj.Push(f.Stamp, f.InitialEgoPose, f.FrameID)
	s.logger.Debugw("added frame", "frame_id", f.FrameID, "drone_id", f.DroneID)
	return nil
}

// IngestRemote merges frames received from peers. Frames of this drone and frames whose id is
// not greater than the last recorded id of their drone are dropped. It returns the number of
// frames accepted.
func (s *State) IngestRemote(frames []state.VINSFrame) int {
	s.frames.Lock()
	defer s.frames.Unlock()
	accepted := 0
	for _, f := range frames {
		if f.DroneID == s.frames.SelfID() {
			s.droppedRemote.Inc()
			s.logger.Debugw("dropping remote copy of own frame", "frame_id", f.FrameID)
			continue
		}
		if err := s.addFrameLocked(f); err != nil {
			s.droppedRemote.Inc()
			s.logger.Debugw("dropping remote frame", "drone_id", f.DroneID, "frame_id", f.FrameID, "error", err)
			continue
		}
		accepted++
	}
	return accepted
}

// DroppedRemote is the number of remote frames rejected so far.
func (s *State) DroppedRemote() int64 {
	return s.droppedRemote.Load()
}

// GetFrames returns copies of a drone's frames in frame id order.
func (s *State) GetFrames(drone int) []state.VINSFrame {
	s.frames.Lock()
	defer s.frames.Unlock()
	ids := s.frames.FrameIDsLocked(drone)
	out := make([]state.VINSFrame, 0, len(ids))
	for _, id := range ids {
		if f, err := s.frames.FrameLocked(id); err == nil {
			out = append(out, *f)
		}
	}
	return out
}

// GetTraj returns a copy of a drone's ego trajectory, empty for an unknown drone.
func (s *State) GetTraj(drone int) *DroneTrajectory {
	s.frames.Lock()
	defer s.frames.Unlock()
	traj, ok := s.trajectories[drone]
	if !ok {
		return NewDroneTrajectory()
	}
	return traj.Clone()
}

// SelfID is the drone owning this pose graph.
func (s *State) SelfID() int {
	return s.frames.SelfID()
}

// Is4DoF reports whether poses are optimized over position and yaw only.
func (s *State) Is4DoF() bool {
	return s.frames.Is4DoF()
}

// DroneIDs returns the drones with at least one frame, sorted.
func (s *State) DroneIDs() []int {
	return s.frames.DroneIDs()
}

// GetFrame returns a copy of a frame.
func (s *State) GetFrame(id state.FrameID) (state.VINSFrame, error) {
	return s.frames.GetFrame(id)
}

// SetFramePoseState overwrites the pose state of a known frame. The frame pose follows on the
// next SyncFromState.
func (s *State) SetFramePoseState(id state.FrameID, vec []float64) error {
	return s.frames.SetFramePoseState(id, vec)
}

// HeadID returns the first frame id added for a drone, or -1 if it has none.
func (s *State) HeadID(drone int) state.FrameID {
	ids := s.frames.FrameIDs(drone)
	if len(ids) == 0 {
		return -1
	}
	return ids[0]
}

// Size returns the number of frames of a drone.
func (s *State) Size(drone int) int {
	return len(s.frames.FrameIDs(drone))
}

// SyncFromState writes the stored pose state of every frame back into its pose. In 4-DoF mode
// only position and yaw are written and roll and pitch are kept. Frames already in sync are left
// untouched, so a second call without an update changes nothing.
func (s *State) SyncFromState() {
	s.frames.Lock()
	defer s.frames.Unlock()
	s.syncLocked()
}

func (s *State) syncLocked() {
	for id, vec := range s.frames.PoseStatesLocked() {
		f, err := s.frames.FrameLocked(id)
		if err != nil {
			s.logger.Debugw("pose state of unknown frame", "frame_id", id)
			continue
		}
		if vectorsClose(f.Pose.ToVector(s.frames.Is4DoF()), vec) {
			continue
		}
		pose := f.Pose
		if err := pose.FromVector(vec, s.frames.Is4DoF()); err != nil {
			s.logger.Warnw("invalid pose state", "frame_id", id, "error", err)
			continue
		}
		f.Pose = pose
	}
}

func vectorsClose(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		d := a[i] - b[i]
		if len(a) == spatialmath.Pose4DoFVectorSize && i == 3 {
			d = spatialmath.WrapAngle(d)
		}
		if math.Abs(d) > syncTolerance {
			return false
		}
	}
	return true
}

// AddLoopEdge records a loop edge between two known frames. Edges below minInlierRatio are
// rejected, an edge id seen before is ignored.
func (s *State) AddLoopEdge(edge LoopEdge, minInlierRatio float64) error {
	s.frames.Lock()
	defer s.frames.Unlock()
	if _, ok := s.edgeIDs[edge.ID]; ok {
		return nil
	}
	if edge.InlierRatio < minInlierRatio {
		return errors.Errorf("loop edge %s inlier ratio %.2f below %.2f", edge.ID, edge.InlierRatio, minInlierRatio)
	}
	for _, id := range []state.FrameID{edge.FrameA, edge.FrameB} {
		if _, err := s.frames.FrameLocked(id); err != nil {
			return err
		}
	}
	s.edgeIDs[edge.ID] = struct{}{}
	s.edges = append(s.edges, edge)
	s.logger.Debugw("added loop edge", "id", edge.ID.String(), "frame_a", edge.FrameA, "frame_b", edge.FrameB)
	return nil
}

// LoopEdges returns a copy of the recorded loop edges.
func (s *State) LoopEdges() []LoopEdge {
	s.frames.Lock()
	defer s.frames.Unlock()
	return append([]LoopEdge(nil), s.edges...)
}
