// Package state is the frame and landmark store used by the sliding-window estimator and the
// pose graph, each holding its own instance. Frames and landmarks live in id-indexed arenas;
// observations refer to frames by id.
//
// Every exported method takes the state lock itself except those whose name ends in Locked,
// which require the caller to hold it through Lock and Unlock. A type wrapping a State guards
// its own fields with the same lock.
package state

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/spatialmath"
)

// State owns every keyframe and landmark known to one drone, its own and its peers'.
type State struct {
	mu     sync.Mutex
	logger logging.Logger

	selfID     int
	is4DoF     bool
	extrinsics []spatialmath.Pose

	frames           map[FrameID]*VINSFrame
	framesByDrone    map[int][]FrameID
	landmarks        map[LandmarkID]*LandmarkPerID
	landmarksByFrame map[FrameID]map[LandmarkID]struct{}

	// framePoseState holds the latest solver vector of each frame pose.
	framePoseState map[FrameID][]float64

	priorFrames    map[FrameID]struct{}
	priorLandmarks map[LandmarkID]struct{}
}

// New returns an empty store. extrinsics maps camera index to the camera pose in the body frame.
func New(selfID int, is4DoF bool, extrinsics []spatialmath.Pose, logger logging.Logger) *State {
	return &State{
		logger:           logger,
		selfID:           selfID,
		is4DoF:           is4DoF,
		extrinsics:       append([]spatialmath.Pose(nil), extrinsics...),
		frames:           map[FrameID]*VINSFrame{},
		framesByDrone:    map[int][]FrameID{},
		landmarks:        map[LandmarkID]*LandmarkPerID{},
		landmarksByFrame: map[FrameID]map[LandmarkID]struct{}{},
		framePoseState:   map[FrameID][]float64{},
		priorFrames:      map[FrameID]struct{}{},
		priorLandmarks:   map[LandmarkID]struct{}{},
	}
}

// Lock acquires the state lock.
func (s *State) Lock() {
	s.mu.Lock()
}

// Unlock releases the state lock.
func (s *State) Unlock() {
	s.mu.Unlock()
}

// SelfID is the id of the drone owning this store.
func (s *State) SelfID() int {
	return s.selfID
}

// Is4DoF returns whether frame pose states are yaw and translation only.
func (s *State) Is4DoF() bool {
	return s.is4DoF
}

// Extrinsic returns the body-frame pose of a camera. Unknown cameras sit at the body origin.
func (s *State) Extrinsic(camera int) spatialmath.Pose {
	if camera < 0 || camera >= len(s.extrinsics) {
		return spatialmath.NewZeroPose()
	}
	return s.extrinsics[camera]
}

// AddFrame stores a copy of the frame and returns it.
func (s *State) AddFrame(frame VINSFrame) (VINSFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.AddFrameLocked(frame)
	if err != nil {
		return VINSFrame{}, err
	}
	return *f, nil
}

// AddFrameLocked stores a copy of the frame and returns the stored frame. The returned pointer may
// only be used while holding the lock.
func (s *State) AddFrameLocked(frame VINSFrame) (*VINSFrame, error) {
	ids := s.framesByDrone[frame.DroneID]
	if len(ids) > 0 && frame.FrameID <= ids[len(ids)-1] {
		return nil, NewDuplicateFrameError(frame.DroneID, frame.FrameID, ids[len(ids)-1])
	}
	if _, ok := s.frames[frame.FrameID]; ok {
		return nil, NewDuplicateFrameError(frame.DroneID, frame.FrameID, frame.FrameID)
	}
	f := frame
	s.frames[f.FrameID] = &f
	s.framesByDrone[f.DroneID] = append(ids, f.FrameID)
	s.framePoseState[f.FrameID] = f.Pose.ToVector(s.is4DoF)
	return &f, nil
}

// GetFrame returns a copy of a frame.
func (s *State) GetFrame(id FrameID) (VINSFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.FrameLocked(id)
	if err != nil {
		return VINSFrame{}, err
	}
	return *f, nil
}

// FrameLocked returns the stored frame.
func (s *State) FrameLocked(id FrameID) (*VINSFrame, error) {
	f, ok := s.frames[id]
	if !ok {
		return nil, NewFrameNotFoundError(id)
	}
	return f, nil
}

// HasFrame returns whether the frame is stored.
func (s *State) HasFrame(id FrameID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.frames[id]
	return ok
}

// FrameIDs returns every frame id of a drone in increasing order.
func (s *State) FrameIDs(drone int) []FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FrameIDsLocked(drone)
}

// FrameIDsLocked returns a copy of every frame id of a drone in increasing order.
func (s *State) FrameIDsLocked(drone int) []FrameID {
	return append([]FrameID(nil), s.framesByDrone[drone]...)
}

// DroneIDs returns the drones with at least one frame, in increasing order.
func (s *State) DroneIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Filter(lo.Keys(s.framesByDrone), func(id int, _ int) bool { return len(s.framesByDrone[id]) > 0 })
	sort.Ints(ids)
	return ids
}

// ActiveFrameIDs returns the ids of a drone's frames still in the window, in increasing order.
func (s *State) ActiveFrameIDs(drone int) []FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFrameIDsLocked(drone)
}

func (s *State) activeFrameIDsLocked(drone int) []FrameID {
	return lo.Filter(s.framesByDrone[drone], func(id FrameID, _ int) bool {
		return s.frames[id].WindowState == WindowActive
	})
}

// RemoveFrame deletes a frame and its observations. Landmarks left without observations are
// deleted too. A frame referenced by the prior cannot be removed.
func (s *State) RemoveFrame(id FrameID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return NewFrameNotFoundError(id)
	}
	if _, inPrior := s.priorFrames[id]; inPrior {
		return errors.Wrapf(ErrReferencedByPrior, "frame %d", id)
	}
	for lid := range s.landmarksByFrame[id] {
		lm := s.landmarks[lid]
		lm.Observations = lo.Reject(lm.Observations, func(o Observation, _ int) bool { return o.FrameID == id })
		if len(lm.Observations) == 0 {
			delete(s.landmarks, lid)
			delete(s.priorLandmarks, lid)
		}
	}
	delete(s.landmarksByFrame, id)
	delete(s.framePoseState, id)
	delete(s.frames, id)
	s.framesByDrone[f.DroneID] = lo.Without(s.framesByDrone[f.DroneID], id)
	return nil
}

// AddLandmarkObservation records that frameID observed landmarkID. The landmark is created on its
// first observation. Observations of marginalized landmarks are ignored.
func (s *State) AddLandmarkObservation(landmarkID LandmarkID, frameID FrameID, obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[frameID]; !ok {
		return NewFrameNotFoundError(frameID)
	}
	obs.FrameID = frameID
	lm, ok := s.landmarks[landmarkID]
	if !ok {
		lm = &LandmarkPerID{LandmarkID: landmarkID, Flag: LandmarkInitializing}
		s.landmarks[landmarkID] = lm
	}
	if lm.Flag == LandmarkMarginalized {
		s.logger.Debugw("ignoring observation of marginalized landmark", "landmark_id", landmarkID, "frame_id", frameID)
		return nil
	}
	idx := sort.Search(len(lm.Observations), func(i int) bool { return lm.Observations[i].FrameID >= frameID })
	switch {
	case idx < len(lm.Observations) && lm.Observations[idx].FrameID == frameID:
		lm.Observations[idx] = obs
	default:
		lm.Observations = append(lm.Observations, Observation{})
		copy(lm.Observations[idx+1:], lm.Observations[idx:])
		lm.Observations[idx] = obs
	}
	byFrame, ok := s.landmarksByFrame[frameID]
	if !ok {
		byFrame = map[LandmarkID]struct{}{}
		s.landmarksByFrame[frameID] = byFrame
	}
	byFrame[landmarkID] = struct{}{}
	return nil
}

// GetLandmark returns a copy of a landmark.
func (s *State) GetLandmark(id LandmarkID) (LandmarkPerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.landmarks[id]
	if !ok {
		return LandmarkPerID{}, NewLandmarkNotFoundError(id)
	}
	return *lm.clone(), nil
}

// LandmarksObservedBy returns the ids of the landmarks seen by a frame, in increasing order.
func (s *State) LandmarksObservedBy(frameID FrameID) []LandmarkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.landmarksByFrame[frameID])
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumLandmarks returns the number of stored landmarks.
func (s *State) NumLandmarks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.landmarks)
}

// SetFramePoseState stores the solver vector of a frame pose. Its length must match the 4-DoF or
// 6-DoF mode of the store.
func (s *State) SetFramePoseState(id FrameID, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[id]; !ok {
		return NewFrameNotFoundError(id)
	}
	want := spatialmath.PoseVectorSize
	if s.is4DoF {
		want = spatialmath.Pose4DoFVectorSize
	}
	if len(vec) != want {
		return errors.Errorf("frame %d pose state needs %d values, got %d", id, want, len(vec))
	}
	s.framePoseState[id] = append([]float64(nil), vec...)
	return nil
}

// PoseState returns a copy of the solver vector of a frame pose.
func (s *State) PoseState(id FrameID) ([]float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.framePoseState[id]
	return append([]float64(nil), v...), ok
}

// PoseStatesLocked returns the frame pose states. The map must not be retained past the lock.
func (s *State) PoseStatesLocked() map[FrameID][]float64 {
	return s.framePoseState
}

// InitializedLandmarks returns the positions of all estimated landmarks.
func (s *State) InitializedLandmarks() []r3.Vector {
	return s.landmarkPositions(LandmarkEstimated)
}

// MarginalizedLandmarks returns the positions of all marginalized landmarks.
func (s *State) MarginalizedLandmarks() []r3.Vector {
	return s.landmarkPositions(LandmarkMarginalized)
}

func (s *State) landmarkPositions(flag LandmarkFlag) []r3.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.landmarks)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []r3.Vector
	for _, id := range ids {
		lm := s.landmarks[id]
		if lm.Flag == flag && lm.HasPosition {
			out = append(out, lm.Position)
		}
	}
	return out
}

// SetPriorReferences records the frames and landmarks the current prior depends on. It replaces
// the previous set since only one prior exists at a time.
func (s *State) SetPriorReferences(frames []FrameID, landmarks []LandmarkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorFrames = lo.SliceToMap(frames, func(id FrameID) (FrameID, struct{}) { return id, struct{}{} })
	s.priorLandmarks = lo.SliceToMap(landmarks, func(id LandmarkID) (LandmarkID, struct{}) { return id, struct{}{} })
}

// PriorFrames returns the frames referenced by the prior in increasing order.
func (s *State) PriorFrames() []FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.priorFrames)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarginalizeFrame moves a frame out of the window and flags the eliminated landmarks.
func (s *State) MarginalizeFrame(id FrameID, eliminated []LandmarkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return NewFrameNotFoundError(id)
	}
	f.WindowState = WindowMarginalized
	for _, lid := range eliminated {
		if lm, ok := s.landmarks[lid]; ok {
			lm.Flag = LandmarkMarginalized
		}
	}
	return nil
}
