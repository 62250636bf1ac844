package state

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/spatialmath"
)

func newTestState(t *testing.T) *State {
	return New(0, false, []spatialmath.Pose{spatialmath.NewZeroPose()}, logging.NewTestLogger(t))
}

func frameAt(drone int, id FrameID, x float64) VINSFrame {
	return VINSFrame{
		FrameID: id,
		DroneID: drone,
		Stamp:   float64(id),
		Pose:    spatialmath.NewPose(r3.Vector{X: x}, spatialmath.IdentityQuat),
	}
}

func TestAddFrameOrdering(t *testing.T) {
	s := newTestState(t)
	for _, id := range []FrameID{1, 2, 5} {
		_, err := s.AddFrame(frameAt(0, id, float64(id)))
		test.That(t, err, test.ShouldBeNil)
	}

	for _, id := range []FrameID{5, 3, 0} {
		_, err := s.AddFrame(frameAt(0, id, 0))
		test.That(t, errors.Is(err, ErrDuplicateFrame), test.ShouldBeTrue)
	}
	test.That(t, s.FrameIDs(0), test.ShouldResemble, []FrameID{1, 2, 5})

	// Another drone has its own sequence, but ids are unique across the store.
	_, err := s.AddFrame(frameAt(1, 3, 0))
	test.That(t, err, test.ShouldBeNil)
	_, err = s.AddFrame(frameAt(1, 5, 0))
	test.That(t, errors.Is(err, ErrDuplicateFrame), test.ShouldBeTrue)
	test.That(t, s.FrameIDs(1), test.ShouldResemble, []FrameID{3})

	f, err := s.GetFrame(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Pose.Position.X, test.ShouldEqual, 2.)
	test.That(t, f.WindowState, test.ShouldEqual, WindowActive)

	_, err = s.GetFrame(42)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	test.That(t, s.HasFrame(42), test.ShouldBeFalse)
}

func TestLandmarkObservations(t *testing.T) {
	s := newTestState(t)
	for _, id := range []FrameID{1, 2, 3} {
		_, err := s.AddFrame(frameAt(0, id, 0))
		test.That(t, err, test.ShouldBeNil)
	}
	err := s.AddLandmarkObservation(7, 9, Observation{})
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

	// Out of order insertions end up sorted by frame id.
	for _, id := range []FrameID{3, 1, 2} {
		test.That(t, s.AddLandmarkObservation(7, id, Observation{Point: r2.Point{X: float64(id)}}), test.ShouldBeNil)
	}
	// Re-observing from the same frame replaces the observation.
	test.That(t, s.AddLandmarkObservation(7, 2, Observation{Point: r2.Point{X: 20}, Depth: 3}), test.ShouldBeNil)

	lm, err := s.GetLandmark(7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(lm.Observations), test.ShouldEqual, 3)
	test.That(t, lm.HostFrameID(), test.ShouldEqual, FrameID(1))
	test.That(t, lm.Flag, test.ShouldEqual, LandmarkInitializing)
	obs, ok := lm.ObservationIn(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, obs.Point.X, test.ShouldEqual, 20.)
	test.That(t, obs.HasDepth(), test.ShouldBeTrue)

	test.That(t, s.LandmarksObservedBy(2), test.ShouldResemble, []LandmarkID{7})
	_, err = s.GetLandmark(8)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestRemoveFrame(t *testing.T) {
	s := newTestState(t)
	for _, id := range []FrameID{1, 2} {
		_, err := s.AddFrame(frameAt(0, id, 0))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, s.AddLandmarkObservation(1, 1, Observation{}), test.ShouldBeNil)
	test.That(t, s.AddLandmarkObservation(1, 2, Observation{}), test.ShouldBeNil)
	test.That(t, s.AddLandmarkObservation(2, 1, Observation{}), test.ShouldBeNil)

	s.SetPriorReferences([]FrameID{1}, nil)
	err := s.RemoveFrame(1)
	test.That(t, errors.Is(err, ErrReferencedByPrior), test.ShouldBeTrue)
	test.That(t, s.PriorFrames(), test.ShouldResemble, []FrameID{1})

	s.SetPriorReferences([]FrameID{2}, nil)
	test.That(t, s.RemoveFrame(1), test.ShouldBeNil)
	test.That(t, s.FrameIDs(0), test.ShouldResemble, []FrameID{2})

	// Landmark 1 survives through its other observation, landmark 2 is gone.
	lm, err := s.GetLandmark(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(lm.Observations), test.ShouldEqual, 1)
	_, err = s.GetLandmark(2)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	test.That(t, s.NumLandmarks(), test.ShouldEqual, 1)

	test.That(t, errors.Is(s.RemoveFrame(1), ErrNotFound), test.ShouldBeTrue)
}

func TestPoseState(t *testing.T) {
	s := newTestState(t)
	_, err := s.AddFrame(frameAt(0, 1, 4))
	test.That(t, err, test.ShouldBeNil)

	v, ok := s.PoseState(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldResemble, []float64{4, 0, 0, 0, 0, 0, 1})

	test.That(t, s.SetFramePoseState(1, []float64{1, 2, 3}), test.ShouldNotBeNil)
	test.That(t, errors.Is(s.SetFramePoseState(5, v), ErrNotFound), test.ShouldBeTrue)
	v[0] = 9
	test.That(t, s.SetFramePoseState(1, v), test.ShouldBeNil)
	got, _ := s.PoseState(1)
	test.That(t, got[0], test.ShouldEqual, 9.)

	s4 := New(0, true, nil, logging.NewTestLogger(t))
	_, err = s4.AddFrame(frameAt(0, 1, 4))
	test.That(t, err, test.ShouldBeNil)
	v4, _ := s4.PoseState(1)
	test.That(t, len(v4), test.ShouldEqual, spatialmath.Pose4DoFVectorSize)
	test.That(t, s4.Extrinsic(3), test.ShouldResemble, spatialmath.NewZeroPose())
}

func TestSnapshotAndCommit(t *testing.T) {
	s := newTestState(t)
	for _, id := range []FrameID{1, 2, 3} {
		_, err := s.AddFrame(frameAt(0, id, float64(id)))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, s.AddLandmarkObservation(10, 1, Observation{}), test.ShouldBeNil)
	test.That(t, s.AddLandmarkObservation(10, 2, Observation{}), test.ShouldBeNil)
	test.That(t, s.AddLandmarkObservation(11, 1, Observation{}), test.ShouldBeNil)
	test.That(t, s.AddLandmarkObservation(12, 3, Observation{}), test.ShouldBeNil)

	test.That(t, s.MarginalizeFrame(1, []LandmarkID{11}), test.ShouldBeNil)
	s.SetPriorReferences([]FrameID{2}, []LandmarkID{10})
	test.That(t, s.ActiveFrameIDs(0), test.ShouldResemble, []FrameID{2, 3})

	snap := s.Snapshot(0)
	test.That(t, len(snap.Frames), test.ShouldEqual, 2)
	test.That(t, snap.Frames[0].FrameID, test.ShouldEqual, FrameID(2))
	_, ok := snap.Frame(1)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(snap.Landmarks), test.ShouldEqual, 2)
	_, ok = snap.Landmarks[11]
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(snap.ActiveObservations(snap.Landmarks[10])), test.ShouldEqual, 1)
	_, ok = snap.PriorLandmarks[10]
	test.That(t, ok, test.ShouldBeTrue)

	// Mutating the snapshot does not touch the store.
	snap.Frames[0].Pose.Position.X = 100
	f, _ := s.GetFrame(2)
	test.That(t, f.Pose.Position.X, test.ShouldEqual, 2.)

	// Marginalized landmarks ignore further observations.
	test.That(t, s.AddLandmarkObservation(11, 3, Observation{}), test.ShouldBeNil)
	lm, _ := s.GetLandmark(11)
	test.That(t, len(lm.Observations), test.ShouldEqual, 1)

	n := s.Commit(&Update{
		Frames: []VINSFrame{snap.Frames[0], frameAt(0, 1, 50)},
		Landmarks: []LandmarkUpdate{
			{ID: 10, Position: r3.Vector{Z: 5}, HasPosition: true, Flag: LandmarkEstimated},
			{ID: 11, Position: r3.Vector{Z: 5}, HasPosition: true, Flag: LandmarkEstimated},
		},
	})
	// Frame 1 is marginalized and keeps its pose.
	test.That(t, n, test.ShouldEqual, 1)
	f, _ = s.GetFrame(2)
	test.That(t, f.Pose.Position.X, test.ShouldEqual, 100.)
	v, _ := s.PoseState(2)
	test.That(t, v[0], test.ShouldEqual, 100.)
	f, _ = s.GetFrame(1)
	test.That(t, f.Pose.Position.X, test.ShouldEqual, 1.)
	test.That(t, f.WindowState, test.ShouldEqual, WindowMarginalized)

	test.That(t, s.InitializedLandmarks(), test.ShouldResemble, []r3.Vector{{Z: 5}})
	test.That(t, len(s.MarginalizedLandmarks()), test.ShouldEqual, 0)
}
