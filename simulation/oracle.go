package simulation

import (
	"context"
	"math"
	"sync"

	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// TruthFunc returns the true pose of a frame.
type TruthFunc func(id state.FrameID) (spatialmath.Pose, bool)

type oracleEntry struct {
	frame state.VINSFrame
	truth spatialmath.Pose
}

// OracleDetector finds loops from ground truth: a frame closes a loop with the nearest earlier
// database frame within Radius and MaxYaw, skipping the last MinGap frames of its own drone.
// The relative pose of an edge is the true one.
type OracleDetector struct {
	Radius float64
	MaxYaw float64
	MinGap state.FrameID

	truth TruthFunc
	mu    sync.Mutex
	db    []oracleEntry
}

// NewOracleDetector returns a detector backed by truth.
func NewOracleDetector(truth TruthFunc, radius, maxYaw float64, minGap state.FrameID) *OracleDetector {
	return &OracleDetector{Radius: radius, MaxYaw: maxYaw, MinGap: minGap, truth: truth}
}

// ProcessImageArray returns at most one edge for the frame and adds it to the database unless
// matchOnly is set.
func (d *OracleDetector) ProcessImageArray(
	ctx context.Context,
	frame estimator.VisualImageDescArray,
	matchOnly bool,
) ([]pgo.LoopEdge, error) {
	pose, ok := d.truth(frame.FrameID)
	if !ok {
		return nil, nil
	}
	cur := state.VINSFrame{FrameID: frame.FrameID, DroneID: frame.DroneID, Stamp: frame.Stamp}

	d.mu.Lock()
	defer d.mu.Unlock()
	best, bestDist := -1, math.Inf(1)
	for i, e := range d.db {
		if e.frame.FrameID == cur.FrameID {
			continue
		}
		if e.frame.DroneID == cur.DroneID && absID(e.frame.FrameID-cur.FrameID) < d.MinGap {
			continue
		}
		dist := e.truth.Position.Sub(pose.Position).Norm()
		if dist > d.Radius || math.Abs(spatialmath.WrapAngle(e.truth.Yaw()-pose.Yaw())) > d.MaxYaw {
			continue
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	var edges []pgo.LoopEdge
	if best >= 0 {
		a := d.db[best]
		edges = append(edges, pgo.NewLoopEdge(a.frame, cur, spatialmath.PoseBetween(a.truth, pose), 1))
	}
	if !matchOnly {
		d.db = append(d.db, oracleEntry{frame: cur, truth: pose})
	}
	return edges, nil
}

// Size is the number of database frames.
func (d *OracleDetector) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.db)
}

func absID(id state.FrameID) state.FrameID {
	if id < 0 {
		return -id
	}
	return id
}
