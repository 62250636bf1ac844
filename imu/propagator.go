package imu

import (
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/num/quat"

	"go.swarmvio.dev/vio/spatialmath"
)

// Odometry is a timestamped pose and velocity in the world frame.
type Odometry struct {
	Stamp    float64          `json:"stamp"`
	Pose     spatialmath.Pose `json:"pose"`
	Velocity r3.Vector        `json:"velocity"`
	// Provisional is set while no keyframe has been solved, so the pose is IMU-only from an
	// arbitrary origin.
	Provisional bool `json:"provisional"`
}

type propagation struct {
	odom     Odometry
	ba, bg   r3.Vector
	last     Sample
	hasLast  bool
	numSteps int
}

// Propagator integrates IMU samples forward from the last solved keyframe state. Readers and the
// propagating goroutine never block each other or the solver: every update swaps in a new
// immutable propagation.
type Propagator struct {
	gravity r3.Vector
	cur     atomic.Pointer[propagation]
}

// NewPropagator returns a provisional propagator at the origin.
func NewPropagator(gravity r3.Vector) *Propagator {
	p := &Propagator{gravity: gravity}
	p.cur.Store(&propagation{odom: Odometry{Pose: spatialmath.NewZeroPose(), Provisional: true}})
	return p
}

// SampleSource returns the buffered samples newer than a stamp. Every sample handed to Propagate
// must be visible to it first.
type SampleSource func(after float64) []Sample

// maxResetAttempts bounds the replays of a Reset racing with Propagate.
const maxResetAttempts = 16

// Reset restarts propagation from a solved state and replays the samples of newer on top of it.
// A Propagate landing while the samples are replayed is not lost: the swap fails and the replay
// runs again with the newer samples.
func (p *Propagator) Reset(base Odometry, ba, bg r3.Vector, last Sample, newer SampleSource) {
	base.Provisional = false
	var next *propagation
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		old := p.cur.Load()
		next = p.replay(base, ba, bg, last, newer)
		if old.hasLast && old.last.Stamp > next.last.Stamp {
			// old integrated a sample the replay did not see yet.
			continue
		}
		if p.cur.CompareAndSwap(old, next) {
			return
		}
	}
	p.cur.Store(next)
}

func (p *Propagator) replay(base Odometry, ba, bg r3.Vector, last Sample, newer SampleSource) *propagation {
	next := &propagation{odom: base, ba: ba, bg: bg, last: last, hasLast: true}
	if newer == nil {
		return next
	}
	for _, s := range newer(base.Stamp) {
		if s.Stamp > next.last.Stamp && s.Stamp > next.odom.Stamp {
			next = p.step(next, s)
		}
	}
	return next
}

// Propagate integrates one new sample and returns the propagated odometry.
func (p *Propagator) Propagate(s Sample) Odometry {
	for {
		old := p.cur.Load()
		if old.hasLast && s.Stamp <= old.last.Stamp {
			return old.odom
		}
		next := p.step(old, s)
		if p.cur.CompareAndSwap(old, next) {
			return next.odom
		}
	}
}

// Odometry returns the latest propagated odometry.
func (p *Propagator) Odometry() Odometry {
	return p.cur.Load().odom
}

// step does a world-frame midpoint integration from the previous sample to s.
func (p *Propagator) step(prev *propagation, s Sample) *propagation {
	next := *prev
	next.last, next.hasLast = s, true
	next.numSteps++
	if !prev.hasLast {
		next.odom.Stamp = s.Stamp
		return &next
	}
	dt := s.Stamp - prev.last.Stamp
	if prev.odom.Stamp > prev.last.Stamp {
		dt = s.Stamp - prev.odom.Stamp
	}
	if dt <= 0 {
		return &next
	}
	q := prev.odom.Pose.Orientation
	a0 := spatialmath.QuatRotate(q, prev.last.Acc.Sub(prev.ba)).Add(p.gravity)
	w := prev.last.Gyro.Add(s.Gyro).Mul(0.5).Sub(prev.bg)
	q1 := spatialmath.QuatNormalize(quat.Mul(q, spatialmath.QuatExp(w.Mul(dt))))
	a1 := spatialmath.QuatRotate(q1, s.Acc.Sub(prev.ba)).Add(p.gravity)
	a := a0.Add(a1).Mul(0.5)

	v := prev.odom.Velocity
	next.odom.Pose = spatialmath.Pose{
		Position:    prev.odom.Pose.Position.Add(v.Mul(dt)).Add(a.Mul(0.5 * dt * dt)),
		Orientation: q1,
	}
	next.odom.Velocity = v.Add(a.Mul(dt))
	next.odom.Stamp = s.Stamp
	return &next
}
