// Package simulation generates synthetic swarm scenarios: ground-truth trajectories, the IMU
// readings and feature observations a drone would record along them, an oracle loop detector,
// an in-memory peer bus, and a runner that drives the estimator, pose graph and frontend of every
// drone concurrently.
package simulation

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat/distuv"

	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/spatialmath"
)

// Motion is a flat trajectory with constant world acceleration and yaw rate. Roll and pitch stay
// zero so the body z axis is the world z axis.
type Motion struct {
	Start           r3.Vector `json:"start"`
	Yaw0            float64   `json:"yaw0"`
	InitialVelocity r3.Vector `json:"initial_velocity"`
	Acceleration    r3.Vector `json:"acceleration"`
	YawRate         float64   `json:"yaw_rate"`
}

// PoseAt is the true body pose at time t.
func (m Motion) PoseAt(t float64) spatialmath.Pose {
	pos := m.Start.Add(m.InitialVelocity.Mul(t)).Add(m.Acceleration.Mul(0.5 * t * t))
	return spatialmath.NewPoseFromYaw(pos, m.Yaw0+m.YawRate*t)
}

// VelocityAt is the true world velocity at time t.
func (m Motion) VelocityAt(t float64) r3.Vector {
	return m.InitialVelocity.Add(m.Acceleration.Mul(t))
}

// IMUNoise is the standard deviation of white noise added to each reading.
type IMUNoise struct {
	AccStd  float64 `json:"acc_std"`
	GyroStd float64 `json:"gyro_std"`
}

// sampler draws zero-mean normal noise. It is not safe for concurrent use.
type sampler struct {
	dist distuv.Normal
}

func newSampler(seed uint64) *sampler {
	return &sampler{dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}}
}

func (s *sampler) scalar(std float64) float64 {
	if std <= 0 {
		return 0
	}
	return std * s.dist.Rand()
}

func (s *sampler) vector(std float64) r3.Vector {
	if std <= 0 {
		return r3.Vector{}
	}
	return r3.Vector{X: s.scalar(std), Y: s.scalar(std), Z: s.scalar(std)}
}

// IMUSamples returns the readings at rate Hz with stamps k/rate in [t0, t1]. The accelerometer
// measures specific force in the body frame, gravity pointing down the world z axis.
func IMUSamples(m Motion, t0, t1, rate, gravity float64, noise IMUNoise, seed uint64) []imu.Sample {
	s := newSampler(seed)
	var out []imu.Sample
	for k := int64(math.Ceil(t0*rate - 1e-9)); ; k++ {
		t := float64(k) / rate
		if t > t1+1e-12 {
			break
		}
		pose := m.PoseAt(t)
		specific := m.Acceleration.Add(r3.Vector{Z: gravity})
		out = append(out, imu.Sample{
			Stamp: t,
			Acc:   spatialmath.QuatRotate(quat.Conj(pose.Orientation), specific).Add(s.vector(noise.AccStd)),
			Gyro:  r3.Vector{Z: m.YawRate}.Add(s.vector(noise.GyroStd)),
		})
	}
	return out
}
