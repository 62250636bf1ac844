package imu

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/spatialmath"
)

// Error state layout of the 15-dim preintegration residual.
const (
	OffsetP  = 0
	OffsetR  = 3
	OffsetV  = 6
	OffsetBA = 9
	OffsetBG = 12
	// ResidualSize is the dimension of the preintegration residual.
	ResidualSize = 15
	noiseSize    = 18
)

// Noise holds the discrete noise model and the world gravity vector.
type Noise struct {
	AccNoise           float64
	GyroNoise          float64
	AccBiasRandomWalk  float64
	GyroBiasRandomWalk float64
	// Gravity is the gravity acceleration in the world frame, e.g. (0, 0, -9.81).
	Gravity r3.Vector
}

// NoiseFromConfig builds the noise model from config. Gravity points down the world z axis.
func NoiseFromConfig(cfg config.IMUNoiseConfig) Noise {
	return Noise{
		AccNoise:           cfg.AccNoise,
		GyroNoise:          cfg.GyroNoise,
		AccBiasRandomWalk:  cfg.AccBiasRandomWalk,
		GyroBiasRandomWalk: cfg.GyroBiasRandomWalk,
		Gravity:            r3.Vector{Z: -cfg.Gravity},
	}
}

func (n Noise) covariance() *mat.Dense {
	q := mat.NewDense(noiseSize, noiseSize, nil)
	for i, v := range []float64{
		n.AccNoise, n.GyroNoise, n.AccNoise, n.GyroNoise, n.AccBiasRandomWalk, n.GyroBiasRandomWalk,
	} {
		for k := 0; k < 3; k++ {
			q.Set(3*i+k, 3*i+k, v*v)
		}
	}
	return q
}

// NavState is the part of a keyframe state an IMU factor constrains.
type NavState struct {
	Position    r3.Vector
	Orientation quat.Number
	Velocity    r3.Vector
	BiasAcc     r3.Vector
	BiasGyro    r3.Vector
}

// Preintegration is the relative motion between two keyframes integrated from the IMU samples in
// between, expressed in the body frame of the first keyframe. Bias changes are applied to first
// order through the bias Jacobians.
type Preintegration struct {
	noise Noise
	q     *mat.Dense

	acc0, gyr0       r3.Vector
	accLast, gyrLast r3.Vector
	linBa, linBg     r3.Vector

	sumDt  float64
	deltaP r3.Vector
	deltaV r3.Vector
	deltaQ quat.Number

	jacobian   *mat.Dense
	covariance *mat.Dense

	dts  []float64
	accs []r3.Vector
	gyrs []r3.Vector

	sqrtInfo *mat.Dense
}

// NewPreintegration starts an integration from the reading at the first keyframe with the given
// bias linearization point.
func NewPreintegration(acc0, gyr0, ba, bg r3.Vector, noise Noise) *Preintegration {
	pre := &Preintegration{noise: noise, q: noise.covariance(), acc0: acc0, gyr0: gyr0}
	pre.reset(ba, bg)
	return pre
}

func (pre *Preintegration) reset(ba, bg r3.Vector) {
	pre.linBa, pre.linBg = ba, bg
	pre.accLast, pre.gyrLast = pre.acc0, pre.gyr0
	pre.sumDt = 0
	pre.deltaP = r3.Vector{}
	pre.deltaV = r3.Vector{}
	pre.deltaQ = spatialmath.IdentityQuat
	pre.jacobian = identity(ResidualSize)
	pre.covariance = mat.NewDense(ResidualSize, ResidualSize, nil)
	pre.sqrtInfo = nil
}

// Push integrates one reading taken dt seconds after the previous one.
func (pre *Preintegration) Push(dt float64, acc, gyr r3.Vector) {
	if dt <= 0 {
		return
	}
	pre.dts = append(pre.dts, dt)
	pre.accs = append(pre.accs, acc)
	pre.gyrs = append(pre.gyrs, gyr)
	pre.propagate(dt, acc, gyr)
}

// Repropagate integrates all readings again around a new bias linearization point.
func (pre *Preintegration) Repropagate(ba, bg r3.Vector) {
	pre.reset(ba, bg)
	for i, dt := range pre.dts {
		pre.propagate(dt, pre.accs[i], pre.gyrs[i])
	}
}

// SumDt is the integrated time span in seconds.
func (pre *Preintegration) SumDt() float64 {
	return pre.sumDt
}

// NumReadings is the number of pushed readings.
func (pre *Preintegration) NumReadings() int {
	return len(pre.dts)
}

// Delta returns the integrated position, velocity and orientation increments.
func (pre *Preintegration) Delta() (r3.Vector, r3.Vector, quat.Number) {
	return pre.deltaP, pre.deltaV, pre.deltaQ
}

// LinearizedBias returns the bias the readings were integrated with.
func (pre *Preintegration) LinearizedBias() (r3.Vector, r3.Vector) {
	return pre.linBa, pre.linBg
}

// Covariance returns a copy of the 15x15 covariance of the increments.
func (pre *Preintegration) Covariance() *mat.Dense {
	return mat.DenseCopyOf(pre.covariance)
}

// Jacobian returns a copy of the 15x15 Jacobian of the increments with respect to the start error state.
func (pre *Preintegration) Jacobian() *mat.Dense {
	return mat.DenseCopyOf(pre.jacobian)
}

// propagate is one midpoint step with the error-state Jacobian and covariance updates.
func (pre *Preintegration) propagate(dt float64, acc1, gyr1 r3.Vector) {
	acc0, gyr0 := pre.accLast, pre.gyrLast
	ba, bg := pre.linBa, pre.linBg

	unAcc0 := spatialmath.QuatRotate(pre.deltaQ, acc0.Sub(ba))
	unGyr := gyr0.Add(gyr1).Mul(0.5).Sub(bg)
	dq1 := spatialmath.QuatNormalize(quat.Mul(pre.deltaQ, spatialmath.QuatExp(unGyr.Mul(dt))))
	unAcc1 := spatialmath.QuatRotate(dq1, acc1.Sub(ba))
	unAcc := unAcc0.Add(unAcc1).Mul(0.5)

	r0 := spatialmath.QuatToRotationMatrix(pre.deltaQ).Dense()
	r1 := spatialmath.QuatToRotationMatrix(dq1).Dense()
	ax0 := spatialmath.Skew(acc0.Sub(ba))
	ax1 := spatialmath.Skew(acc1.Sub(ba))
	i3 := identity(3)
	iMinusW := sub(i3, scale(dt, spatialmath.Skew(unGyr)))
	r0ax0 := mul(r0, ax0)
	r1ax1 := mul(r1, ax1)
	r1ax1W := mul(r1ax1, iMinusW)
	r01 := add(r0, r1)
	dt2 := dt * dt

	f := identity(ResidualSize)
	setBlock(f, OffsetP, OffsetR, add(scale(-0.25*dt2, r0ax0), scale(-0.25*dt2, r1ax1W)))
	setBlock(f, OffsetP, OffsetV, scale(dt, i3))
	setBlock(f, OffsetP, OffsetBA, scale(-0.25*dt2, r01))
	setBlock(f, OffsetP, OffsetBG, scale(0.25*dt2*dt, r1ax1))
	setBlock(f, OffsetR, OffsetR, iMinusW)
	setBlock(f, OffsetR, OffsetBG, scale(-dt, i3))
	setBlock(f, OffsetV, OffsetR, add(scale(-0.5*dt, r0ax0), scale(-0.5*dt, r1ax1W)))
	setBlock(f, OffsetV, OffsetBA, scale(-0.5*dt, r01))
	setBlock(f, OffsetV, OffsetBG, scale(0.5*dt2, r1ax1))

	v := mat.NewDense(ResidualSize, noiseSize, nil)
	setBlock(v, OffsetP, 0, scale(0.25*dt2, r0))
	setBlock(v, OffsetP, 3, scale(-0.125*dt2*dt, r1ax1))
	setBlock(v, OffsetP, 6, scale(0.25*dt2, r1))
	setBlock(v, OffsetP, 9, scale(-0.125*dt2*dt, r1ax1))
	setBlock(v, OffsetR, 3, scale(0.5*dt, i3))
	setBlock(v, OffsetR, 9, scale(0.5*dt, i3))
	setBlock(v, OffsetV, 0, scale(0.5*dt, r0))
	setBlock(v, OffsetV, 3, scale(-0.25*dt2, r1ax1))
	setBlock(v, OffsetV, 6, scale(0.5*dt, r1))
	setBlock(v, OffsetV, 9, scale(-0.25*dt2, r1ax1))
	setBlock(v, OffsetBA, 12, scale(dt, i3))
	setBlock(v, OffsetBG, 15, scale(dt, i3))

	var jac mat.Dense
	jac.Mul(f, pre.jacobian)
	pre.jacobian = &jac

	var fp, fpft, vq, vqvt, cov mat.Dense
	fp.Mul(f, pre.covariance)
	fpft.Mul(&fp, f.T())
	vq.Mul(v, pre.q)
	vqvt.Mul(&vq, v.T())
	cov.Add(&fpft, &vqvt)
	pre.covariance = &cov

	pre.deltaP = pre.deltaP.Add(pre.deltaV.Mul(dt)).Add(unAcc.Mul(0.5 * dt2))
	pre.deltaV = pre.deltaV.Add(unAcc.Mul(dt))
	pre.deltaQ = dq1
	pre.sumDt += dt
	pre.accLast, pre.gyrLast = acc1, gyr1
	pre.sqrtInfo = nil
}

// Corrected returns the increments adjusted to first order for a bias different from the
// linearization point.
func (pre *Preintegration) Corrected(ba, bg r3.Vector) (r3.Vector, r3.Vector, quat.Number) {
	dba := ba.Sub(pre.linBa)
	dbg := bg.Sub(pre.linBg)
	dp := pre.deltaP.Add(blockMulVec(pre.jacobian, OffsetP, OffsetBA, dba)).Add(blockMulVec(pre.jacobian, OffsetP, OffsetBG, dbg))
	dv := pre.deltaV.Add(blockMulVec(pre.jacobian, OffsetV, OffsetBA, dba)).Add(blockMulVec(pre.jacobian, OffsetV, OffsetBG, dbg))
	dq := quat.Mul(pre.deltaQ, spatialmath.QuatExp(blockMulVec(pre.jacobian, OffsetR, OffsetBG, dbg)))
	return dp, dv, spatialmath.QuatNormalize(dq)
}

// RawResidual is the unweighted 15-dim residual between two states.
func (pre *Preintegration) RawResidual(i, j NavState) []float64 {
	dp, dv, dq := pre.Corrected(i.BiasAcc, i.BiasGyro)
	dt := pre.sumDt
	g := pre.noise.Gravity
	qiInv := quat.Conj(i.Orientation)

	rp := spatialmath.QuatRotate(qiInv,
		j.Position.Sub(i.Position).Sub(i.Velocity.Mul(dt)).Sub(g.Mul(0.5*dt*dt))).Sub(dp)
	rv := spatialmath.QuatRotate(qiInv, j.Velocity.Sub(i.Velocity).Sub(g.Mul(dt))).Sub(dv)
	qErr := spatialmath.QuatNormalize(quat.Mul(quat.Conj(dq), quat.Mul(qiInv, j.Orientation)))
	rq := r3.Vector{X: 2 * qErr.Imag, Y: 2 * qErr.Jmag, Z: 2 * qErr.Kmag}
	rba := j.BiasAcc.Sub(i.BiasAcc)
	rbg := j.BiasGyro.Sub(i.BiasGyro)

	out := make([]float64, ResidualSize)
	for k, vec := range map[int]r3.Vector{OffsetP: rp, OffsetR: rq, OffsetV: rv, OffsetBA: rba, OffsetBG: rbg} {
		out[k], out[k+1], out[k+2] = vec.X, vec.Y, vec.Z
	}
	return out
}

// Evaluate returns the residual weighted by the square root information of the increments.
func (pre *Preintegration) Evaluate(i, j NavState) []float64 {
	raw := mat.NewVecDense(ResidualSize, pre.RawResidual(i, j))
	var w mat.VecDense
	w.MulVec(pre.SqrtInformation(), raw)
	return w.RawVector().Data
}

// SqrtInformation returns S with S^T S equal to the inverse covariance.
func (pre *Preintegration) SqrtInformation() *mat.Dense {
	if pre.sqrtInfo != nil {
		return pre.sqrtInfo
	}
	pre.sqrtInfo = sqrtInformation(pre.covariance)
	return pre.sqrtInfo
}

// sqrtInformation factors cov = L L^T and returns L^-1. A covariance that is not positive
// definite is regularized on the diagonal until it is.
func sqrtInformation(cov *mat.Dense) *mat.Dense {
	n, _ := cov.Dims()
	sym := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			sym.SetSym(r, c, 0.5*(cov.At(r, c)+cov.At(c, r)))
		}
	}
	var chol mat.Cholesky
	reg := 1e-15
	for !chol.Factorize(sym) {
		if reg > 1 {
			return identity(n)
		}
		for k := 0; k < n; k++ {
			sym.SetSym(k, k, sym.At(k, k)+reg)
		}
		reg *= 10
	}
	var l mat.TriDense
	chol.LTo(&l)
	var lInv mat.TriDense
	if err := lInv.InverseTri(&l); err != nil {
		return identity(n)
	}
	return mat.DenseCopyOf(&lInv)
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func setBlock(m *mat.Dense, r, c int, b mat.Matrix) {
	br, bc := b.Dims()
	m.Slice(r, r+br, c, c+bc).(*mat.Dense).Copy(b)
}

func scale(s float64, a mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Scale(s, a)
	return &d
}

func mul(a, b mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Mul(a, b)
	return &d
}

func add(a, b mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Add(a, b)
	return &d
}

func sub(a, b mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Sub(a, b)
	return &d
}

func blockMulVec(m *mat.Dense, r, c int, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(r, c)*v.X + m.At(r, c+1)*v.Y + m.At(r, c+2)*v.Z,
		Y: m.At(r+1, c)*v.X + m.At(r+1, c+1)*v.Y + m.At(r+1, c+2)*v.Z,
		Z: m.At(r+2, c)*v.X + m.At(r+2, c+1)*v.Y + m.At(r+2, c+2)*v.Z,
	}
}
