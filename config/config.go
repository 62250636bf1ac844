// Package config defines the tunable parameters of the estimator, the frontend and the pose
// graph, with defaults, validation and loaders from JSON files or attribute maps.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.swarmvio.dev/vio/logging"
)

// Config is the full configuration of one drone's estimation back end.
type Config struct {
	Estimator EstimatorConfig `json:"estimator"`
	IMU       IMUNoiseConfig  `json:"imu"`
	Landmark  LandmarkConfig  `json:"landmark"`
	Solver    SolverConfig    `json:"solver"`
	Frontend  FrontendConfig  `json:"frontend"`
	PGO       PGOConfig       `json:"pgo"`
	// Log sets logger levels by name pattern, e.g. {"pattern": "*.marginalization", "level": "debug"}.
	Log []logging.LoggerPatternConfig `json:"log,omitempty"`
}

// EstimatorConfig controls the sliding window.
type EstimatorConfig struct {
	SelfID int `json:"self_id"`
	// WindowSize is the number of keyframes kept fully optimizable per drone.
	WindowSize int `json:"window_size"`
	// MinIMUForInit is the number of IMU samples averaged for gravity alignment of the first pose.
	MinIMUForInit int `json:"min_imu_for_init"`
	// FocalLength scales normalized-plane residuals to pixels.
	FocalLength float64 `json:"focal_length"`
	// KeyframeBufferSize bounds the channel keyframes are published on.
	KeyframeBufferSize int `json:"keyframe_buffer_size"`
	// FixFirstPose holds the first keyframe constant while no prior exists.
	FixFirstPose bool `json:"fix_first_pose"`
}

// IMUNoiseConfig holds continuous-time noise densities and gravity.
type IMUNoiseConfig struct {
	AccNoise           float64 `json:"acc_n"`
	GyroNoise          float64 `json:"gyr_n"`
	AccBiasRandomWalk  float64 `json:"acc_w"`
	GyroBiasRandomWalk float64 `json:"gyr_w"`
	Gravity            float64 `json:"gravity"`
}

// LandmarkConfig controls triangulation and outlier rejection.
type LandmarkConfig struct {
	MinDepth                 float64 `json:"min_depth"`
	MaxDepth                 float64 `json:"max_depth"`
	MinTriangulationAngleDeg float64 `json:"min_triangulation_angle_deg"`
	// AssociationPixelThreshold is the largest reprojection error accepted for an ambiguous match.
	AssociationPixelThreshold float64 `json:"association_pixel_threshold"`
	OutlierPixelThreshold     float64 `json:"outlier_pixel_threshold"`
	HuberPixelThreshold       float64 `json:"huber_pixel_threshold"`
	MinObservations           int     `json:"min_observations"`
	// PixelSigma is the standard deviation of a keypoint measurement in pixels.
	PixelSigma float64 `json:"pixel_sigma"`
}

// SolverConfig bounds each Levenberg-Marquardt solve.
type SolverConfig struct {
	MaxIterations     int     `json:"max_iterations"`
	MaxSolveTimeSec   float64 `json:"max_solve_time_sec"`
	InitialLambda     float64 `json:"initial_lambda"`
	FunctionTolerance float64 `json:"function_tolerance"`
	// NumericDiffStep is the tangent-space step used for finite-difference Jacobians.
	NumericDiffStep float64 `json:"numeric_diff_step"`
	// EliminationRegularization is the relative eigenvalue cutoff used when inverting the
	// marginalized block: eigenvalues below EliminationRegularization*max(1, largest eigenvalue)
	// are dropped from the pseudo-inverse instead of inverted.
	EliminationRegularization float64 `json:"elimination_regularization"`
}

// FrontendConfig controls the loop queue, the remote ingestion channel and the keyframe fallback.
type FrontendConfig struct {
	EnableLoop                   bool    `json:"enable_loop"`
	LoopQueueSize                int     `json:"loop_queue_size"`
	LoopPeriodMs                 int     `json:"loop_period_ms"`
	RemoteBufferSize             int     `json:"remote_buffer_size"`
	AcceptNonKeyframeWaitSec     float64 `json:"accept_nonkeyframe_wait_sec"`
	InitAcceptNonKeyframeWaitSec float64 `json:"init_accept_nonkeyframe_wait_sec"`
}

// PGOConfig controls the per-drone pose graph.
type PGOConfig struct {
	Is4DoF             bool    `json:"is_4dof"`
	MaxIterations      int     `json:"max_iterations"`
	LoopPositionSigma  float64 `json:"loop_position_sigma"`
	LoopRotationSigma  float64 `json:"loop_rotation_sigma"`
	OdomPositionSigma  float64 `json:"odom_position_sigma"`
	OdomRotationSigma  float64 `json:"odom_rotation_sigma"`
	MaxSolveTimeSec    float64 `json:"max_solve_time_sec"`
	MinLoopInlierRatio float64 `json:"min_loop_inlier_ratio"`
}

// DefaultConfig returns the configuration used when a field is not set.
func DefaultConfig() *Config {
	return &Config{
		Estimator: EstimatorConfig{
			WindowSize:         8,
			MinIMUForInit:      10,
			FocalLength:        460,
			KeyframeBufferSize: 16,
			FixFirstPose:       true,
		},
		IMU: IMUNoiseConfig{
			AccNoise:           0.1,
			GyroNoise:          0.01,
			AccBiasRandomWalk:  0.001,
			GyroBiasRandomWalk: 0.0001,
			Gravity:            9.81,
		},
		Landmark: LandmarkConfig{
			MinDepth:                  0.1,
			MaxDepth:                  50,
			MinTriangulationAngleDeg:  1,
			AssociationPixelThreshold: 3,
			OutlierPixelThreshold:     10,
			HuberPixelThreshold:       1,
			MinObservations:           2,
			PixelSigma:                1.5,
		},
		Solver: SolverConfig{
			MaxIterations:             30,
			MaxSolveTimeSec:           0.5,
			InitialLambda:             1e-4,
			FunctionTolerance:         1e-12,
			NumericDiffStep:           1e-6,
			EliminationRegularization: 1e-8,
		},
		Frontend: FrontendConfig{
			EnableLoop:                   true,
			LoopQueueSize:                100,
			LoopPeriodMs:                 10,
			RemoteBufferSize:             64,
			AcceptNonKeyframeWaitSec:     15,
			InitAcceptNonKeyframeWaitSec: 1,
		},
		PGO: PGOConfig{
			MaxIterations:      20,
			LoopPositionSigma:  0.1,
			LoopRotationSigma:  0.05,
			OdomPositionSigma:  0.01,
			OdomRotationSigma:  0.005,
			MaxSolveTimeSec:    1,
			MinLoopInlierRatio: 0.5,
		},
	}
}

// Validate ensures all parts of the config are valid. It returns implicit dependencies (none for
// this config) and every validation error found.
func (c *Config) Validate(path string) ([]string, error) {
	err := multierr.Combine(
		c.Estimator.Validate(fmt.Sprintf("%s.estimator", path)),
		c.IMU.Validate(fmt.Sprintf("%s.imu", path)),
		c.Landmark.Validate(fmt.Sprintf("%s.landmark", path)),
		c.Solver.Validate(fmt.Sprintf("%s.solver", path)),
		c.Frontend.Validate(fmt.Sprintf("%s.frontend", path)),
		c.PGO.Validate(fmt.Sprintf("%s.pgo", path)),
	)
	for i, lpc := range c.Log {
		if lerr := lpc.Validate(); lerr != nil {
			err = multierr.Append(err, utils.NewConfigValidationError(fmt.Sprintf("%s.log.%d", path, i), lerr))
		}
	}
	return nil, err
}

// Validate ensures all parts of the config are valid.
func (ec *EstimatorConfig) Validate(path string) error {
	if ec.SelfID < 0 {
		return utils.NewConfigValidationError(path, errors.New("self_id must be non-negative"))
	}
	if ec.WindowSize < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("window_size must be at least 2, got %d", ec.WindowSize))
	}
	if ec.FocalLength <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "focal_length")
	}
	if ec.MinIMUForInit < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "min_imu_for_init")
	}
	if ec.KeyframeBufferSize < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "keyframe_buffer_size")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (ic *IMUNoiseConfig) Validate(path string) error {
	if ic.AccNoise <= 0 || ic.GyroNoise <= 0 || ic.AccBiasRandomWalk <= 0 || ic.GyroBiasRandomWalk <= 0 {
		return utils.NewConfigValidationError(path, errors.New("imu noise densities must be positive"))
	}
	if ic.Gravity <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "gravity")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (lc *LandmarkConfig) Validate(path string) error {
	if lc.MinDepth <= 0 || lc.MaxDepth <= lc.MinDepth {
		return utils.NewConfigValidationError(path,
			errors.Errorf("need 0 < min_depth < max_depth, got %v and %v", lc.MinDepth, lc.MaxDepth))
	}
	if lc.MinTriangulationAngleDeg < 0 {
		return utils.NewConfigValidationError(path, errors.New("min_triangulation_angle_deg must be non-negative"))
	}
	if lc.MinObservations < 2 {
		return utils.NewConfigValidationError(path, errors.New("min_observations must be at least 2"))
	}
	if lc.PixelSigma <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "pixel_sigma")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (sc *SolverConfig) Validate(path string) error {
	if sc.MaxIterations < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_iterations")
	}
	if sc.MaxSolveTimeSec <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_solve_time_sec")
	}
	if sc.NumericDiffStep <= 0 || sc.InitialLambda <= 0 {
		return utils.NewConfigValidationError(path, errors.New("numeric_diff_step and initial_lambda must be positive"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (fc *FrontendConfig) Validate(path string) error {
	if fc.LoopQueueSize < 1 || fc.RemoteBufferSize < 1 {
		return utils.NewConfigValidationError(path, errors.New("loop_queue_size and remote_buffer_size must be positive"))
	}
	if fc.LoopPeriodMs < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "loop_period_ms")
	}
	if fc.AcceptNonKeyframeWaitSec < 0 || fc.InitAcceptNonKeyframeWaitSec < 0 {
		return utils.NewConfigValidationError(path, errors.New("non-keyframe waits must be non-negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (pc *PGOConfig) Validate(path string) error {
	if pc.MaxIterations < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_iterations")
	}
	if pc.LoopPositionSigma <= 0 || pc.LoopRotationSigma <= 0 || pc.OdomPositionSigma <= 0 || pc.OdomRotationSigma <= 0 {
		return utils.NewConfigValidationError(path, errors.New("pose graph sigmas must be positive"))
	}
	return nil
}

// MaxSolveTime returns the solve budget as a duration.
func (sc *SolverConfig) MaxSolveTime() time.Duration {
	return time.Duration(sc.MaxSolveTimeSec * float64(time.Second))
}

// MaxSolveTime returns the pose graph solve budget as a duration.
func (pc *PGOConfig) MaxSolveTime() time.Duration {
	return time.Duration(pc.MaxSolveTimeSec * float64(time.Second))
}

// LoopPeriod returns the loop timer period.
func (fc *FrontendConfig) LoopPeriod() time.Duration {
	return time.Duration(fc.LoopPeriodMs) * time.Millisecond
}

// AcceptNonKeyframeWait is the gap after which a non-keyframe is used for matching only.
func (fc *FrontendConfig) AcceptNonKeyframeWait() time.Duration {
	return time.Duration(fc.AcceptNonKeyframeWaitSec * float64(time.Second))
}

// InitAcceptNonKeyframeWait is the gap after which a non-keyframe is promoted before any image
// has been received.
func (fc *FrontendConfig) InitAcceptNonKeyframeWait() time.Duration {
	return time.Duration(fc.InitAcceptNonKeyframeWaitSec * float64(time.Second))
}
