// Package main runs a synthetic multi-drone flight through the estimator, pose graph and frontend
// of every drone and prints the trajectory errors.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/simulation"
)

const (
	flagConfig           = "config"
	flagDrones           = "drones"
	flagDuration         = "duration"
	flagKeyframeInterval = "keyframe-interval"
	flagAccNoise         = "acc-noise"
	flagGyroNoise        = "gyro-noise"
	flagPixelNoise       = "pixel-noise"
	flag4DoF             = "4dof"
	flagNoLoop           = "no-loop"
	flagSeed             = "seed"
	flagLogFile          = "log-file"
	flagDebug            = "debug"
)

func main() {
	app := &cli.App{
		Name:  "swarmsim",
		Usage: "simulate a drone swarm and report estimation errors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from JSON `FILE`",
			},
			&cli.IntFlag{Name: flagDrones, Value: 2, Usage: "number of drones"},
			&cli.Float64Flag{Name: flagDuration, Value: 8, Usage: "flight duration in seconds"},
			&cli.Float64Flag{Name: flagKeyframeInterval, Value: 0.5, Usage: "seconds between keyframes"},
			&cli.Float64Flag{Name: flagAccNoise, Usage: "accelerometer noise std in m/s^2"},
			&cli.Float64Flag{Name: flagGyroNoise, Usage: "gyroscope noise std in rad/s"},
			&cli.Float64Flag{Name: flagPixelNoise, Usage: "keypoint noise std in pixels"},
			&cli.BoolFlag{Name: flag4DoF, Usage: "run the pose graph in x, y, z, yaw"},
			&cli.BoolFlag{Name: flagNoLoop, Usage: "disable loop detection"},
			&cli.Uint64Flag{Name: flagSeed, Value: 1, Usage: "noise seed"},
			&cli.StringFlag{Name: flagLogFile, Usage: "also write JSON logs to a rotated `FILE`"},
			&cli.BoolFlag{Name: flagDebug, Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	logger := logging.NewLogger("swarmsim")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	if path := c.String(flagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(path, 10, 3)
		logger.AddAppender(appender)
		defer goutils.UncheckedErrorFunc(closer.Close)
	}
	defer goutils.UncheckedErrorFunc(logger.Sync)

	cfg, sc, err := scenarioFromFlags(c, logger)
	if err != nil {
		return err
	}
	return run(ctx, c.App.Writer, cfg, sc, logger)
}

func scenarioFromFlags(c *cli.Context, logger logging.Logger) (*config.Config, simulation.Scenario, error) {
	cfg := config.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(path, logger); err != nil {
			return nil, simulation.Scenario{}, err
		}
	}
	if c.Bool(flagDebug) {
		cfg.Log = append(cfg.Log, logging.LoggerPatternConfig{Pattern: "*", Level: "debug"})
	}
	if c.IsSet(flag4DoF) {
		cfg.PGO.Is4DoF = c.Bool(flag4DoF)
	}
	if c.Int(flagDrones) < 1 {
		return nil, simulation.Scenario{}, errors.Errorf("--%s must be at least 1", flagDrones)
	}
	sc := simulation.DefaultScenario(c.Int(flagDrones))
	sc.Duration = c.Float64(flagDuration)
	sc.KeyframeInterval = c.Float64(flagKeyframeInterval)
	sc.IMUNoise = simulation.IMUNoise{AccStd: c.Float64(flagAccNoise), GyroStd: c.Float64(flagGyroNoise)}
	sc.Scene.PixelNoise = c.Float64(flagPixelNoise)
	sc.Scene.FocalLength = cfg.Estimator.FocalLength
	sc.Seed = c.Uint64(flagSeed)
	if c.Bool(flagNoLoop) {
		sc.LoopRadius = 0
	}
	return cfg, sc, nil
}

// run applies the logger level patterns of cfg to every component logger and flies sc.
func run(ctx context.Context, w io.Writer, cfg *config.Config, sc simulation.Scenario, logger logging.Logger) error {
	if err := logging.RegisterConfig(cfg.Log); err != nil {
		return err
	}
	logger.Infow("starting simulation", "drones", len(sc.Drones), "duration", sc.Duration, "is_4dof", cfg.PGO.Is4DoF)
	res, err := simulation.Run(ctx, cfg, sc, logger)
	if res != nil {
		fmt.Fprintln(w, res.String())
	}
	return err
}
