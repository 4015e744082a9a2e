// Package main runs a TUM-style image sequence through the SLAM system. Poses come from the
// sequence's ground truth, so the command exercises mapping, persistence and trajectory export
// without a feature pipeline.
package main

import (
	"context"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam"
	"go.viam.com/orbslam/slam/fake"
	"go.viam.com/orbslam/slam/tracking"
)

const (
	flagVocabulary    = "vocabulary"
	flagSettings      = "settings"
	flagSensor        = "sensor"
	flagDataset       = "dataset"
	flagAssociations  = "associations"
	flagGroundTruth   = "groundtruth"
	flagTolerance     = "tolerance"
	flagMap           = "map"
	flagSaveMap       = "save-map"
	flagLocalizeAfter = "localize-after"
	flagOutput        = "output"
	flagViewer        = "viewer"
	flagRealtime      = "realtime"
	flagDebug         = "debug"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "orbslam",
		Usage: "run image sequences through ORB-SLAM",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "track a dataset, then export trajectories and optionally the map",
				UsageText: "orbslam run --vocabulary ORBvoc.txt --settings TUM1.yaml --sensor rgbd --dataset DIR",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagVocabulary, Required: true, Usage: "ORB vocabulary `FILE` (.txt or .bin)"},
					&cli.StringFlag{Name: flagSettings, Required: true, Usage: "camera settings `FILE`"},
					&cli.StringFlag{Name: flagSensor, Value: "rgbd", Usage: "mono, stereo or rgbd"},
					&cli.StringFlag{Name: flagDataset, Required: true, Usage: "dataset `DIR` holding rgb.txt and groundtruth.txt"},
					&cli.StringFlag{Name: flagAssociations, Usage: "association `FILE` pairing images for stereo and rgbd"},
					&cli.StringFlag{Name: flagGroundTruth, Usage: "ground truth `FILE`, defaults to groundtruth.txt in the dataset"},
					&cli.Float64Flag{Name: flagTolerance, Value: 0.02, Usage: "max seconds between a frame and its ground truth pose"},
					&cli.StringFlag{Name: flagMap, Usage: "map `FILE` (.bin) to load at startup and save to"},
					&cli.BoolFlag{Name: flagSaveMap, Usage: "save the map when the sequence ends"},
					&cli.IntFlag{Name: flagLocalizeAfter, Usage: "switch to localization mode after `N` frames"},
					&cli.StringFlag{Name: flagOutput, Value: ".", Usage: "output `DIR` for trajectories"},
					&cli.BoolFlag{Name: flagViewer, Usage: "render the map to viewer.png in the output directory"},
					&cli.BoolFlag{Name: flagRealtime, Usage: "pace frames by their timestamps"},
				},
				Action: RunAction,
			},
		},
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("orbslam")
	}
	return logging.NewLogger("orbslam")
}

// RunAction tracks the dataset named by the command's flags.
func RunAction(c *cli.Context) error {
	logger := newLogger(c)
	//nolint:errcheck
	defer logger.Sync()

	sensor, err := tracking.ParseSensor(c.String(flagSensor))
	if err != nil {
		return err
	}
	dataset := c.String(flagDataset)
	frames, err := readFrames(dataset, sensor, c.String(flagAssociations))
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.Errorf("no frames in dataset %s", dataset)
	}
	gtPath := c.String(flagGroundTruth)
	if gtPath == "" {
		gtPath = filepath.Join(dataset, "groundtruth.txt")
	}
	groundTruth, err := readGroundTruth(gtPath)
	if err != nil {
		return errors.Wrap(err, "reading ground truth")
	}

	out := c.String(flagOutput)
	cfg := slam.Config{
		VocabularyPath: c.String(flagVocabulary),
		SettingsPath:   c.String(flagSettings),
		Sensor:         c.String(flagSensor),
		UseViewer:      c.Bool(flagViewer),
		MapPath:        c.String(flagMap),
		Estimator:      fake.NewTrajectoryEstimator(groundTruth, c.Float64(flagTolerance)),
	}
	if cfg.UseViewer {
		cfg.ViewerOutputPath = filepath.Join(out, "viewer.png")
	}
	system, err := slam.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}

	var period time.Duration
	if c.Bool(flagRealtime) {
		fps := system.Settings().FrameRate()
		period = time.Duration(float64(time.Second) / fps)
		logger.Infow("pacing frames in real time", "camera_fps", fps)
	}
	runErr := runSequence(c.Context, system, frames, c.Int(flagLocalizeAfter), period, logger)
	if c.Bool(flagSaveMap) && runErr == nil {
		mapPath := c.String(flagMap)
		if mapPath == "" {
			mapPath = filepath.Join(out, "map-"+uuid.NewString()+".bin")
		}
		runErr = system.SaveMap(c.Context, mapPath)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := multierr.Combine(runErr, system.Shutdown(shutdownCtx)); err != nil {
		return err
	}

	return multierr.Combine(
		system.SaveKeyFrameTrajectoryTUM(filepath.Join(out, "KeyFrameTrajectory.txt")),
		system.SaveTrajectoryTUM(filepath.Join(out, "CameraTrajectory.txt")),
		system.SaveTrajectoryKITTI(filepath.Join(out, "CameraTrajectory_KITTI.txt")),
	)
}

func readFrames(dataset string, sensor tracking.Sensor, associations string) ([]frameEntry, error) {
	if sensor == tracking.Monocular {
		return readImageList(filepath.Join(dataset, "rgb.txt"))
	}
	if associations == "" {
		return nil, errors.Errorf("%s input needs an association file", sensor)
	}
	return readAssociations(associations, dataset)
}

func track(ctx context.Context, system *slam.System, timestamp float64, images []image.Image) error {
	var err error
	switch system.Sensor() {
	case tracking.Monocular:
		_, err = system.TrackMonocular(ctx, images[0], timestamp)
	case tracking.Stereo:
		_, err = system.TrackStereo(ctx, images[0], images[1], timestamp)
	case tracking.RGBD:
		_, err = system.TrackRGBD(ctx, images[0], images[1], timestamp)
	}
	return err
}

// runSequence feeds every frame and logs tracking time statistics. A non-zero period paces frames
// by their timestamps, falling back to period when the next timestamp is not later.
func runSequence(
	ctx context.Context,
	system *slam.System,
	frames []frameEntry,
	localizeAfter int,
	period time.Duration,
	logger logging.Logger,
) error {
	logger.Infow("start processing sequence", "images", len(frames))
	times := make([]float64, 0, len(frames))
	lost := 0
	for i, f := range frames {
		if localizeAfter > 0 && i == localizeAfter {
			system.ActivateLocalizationMode()
		}
		images, err := loadImages(ctx, f.Paths)
		if err != nil {
			return err
		}

		start := time.Now()
		if err := track(ctx, system, f.Timestamp, images); err != nil {
			return err
		}
		elapsed := time.Since(start)
		times = append(times, elapsed.Seconds())
		if system.TrackingState() == tracking.Lost {
			lost++
		}

		if period > 0 && i+1 < len(frames) {
			gap := time.Duration((frames[i+1].Timestamp - f.Timestamp) * float64(time.Second))
			if gap <= 0 {
				gap = period
			}
			if wait := gap - elapsed; wait > 0 && !goutils.SelectContextOrWait(ctx, wait) {
				return ctx.Err()
			}
		}
	}

	median, err := stats.Median(times)
	if err != nil {
		return err
	}
	mean, err := stats.Mean(times)
	if err != nil {
		return err
	}
	logger.Infow("sequence done",
		"frames", len(frames),
		"lost", lost,
		"keyframes", system.Map().KeyFramesInMap(),
		"median_tracking_time", median,
		"mean_tracking_time", mean)
	return nil
}
