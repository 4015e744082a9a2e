// Package viewer renders the map and the current camera as a top-down image at the camera frame
// rate and writes it to a PNG file.
package viewer

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
	"go.viam.com/orbslam/utils"
)

// FrameSource provides the most recent tracked frame.
type FrameSource interface {
	CurrentFrame() *tracking.Frame
}

// Config holds the viewer's inputs and drawing parameters.
type Config struct {
	Map    *worldmap.Map
	Frames FrameSource
	// OutputPath is where each render is written. Empty means render without writing.
	OutputPath string
	// FrameRate sets the render period to 1000/FrameRate ms; defaults to 30.
	FrameRate    float64
	Size         int
	PointSize    float64
	KeyFrameSize float64
	LineWidth    float64
	// Clock drives the render timer; nil means the wall clock.
	Clock clock.Clock
}

// Viewer is the optional visualization worker.
type Viewer struct {
	cfg    Config
	logger logging.Logger
	pause  *utils.PauseControl
}

// New returns a viewer. Start it with Run.
func New(cfg Config, logger logging.Logger) (*Viewer, error) {
	if cfg.Map == nil {
		return nil, errors.New("viewer needs a map")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.Size <= 0 {
		cfg.Size = 800
	}
	if cfg.PointSize <= 0 {
		cfg.PointSize = 2
	}
	if cfg.KeyFrameSize <= 0 {
		cfg.KeyFrameSize = 4
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Viewer{cfg: cfg, logger: logger, pause: utils.NewPauseControl()}, nil
}

// Pause returns the viewer's stop/release/finish control.
func (v *Viewer) Pause() *utils.PauseControl {
	return v.pause
}

// RequestStop asks the viewer to stop rendering.
func (v *Viewer) RequestStop() {
	v.pause.RequestStop()
}

// AwaitStopped blocks until the viewer stopped rendering.
func (v *Viewer) AwaitStopped(ctx context.Context) error {
	return v.pause.AwaitStopped(ctx)
}

// Release resumes rendering.
func (v *Viewer) Release() {
	v.pause.Release()
}

// RequestFinish asks the viewer loop to exit.
func (v *Viewer) RequestFinish() {
	v.pause.RequestFinish()
}

// IsFinished reports whether the viewer loop exited.
func (v *Viewer) IsFinished() bool {
	return v.pause.IsFinished()
}

// AwaitFinished blocks until the viewer loop exited.
func (v *Viewer) AwaitFinished(ctx context.Context) error {
	return v.pause.AwaitFinished(ctx)
}

// Period returns the time between renders.
func (v *Viewer) Period() time.Duration {
	return time.Duration(1000/v.cfg.FrameRate) * time.Millisecond
}

// Run is the viewer loop. It returns when finish is requested or ctx is done.
func (v *Viewer) Run(ctx context.Context) {
	defer v.pause.SetFinished()
	timer := v.cfg.Clock.Timer(0)
	defer timer.Stop()
	for {
		if v.pause.FinishRequested() {
			return
		}
		if v.pause.TryStop() {
			if err := v.pause.AwaitRelease(ctx); err != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-v.pause.Changed():
			continue
		case <-timer.C:
		}
		if err := v.WriteFrame(); err != nil {
			v.logger.Warnw("failed to write viewer frame", "path", v.cfg.OutputPath, "error", err)
		}
		timer.Reset(v.Period())
	}
}

// WriteFrame renders once and writes the PNG to the output path, replacing the previous one.
func (v *Viewer) WriteFrame() error {
	img := v.Render()
	if v.cfg.OutputPath == "" {
		return nil
	}
	tmp := filepath.Join(filepath.Dir(v.cfg.OutputPath), "."+filepath.Base(v.cfg.OutputPath)+".tmp")
	if err := gg.SavePNG(tmp, img); err != nil {
		return err
	}
	return os.Rename(tmp, v.cfg.OutputPath)
}

// Render draws map points, keyframes with their spanning tree edges and the current camera,
// looking down the world y axis.
func (v *Viewer) Render() image.Image {
	size := float64(v.cfg.Size)
	dc := gg.NewContext(v.cfg.Size, v.cfg.Size)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	kfs := v.cfg.Map.KeyFrames()
	points := v.cfg.Map.MapPoints()
	var camera *r3.Vector
	if v.cfg.Frames != nil {
		if f := v.cfg.Frames.CurrentFrame(); f != nil && f.Pose != nil {
			center := spatialmath.PoseInverse(f.Pose).Point()
			camera = &center
		}
	}

	var all []r3.Vector
	for _, mp := range points {
		all = append(all, mp.Position())
	}
	for _, kf := range kfs {
		all = append(all, kf.CameraCenter())
	}
	if camera != nil {
		all = append(all, *camera)
	}
	if len(all) == 0 {
		return dc.Image()
	}

	minX, maxX, minZ, maxZ := math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)
	for _, p := range all {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minZ, maxZ = math.Min(minZ, p.Z), math.Max(maxZ, p.Z)
	}
	span := math.Max(math.Max(maxX-minX, maxZ-minZ), 1e-6)
	margin := 0.05 * size
	scale := (size - 2*margin) / span
	project := func(p r3.Vector) (float64, float64) {
		return margin + (p.X-minX)*scale, size - margin - (p.Z-minZ)*scale
	}

	dc.SetRGB(0, 0, 0)
	for _, p := range points {
		x, y := project(p.Position())
		dc.DrawPoint(x, y, v.cfg.PointSize/2)
	}
	dc.Fill()

	dc.SetLineWidth(v.cfg.LineWidth)
	dc.SetRGBA(0, 1, 0, 0.6)
	for _, kf := range kfs {
		if parent := kf.Parent(); parent != nil && !parent.IsBad() {
			x1, y1 := project(kf.CameraCenter())
			x2, y2 := project(parent.CameraCenter())
			dc.DrawLine(x1, y1, x2, y2)
		}
	}
	dc.Stroke()

	dc.SetRGB(0, 0, 1)
	for _, kf := range kfs {
		x, y := project(kf.CameraCenter())
		dc.DrawRectangle(x-v.cfg.KeyFrameSize/2, y-v.cfg.KeyFrameSize/2, v.cfg.KeyFrameSize, v.cfg.KeyFrameSize)
	}
	dc.Fill()

	if camera != nil {
		dc.SetRGB(1, 0, 0)
		x, y := project(*camera)
		dc.DrawCircle(x, y, v.cfg.KeyFrameSize)
		dc.Fill()
	}
	return dc.Image()
}
