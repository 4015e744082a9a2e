package viewer

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/orbslam/logging"
	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

type frameSource struct {
	frame *tracking.Frame
}

func (s frameSource) CurrentFrame() *tracking.Frame {
	return s.frame
}

func populated() *worldmap.Map {
	m := worldmap.New()
	m.Mutate(func(mm worldmap.MutableMap) {
		kp := []worldmap.KeyPoint{{}}
		desc := make([]vocabulary.Descriptor, 1)
		root := mm.NewKeyFrame(0, 0, spatialmath.NewZeroPose(), kp, desc)
		mm.AddKeyFrame(root, nil)
		kf := mm.NewKeyFrame(1, 1, spatialmath.NewPoseFromPoint(r3.Vector{X: -1, Z: -1}), kp, desc)
		mm.AddKeyFrame(kf, root)
		mm.AddObservation(root, 0, mm.AddMapPoint(r3.Vector{X: 0.5, Z: 2}))
	})
	return m
}

func TestNewDefaults(t *testing.T) {
	_, err := New(Config{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	v, err := New(Config{Map: worldmap.New()}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Period(), test.ShouldEqual, 33*time.Millisecond)
	test.That(t, v.cfg.Size, test.ShouldEqual, 800)

	v, err = New(Config{Map: worldmap.New(), FrameRate: 20}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Period(), test.ShouldEqual, 50*time.Millisecond)
}

func TestRenderEmptyMap(t *testing.T) {
	v, err := New(Config{Map: worldmap.New(), Size: 64}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	img := v.Render()
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 64)
	r, g, b, _ := img.At(32, 32).RGBA()
	test.That(t, []uint32{r, g, b}, test.ShouldResemble, []uint32{0xffff, 0xffff, 0xffff})
}

func TestRenderDrawsCamera(t *testing.T) {
	frame := &tracking.Frame{Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: -2, Z: -2})}
	v, err := New(Config{Map: populated(), Frames: frameSource{frame}, Size: 100}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	img := v.Render()

	// the camera at (2, 2) is the top right corner of the scene
	c := color.NRGBAModel.Convert(img.At(94, 5)).(color.NRGBA)
	test.That(t, c.R, test.ShouldEqual, uint8(255))
	test.That(t, c.B, test.ShouldEqual, uint8(0))
}

func TestWriteFrame(t *testing.T) {
	out := filepath.Join(t.TempDir(), "map.png")
	v, err := New(Config{Map: populated(), OutputPath: out, Size: 32}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.WriteFrame(), test.ShouldBeNil)

	img, err := imaging.Open(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 32)
	_, err = os.Stat(filepath.Join(filepath.Dir(out), ".map.png.tmp"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestRunStopsAndFinishes(t *testing.T) {
	out := filepath.Join(t.TempDir(), "map.png")
	v, err := New(Config{Map: populated(), OutputPath: out, FrameRate: 100, Size: 16}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go v.Run(ctx)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, err := os.Stat(out)
		test.That(tb, err, test.ShouldBeNil)
	})

	v.RequestStop()
	test.That(t, v.AwaitStopped(ctx), test.ShouldBeNil)
	v.Release()

	v.RequestFinish()
	test.That(t, v.AwaitFinished(ctx), test.ShouldBeNil)
	test.That(t, v.IsFinished(), test.ShouldBeTrue)
}

func TestRunFollowsClock(t *testing.T) {
	out := filepath.Join(t.TempDir(), "map.png")
	mock := clock.NewMock()
	v, err := New(Config{Map: populated(), OutputPath: out, Size: 16, Clock: mock}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 2; i++ {
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			mock.Add(v.Period())
			_, err := os.Stat(out)
			test.That(tb, err, test.ShouldBeNil)
		})
		test.That(t, os.Remove(out), test.ShouldBeNil)
	}
}
