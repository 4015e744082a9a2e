package utils

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPauseControlStopRelease(t *testing.T) {
	pc := NewPauseControl()
	test.That(t, pc.TryStop(), test.ShouldBeFalse)

	pc.RequestStop()
	test.That(t, pc.StopRequested(), test.ShouldBeTrue)
	test.That(t, pc.IsStopped(), test.ShouldBeFalse)

	done := make(chan error, 1)
	go func() {
		done <- pc.AwaitStopped(context.Background())
	}()

	test.That(t, pc.TryStop(), test.ShouldBeTrue)
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, pc.IsStopped(), test.ShouldBeTrue)

	released := make(chan error, 1)
	go func() {
		released <- pc.AwaitRelease(context.Background())
	}()
	pc.Release()
	test.That(t, <-released, test.ShouldBeNil)
	test.That(t, pc.IsStopped(), test.ShouldBeFalse)
	test.That(t, pc.StopRequested(), test.ShouldBeFalse)
}

func TestPauseControlHolds(t *testing.T) {
	pc := NewPauseControl()
	pc.RequestStop()
	pc.RequestStop()
	test.That(t, pc.TryStop(), test.ShouldBeTrue)

	pc.Release()
	test.That(t, pc.IsStopped(), test.ShouldBeTrue)
	test.That(t, pc.StopRequested(), test.ShouldBeTrue)

	pc.Release()
	test.That(t, pc.IsStopped(), test.ShouldBeFalse)

	// releasing with no hold still resumes
	pc.Release()
	test.That(t, pc.StopRequested(), test.ShouldBeFalse)
}

func TestPauseControlNotStop(t *testing.T) {
	pc := NewPauseControl()
	test.That(t, pc.SetNotStop(true), test.ShouldBeTrue)
	pc.RequestStop()
	test.That(t, pc.TryStop(), test.ShouldBeFalse)
	test.That(t, pc.SetNotStop(false), test.ShouldBeTrue)
	test.That(t, pc.TryStop(), test.ShouldBeTrue)
	test.That(t, pc.SetNotStop(true), test.ShouldBeFalse)
}

func TestPauseControlAwaitTimesOut(t *testing.T) {
	pc := NewPauseControl()
	pc.RequestStop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pc.AwaitStopped(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "waiting for worker stop")
}

func TestPauseControlFinish(t *testing.T) {
	pc := NewPauseControl()
	pc.RequestStop()
	pc.TryStop()

	released := make(chan error, 1)
	go func() {
		released <- pc.AwaitRelease(context.Background())
	}()
	pc.RequestFinish()
	test.That(t, <-released, test.ShouldBeNil)

	pc.SetFinished()
	test.That(t, pc.IsFinished(), test.ShouldBeTrue)
	test.That(t, pc.AwaitFinished(context.Background()), test.ShouldBeNil)

	// a finished worker stays stopped
	pc.Release()
	test.That(t, pc.IsStopped(), test.ShouldBeTrue)
}

func TestStoppableWorkers(t *testing.T) {
	ran := make(chan struct{})
	stopped := make(chan struct{})
	sw := NewStoppableWorkers(func(ctx context.Context) {
		close(ran)
		<-ctx.Done()
		close(stopped)
	})
	<-ran
	sw.Stop()
	<-stopped
	sw.Stop()

	// adding after stop is a no-op
	sw.Add(func(ctx context.Context) { t.Error("should not run") })
}

func TestHasSuffix(t *testing.T) {
	test.That(t, HasSuffix("map.bin", ".bin"), test.ShouldBeTrue)
	test.That(t, HasSuffix(".bin", ".bin"), test.ShouldBeFalse)
	test.That(t, HasSuffix("voc.txt", ".bin"), test.ShouldBeFalse)

	err := NewUnsupportedSuffixError("voc.yaml", ".txt", ".bin")
	test.That(t, err.Error(), test.ShouldContainSubstring, "voc.yaml")
}
