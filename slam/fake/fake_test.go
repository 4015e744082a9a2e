package fake

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/spatialmath"
)

func TestScriptedEstimator(t *testing.T) {
	est := NewScriptedEstimator(spatialmath.NewZeroPose(), nil)
	ctx := context.Background()

	first, err := est.Estimate(ctx, &tracking.Frame{}, tracking.View{State: tracking.NotInitialized})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.Pose, test.ShouldNotBeNil)
	test.That(t, len(first.KeyPoints), test.ShouldEqual, DefaultFeatures)
	test.That(t, first.Descriptors[3], test.ShouldResemble, Descriptor(3))
	test.That(t, len(first.NewPoints), test.ShouldEqual, DefaultFeatures)
	test.That(t, first.NeedKeyFrame, test.ShouldBeTrue)

	// new landmarks lie in front of the camera
	for _, p := range first.NewPoints {
		test.That(t, p.Z, test.ShouldEqual, 3.0)
	}

	second, err := est.Estimate(ctx, &tracking.Frame{}, tracking.View{State: tracking.Ok})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.Pose, test.ShouldBeNil)

	third, err := est.Estimate(ctx, &tracking.Frame{}, tracking.View{State: tracking.Ok})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, third.Pose, test.ShouldBeNil)
	test.That(t, len(est.Views()), test.ShouldEqual, 3)
}

func TestTrajectoryEstimator(t *testing.T) {
	traj := []TimedPose{
		{Timestamp: 2, Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 2})},
		{Timestamp: 1, Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1})},
	}
	est := NewTrajectoryEstimator(traj, 0.1)
	ctx := context.Background()

	got, err := est.Estimate(ctx, &tracking.Frame{Timestamp: 1.05}, tracking.View{})
	test.That(t, err, test.ShouldBeNil)
	// Tcw is the inverse of the recorded Twc
	test.That(t, spatialmath.PoseAlmostEqual(got.Pose, spatialmath.NewPoseFromPoint(r3.Vector{X: -1}), 1e-9), test.ShouldBeTrue)

	got, err = est.Estimate(ctx, &tracking.Frame{Timestamp: 1.96}, tracking.View{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got.Pose, spatialmath.NewPoseFromPoint(r3.Vector{X: -2}), 1e-9), test.ShouldBeTrue)

	got, err = est.Estimate(ctx, &tracking.Frame{Timestamp: 5}, tracking.View{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Pose, test.ShouldBeNil)
}

func TestNeedKeyFrame(t *testing.T) {
	est := NewScriptedEstimator(spatialmath.NewZeroPose())
	est.NeedKeyFrame = func(f *tracking.Frame) bool { return f.ID%2 == 0 }
	est.Features = 4
	got, err := est.Estimate(context.Background(), &tracking.Frame{ID: 1}, tracking.View{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.NeedKeyFrame, test.ShouldBeFalse)
	test.That(t, len(got.KeyPoints), test.ShouldEqual, 4)
}

func TestOptimizer(t *testing.T) {
	opt := NewOptimizer()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- opt.GlobalBundleAdjustment(ctx, nil, 7)
	}()
	<-opt.Started()
	cancel()
	test.That(t, <-errs, test.ShouldEqual, context.Canceled)
	test.That(t, opt.Calls(), test.ShouldResemble, []uint64{7})

	close(opt.Block)
	test.That(t, opt.GlobalBundleAdjustment(context.Background(), nil, 8), test.ShouldBeNil)
}
