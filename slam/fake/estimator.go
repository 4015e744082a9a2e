// Package fake provides scripted stand-ins for the SLAM collaborators that do the heavy numeric
// work: pose estimation, loop detection and global optimization.
package fake

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

// DefaultFeatures is the number of keypoints a fake estimate reports.
const DefaultFeatures = 20

// Estimator is a tracking.Estimator whose poses come from a function instead of images. Keypoints
// and descriptors are synthesized; keypoints match the reference keyframe's map points by index
// and unmatched ones become new landmarks in front of the camera.
type Estimator struct {
	// PoseFunc returns Tcw for a frame, nil when the frame should be lost.
	PoseFunc func(f *tracking.Frame) spatialmath.Pose
	// NeedKeyFrame decides keyframe promotion; nil promotes every localized frame.
	NeedKeyFrame func(f *tracking.Frame) bool
	Features     int

	mu    sync.Mutex
	views []tracking.View
}

// NewScriptedEstimator returns poses in call order; calls beyond the script, and nil entries,
// are lost.
func NewScriptedEstimator(poses ...spatialmath.Pose) *Estimator {
	var (
		mu    sync.Mutex
		calls int
	)
	return &Estimator{PoseFunc: func(*tracking.Frame) spatialmath.Pose {
		mu.Lock()
		defer mu.Unlock()
		i := calls
		calls++
		if i >= len(poses) {
			return nil
		}
		return poses[i]
	}}
}

// TimedPose is a camera pose at a timestamp. Pose is Twc, as ground truth files record it.
type TimedPose struct {
	Timestamp float64
	Pose      spatialmath.Pose
}

// NewTrajectoryEstimator replays a ground truth trajectory: each frame gets the pose closest in
// time, or is lost when none lies within tolerance seconds.
func NewTrajectoryEstimator(trajectory []TimedPose, tolerance float64) *Estimator {
	sorted := append([]TimedPose(nil), trajectory...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	return &Estimator{PoseFunc: func(f *tracking.Frame) spatialmath.Pose {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Timestamp >= f.Timestamp })
		best, bestDiff := -1, math.Inf(1)
		for _, j := range []int{i - 1, i} {
			if j < 0 || j >= len(sorted) {
				continue
			}
			if diff := math.Abs(sorted[j].Timestamp - f.Timestamp); diff < bestDiff {
				best, bestDiff = j, diff
			}
		}
		if best < 0 || bestDiff > tolerance {
			return nil
		}
		return spatialmath.PoseInverse(sorted[best].Pose)
	}}
}

// Views returns every view the estimator was called with.
func (e *Estimator) Views() []tracking.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tracking.View(nil), e.views...)
}

// Descriptor returns the synthetic descriptor of keypoint i.
func Descriptor(i int) vocabulary.Descriptor {
	var d vocabulary.Descriptor
	for b := range d {
		d[b] = byte(i * 37)
	}
	return d
}

// Estimate implements tracking.Estimator.
func (e *Estimator) Estimate(ctx context.Context, f *tracking.Frame, view tracking.View) (tracking.Estimate, error) {
	e.mu.Lock()
	e.views = append(e.views, view)
	e.mu.Unlock()

	n := e.Features
	if n <= 0 {
		n = DefaultFeatures
	}
	est := tracking.Estimate{
		KeyPoints:   make([]worldmap.KeyPoint, n),
		Descriptors: make([]vocabulary.Descriptor, n),
	}
	for i := 0; i < n; i++ {
		est.KeyPoints[i] = worldmap.KeyPoint{X: float64(10 * (i % 5)), Y: float64(10 * (i / 5)), Size: 31}
		est.Descriptors[i] = Descriptor(i)
	}

	pose := e.PoseFunc(f)
	if pose == nil {
		return est, nil
	}

	reference := view.Reference
	if view.State == tracking.Lost && view.Relocalize != nil {
		cands := view.Relocalize(est.Descriptors)
		if len(cands) == 0 {
			return est, nil
		}
		reference = cands[0].KeyFrame
		est.Reference = reference
	}
	est.Pose = pose

	est.Matches = make([]*worldmap.MapPoint, n)
	if reference != nil {
		for i, mp := range reference.MapPoints() {
			if i < n && mp != nil && !mp.IsBad() {
				est.Matches[i] = mp
			}
		}
	}
	twc := spatialmath.PoseInverse(pose)
	est.NewPoints = map[int]r3.Vector{}
	for i := 0; i < n; i++ {
		if est.Matches[i] == nil {
			local := r3.Vector{X: float64(i%5) - 2, Y: float64(i/5) - 2, Z: 3}
			est.NewPoints[i] = spatialmath.TransformPoint(twc, local)
		}
	}
	est.NeedKeyFrame = e.NeedKeyFrame == nil || e.NeedKeyFrame(f)
	return est, nil
}
