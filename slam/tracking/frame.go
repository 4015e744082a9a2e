package tracking

import (
	"context"
	"image"

	"github.com/golang/geo/r3"

	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

// Frame is one ingested image set and what tracking learned about it.
type Frame struct {
	ID        uint64
	Timestamp float64
	// Images are left/right for stereo, color/depth for RGB-D and a single image for monocular.
	Images []image.Image

	// Pose is Tcw, nil when the frame was not localized.
	Pose        spatialmath.Pose
	Reference   *worldmap.KeyFrame
	KeyPoints   []worldmap.KeyPoint
	Descriptors []vocabulary.Descriptor
	// MapPoints is aligned with KeyPoints; unmatched keypoints hold nil.
	MapPoints []*worldmap.MapPoint
}

// View is what an Estimator may consult about the tracker when estimating a frame.
type View struct {
	Sensor       Sensor
	State        State
	OnlyTracking bool
	Map          *worldmap.Map
	Reference    *worldmap.KeyFrame
	// LastPose is Tcw of the last localized frame, nil if none.
	LastPose spatialmath.Pose
	// Relocalize queries the place recognition index with the given descriptors.
	Relocalize func(descriptors []vocabulary.Descriptor) []keyframedb.Candidate
}

// Estimate is an Estimator's result for one frame.
type Estimate struct {
	// Pose is Tcw, nil when the frame could not be localized.
	Pose        spatialmath.Pose
	KeyPoints   []worldmap.KeyPoint
	Descriptors []vocabulary.Descriptor
	// Matches is empty or aligned with KeyPoints.
	Matches []*worldmap.MapPoint
	// NewPoints are landmarks to create, by keypoint index, if the frame becomes a keyframe.
	NewPoints map[int]r3.Vector
	// Reference replaces the reference keyframe, e.g. after relocalization.
	Reference    *worldmap.KeyFrame
	NeedKeyFrame bool
}

// An Estimator computes the pose of a frame from its images. Feature extraction, matching and
// pose optimization all live behind it.
type Estimator interface {
	Estimate(ctx context.Context, frame *Frame, view View) (Estimate, error)
}
