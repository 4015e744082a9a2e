package slam

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/orbslam/slam/tracking"
	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

// TrajectoryPose is the camera pose in the world frame at one timestamp.
type TrajectoryPose struct {
	Timestamp float64
	Twc       spatialmath.Pose
}

// CameraTrajectory reconstructs world poses from the tracking log. Each entry is relative to its
// reference keyframe; a reference culled since then is replaced by its nearest live ancestor by
// chaining the stored parent transforms. Poses are expressed relative to the lowest-id keyframe
// in keyFrames. Lost entries are skipped.
func CameraTrajectory(entries []tracking.TrajectoryEntry, keyFrames []*worldmap.KeyFrame) ([]TrajectoryPose, error) {
	if len(keyFrames) == 0 {
		return nil, errors.New("map has no keyframes")
	}
	origin := lo.MinBy(keyFrames, func(a, b *worldmap.KeyFrame) bool { return a.ID < b.ID })
	two := origin.PoseInverse()

	poses := make([]TrajectoryPose, 0, len(entries))
	for i, e := range entries {
		if e.Lost {
			continue
		}
		if e.Reference == nil || e.Relative == nil {
			return nil, errors.Errorf("trajectory entry %d has no reference keyframe", i)
		}
		trw := spatialmath.NewZeroPose()
		kf := e.Reference
		for kf.IsBad() {
			trw = spatialmath.Compose(trw, kf.RelativeToParent())
			parent := kf.Parent()
			if parent == nil {
				return nil, errors.Errorf("keyframe %d is bad and has no parent", kf.ID)
			}
			kf = parent
		}
		trw = spatialmath.Compose(spatialmath.Compose(trw, kf.Pose()), two)
		tcw := spatialmath.Compose(e.Relative, trw)
		poses = append(poses, TrajectoryPose{Timestamp: e.Timestamp, Twc: spatialmath.PoseInverse(tcw)})
	}
	return poses, nil
}

// WriteTUM writes one "timestamp tx ty tz qx qy qz qw" line per pose.
func WriteTUM(w io.Writer, poses []TrajectoryPose) error {
	for _, p := range poses {
		t, q := p.Twc.Point(), p.Twc.Quaternion()
		if _, err := fmt.Fprintf(w, "%.6f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			p.Timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	return nil
}

// WriteKITTI writes the first three rows of each pose's homogeneous matrix, row-major.
func WriteKITTI(w io.Writer, poses []TrajectoryPose) error {
	for _, p := range poses {
		r, t := p.Twc.RotationMatrix(), p.Twc.Point()
		if _, err := fmt.Fprintf(w, "%.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			r.At(0, 0), r.At(0, 1), r.At(0, 2), t.X,
			r.At(1, 0), r.At(1, 1), r.At(1, 2), t.Y,
			r.At(2, 0), r.At(2, 1), r.At(2, 2), t.Z); err != nil {
			return err
		}
	}
	return nil
}

// WriteKeyFrameTUM writes the camera center and orientation of every live keyframe, ascending
// by id.
func WriteKeyFrameTUM(w io.Writer, keyFrames []*worldmap.KeyFrame) error {
	live := lo.Filter(keyFrames, func(kf *worldmap.KeyFrame, _ int) bool { return !kf.IsBad() })
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	for _, kf := range live {
		twc := kf.PoseInverse()
		t, q := twc.Point(), twc.Quaternion()
		if _, err := fmt.Fprintf(w, "%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			kf.Timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	return nil
}

func writeTextFile(path string, write func(w io.Writer) error) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// SaveTrajectoryTUM writes the camera trajectory in TUM format. Monocular trajectories have no
// metric scale and are refused with a warning.
func (s *System) SaveTrajectoryTUM(path string) error {
	return s.saveCameraTrajectory(path, "TUM", WriteTUM)
}

// SaveTrajectoryKITTI writes the camera trajectory in KITTI format. Monocular trajectories are
// refused with a warning.
func (s *System) SaveTrajectoryKITTI(path string) error {
	return s.saveCameraTrajectory(path, "KITTI", WriteKITTI)
}

func (s *System) saveCameraTrajectory(path, format string, write func(io.Writer, []TrajectoryPose) error) error {
	if s.sensor == tracking.Monocular {
		s.logger.Warnw("camera trajectory export is not suitable for monocular", "format", format)
		return nil
	}
	s.logger.Infow("saving camera trajectory", "format", format, "path", path)
	poses, err := CameraTrajectory(s.tracker.Trajectory(), s.worldMap.KeyFrames())
	if err != nil {
		return err
	}
	if err := writeTextFile(path, func(w io.Writer) error { return write(w, poses) }); err != nil {
		return err
	}
	s.logger.Infow("trajectory saved", "path", path, "poses", len(poses))
	return nil
}

// SaveKeyFrameTrajectoryTUM writes the pose of every live keyframe in TUM format. It works for
// every sensor.
func (s *System) SaveKeyFrameTrajectoryTUM(path string) error {
	s.logger.Infow("saving keyframe trajectory", "path", path)
	return writeTextFile(path, func(w io.Writer) error {
		return WriteKeyFrameTUM(w, s.worldMap.KeyFrames())
	})
}
