package worldmap

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/spatialmath"
)

func kps(n int) []KeyPoint {
	out := make([]KeyPoint, n)
	for i := range out {
		out[i] = KeyPoint{X: float64(i), Y: float64(2 * i)}
	}
	return out
}

func descs(n int) []vocabulary.Descriptor {
	out := make([]vocabulary.Descriptor, n)
	for i := range out {
		out[i][0] = byte(i)
	}
	return out
}

// chain builds root -> k1 -> k2 translated one meter apart along x.
func chain(t *testing.T, m *Map) (root, k1, k2 *KeyFrame) {
	t.Helper()
	m.Mutate(func(mm MutableMap) {
		root = mm.NewKeyFrame(0, 0.0, spatialmath.NewZeroPose(), kps(2), descs(2))
		mm.AddKeyFrame(root, nil)
		k1 = mm.NewKeyFrame(3, 0.1, spatialmath.NewPoseFromPoint(r3.Vector{X: -1}), kps(2), descs(2))
		mm.AddKeyFrame(k1, root)
		k2 = mm.NewKeyFrame(7, 0.2, spatialmath.NewPoseFromPoint(r3.Vector{X: -2}), kps(2), descs(2))
		mm.AddKeyFrame(k2, k1)
	})
	return root, k1, k2
}

func TestMutateAdvancesGeneration(t *testing.T) {
	m := New()
	test.That(t, m.Generation(), test.ShouldEqual, uint64(0))

	m.Mutate(func(mm MutableMap) {})
	test.That(t, m.Generation(), test.ShouldEqual, uint64(0))

	chain(t, m)
	test.That(t, m.Generation(), test.ShouldEqual, uint64(1))
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 3)
	test.That(t, m.MaxKeyFrameID(), test.ShouldEqual, uint64(2))

	m.Mutate(func(mm MutableMap) { mm.Clear() })
	test.That(t, m.Generation(), test.ShouldEqual, uint64(2))
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 0)

	var kf *KeyFrame
	m.Mutate(func(mm MutableMap) { kf = mm.NewKeyFrame(0, 0, spatialmath.NewZeroPose(), nil, nil) })
	test.That(t, kf.ID, test.ShouldEqual, uint64(0))
}

func TestSetBadKeyFrameReparents(t *testing.T) {
	m := New()
	root, k1, k2 := chain(t, m)

	var ok bool
	m.Mutate(func(mm MutableMap) { ok = mm.SetBadKeyFrame(root) })
	test.That(t, ok, test.ShouldBeFalse)

	m.Mutate(func(mm MutableMap) { ok = mm.SetBadKeyFrame(k1) })
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, k1.IsBad(), test.ShouldBeTrue)
	test.That(t, k1.Parent(), test.ShouldEqual, root)
	test.That(t, k2.Parent(), test.ShouldEqual, root)
	test.That(t, root.Children(), test.ShouldHaveLength, 1)
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 2)

	// Tcp * Tpw reproduces Tcw.
	recovered := spatialmath.Compose(k1.RelativeToParent(), root.Pose())
	test.That(t, spatialmath.PoseAlmostEqual(recovered, k1.Pose(), 1e-9), test.ShouldBeTrue)

	m.Mutate(func(mm MutableMap) { ok = mm.SetBadKeyFrame(k1) })
	test.That(t, ok, test.ShouldBeFalse)
}

func TestNotEraseDefersCulling(t *testing.T) {
	m := New()
	_, k1, _ := chain(t, m)

	k1.SetNotErase()
	var ok bool
	m.Mutate(func(mm MutableMap) { ok = mm.SetBadKeyFrame(k1) })
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, k1.IsBad(), test.ShouldBeFalse)

	test.That(t, m.SetErase(k1), test.ShouldBeTrue)
	test.That(t, k1.IsBad(), test.ShouldBeTrue)
}

func TestObservationsAndOrphanPoints(t *testing.T) {
	m := New()
	_, k1, k2 := chain(t, m)

	var shared, lonely *MapPoint
	m.Mutate(func(mm MutableMap) {
		shared = mm.AddMapPoint(r3.Vector{Z: 1})
		lonely = mm.AddMapPoint(r3.Vector{Z: 2})
		test.That(t, mm.AddObservation(k1, 0, shared), test.ShouldBeNil)
		test.That(t, mm.AddObservation(k2, 0, shared), test.ShouldBeNil)
		test.That(t, mm.AddObservation(k1, 1, lonely), test.ShouldBeNil)
		test.That(t, mm.AddObservation(k1, 5, lonely), test.ShouldNotBeNil)
	})
	test.That(t, shared.ObservingKeyFrames(), test.ShouldResemble, []uint64{1, 2})
	test.That(t, k1.TrackedMapPoints(2), test.ShouldEqual, 1)

	m.Mutate(func(mm MutableMap) { mm.SetBadKeyFrame(k1) })
	test.That(t, shared.Observations(), test.ShouldEqual, 1)
	test.That(t, lonely.IsBad(), test.ShouldBeTrue)
	test.That(t, m.MapPointsInMap(), test.ShouldEqual, 1)
}

func TestSnapshotRestore(t *testing.T) {
	m := New()
	root, k1, k2 := chain(t, m)
	m.Mutate(func(mm MutableMap) {
		mp := mm.AddMapPoint(r3.Vector{X: 1, Y: 2, Z: 3})
		test.That(t, mm.AddObservation(k2, 1, mp), test.ShouldBeNil)
		mm.SetBadKeyFrame(k1)
	})
	frameID, ok := m.MaxFrameID()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frameID, test.ShouldEqual, uint64(7))

	rec := m.Snapshot()
	test.That(t, rec.KeyFrames, test.ShouldHaveLength, 2)
	test.That(t, rec.KeyFrames[0].ID, test.ShouldEqual, root.ID)
	test.That(t, rec.KeyFrames[1].Parent, test.ShouldEqual, int64(root.ID))
	test.That(t, rec.KeyFrames[1].MapPoints, test.ShouldResemble, []int64{-1, 0})

	loaded := New()
	test.That(t, loaded.Restore(rec), test.ShouldBeNil)
	test.That(t, loaded.Generation(), test.ShouldEqual, uint64(1))
	kfs := loaded.KeyFrames()
	test.That(t, kfs, test.ShouldHaveLength, 2)
	test.That(t, kfs[1].ID, test.ShouldEqual, k2.ID)
	test.That(t, kfs[1].Parent().ID, test.ShouldEqual, root.ID)
	test.That(t, spatialmath.PoseAlmostEqual(kfs[1].Pose(), k2.Pose(), 1e-12), test.ShouldBeTrue)
	test.That(t, kfs[1].MapPoints()[1].Position(), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, loaded.MaxKeyFrameID(), test.ShouldEqual, uint64(2))

	var next *KeyFrame
	loaded.Mutate(func(mm MutableMap) { next = mm.NewKeyFrame(8, 1, spatialmath.NewZeroPose(), nil, nil) })
	test.That(t, next.ID, test.ShouldEqual, uint64(3))
}

func TestRestoreRejectsDanglingReferences(t *testing.T) {
	rec := &Record{KeyFrames: []KeyFrameRecord{{ID: 4, Parent: 9, Pose: NewPoseRecord(spatialmath.NewZeroPose())}}}
	err := New().Restore(rec)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "parent 9")

	rec = &Record{KeyFrames: []KeyFrameRecord{{
		ID: 0, Parent: -1, KeyPoints: kps(1), MapPoints: []int64{3},
		Pose: NewPoseRecord(spatialmath.NewZeroPose()),
	}}}
	err = New().Restore(rec)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown map point 3")
}
