package worldmap

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/orbslam/spatialmath"
)

type trailer struct {
	Words map[uint32][]uint64 `cbor:"words"`
}

func TestEncodeDecodeConsecutiveItems(t *testing.T) {
	m := New()
	_, _, k2 := chain(t, m)
	m.Mutate(func(mm MutableMap) {
		mp := mm.AddMapPoint(r3.Vector{X: 4})
		test.That(t, mm.AddObservation(k2, 0, mp), test.ShouldBeNil)
	})

	var buf bytes.Buffer
	in := trailer{Words: map[uint32][]uint64{7: {0, 2}}}
	test.That(t, Encode(&buf, m.Snapshot(), in), test.ShouldBeNil)

	var out trailer
	rec, err := Decode(&buf, &out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, in)
	test.That(t, rec.KeyFrames, test.ShouldHaveLength, 3)
	test.That(t, rec.KeyFrames[2].Descriptors, test.ShouldResemble, k2.Descriptors)
	test.That(t, rec.KeyFrames[2].MapPoints, test.ShouldResemble, []int64{0, -1})
	test.That(t, spatialmath.PoseAlmostEqual(rec.KeyFrames[2].Pose.Pose(), k2.Pose(), 1e-12), test.ShouldBeTrue)
	test.That(t, buf.Len(), test.ShouldEqual, 0)
}

func TestReadFileAbsent(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.bin"))
	test.That(t, errors.Is(err, ErrMapFileAbsent), test.ShouldBeTrue)
}

func TestWriteReadFile(t *testing.T) {
	m := New()
	chain(t, m)
	path := filepath.Join(t.TempDir(), "map.bin")
	test.That(t, WriteFile(path, m.Snapshot()), test.ShouldBeNil)

	rec, err := ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	loaded := New()
	test.That(t, loaded.Restore(rec), test.ShouldBeNil)
	test.That(t, loaded.KeyFramesInMap(), test.ShouldEqual, 3)

	err = WriteFile(filepath.Join(t.TempDir(), "no", "such", "dir.bin"), rec)
	test.That(t, err, test.ShouldNotBeNil)
}
