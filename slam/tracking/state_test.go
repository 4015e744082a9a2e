package tracking

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/orbslam/spatialmath"
)

func TestStateValues(t *testing.T) {
	test.That(t, int(NotReady), test.ShouldEqual, -1)
	test.That(t, int(NoImagesYet), test.ShouldEqual, 0)
	test.That(t, int(Lost), test.ShouldEqual, 3)
	test.That(t, Ok.String(), test.ShouldEqual, "Ok")
	test.That(t, State(42).String(), test.ShouldEqual, "Unknown")

	test.That(t, Ok.Initialized(), test.ShouldBeTrue)
	test.That(t, Lost.Initialized(), test.ShouldBeTrue)
	test.That(t, NotInitialized.Initialized(), test.ShouldBeFalse)
	test.That(t, NoImagesYet.Initialized(), test.ShouldBeFalse)
}

func TestParseSensor(t *testing.T) {
	for name, want := range map[string]Sensor{
		"mono":      Monocular,
		"MONOCULAR": Monocular,
		"stereo":    Stereo,
		"rgbd":      RGBD,
	} {
		s, err := ParseSensor(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, s, test.ShouldEqual, want)
	}
	_, err := ParseSensor("lidar")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "lidar")
	test.That(t, RGBD.String(), test.ShouldEqual, "rgbd")
}

func TestTrajectoryLog(t *testing.T) {
	var l TrajectoryLog
	_, ok := l.Last()
	test.That(t, ok, test.ShouldBeFalse)

	l.Append(TrajectoryEntry{Relative: spatialmath.NewZeroPose(), Timestamp: 1})
	l.Append(TrajectoryEntry{Relative: spatialmath.NewZeroPose(), Timestamp: 2, Lost: true})
	test.That(t, l.Lengths(), test.ShouldResemble, [4]int{2, 2, 2, 2})

	last, ok := l.Last()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Timestamp, test.ShouldEqual, 2.0)
	test.That(t, last.Lost, test.ShouldBeTrue)

	entries := l.Entries()
	entries[0].Timestamp = 99
	test.That(t, l.Entries()[0].Timestamp, test.ShouldEqual, 1.0)

	l.Clear()
	test.That(t, l.Len(), test.ShouldEqual, 0)
	test.That(t, l.Lengths(), test.ShouldResemble, [4]int{0, 0, 0, 0})
}
