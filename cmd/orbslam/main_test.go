package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.viam.com/test"

	"go.viam.com/orbslam/slam/fake"
	"go.viam.com/orbslam/slam/vocabulary"
)

const settingsYAML = `%YAML:1.0
Camera.fx: 517.3
Camera.fy: 516.5
Camera.fps: 30.0
ThDepth: 40.0
DepthMapFactor: 5000.0
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
}

// writeDataset lays out n frames of an RGB-D sequence moving along x, with matching ground truth.
func writeDataset(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	test.That(t, os.Mkdir(filepath.Join(dir, "rgb"), 0o700), test.ShouldBeNil)
	test.That(t, os.Mkdir(filepath.Join(dir, "depth"), 0o700), test.ShouldBeNil)

	var rgb, assoc, gt strings.Builder
	rgb.WriteString("# color images\n# timestamp filename\n")
	gt.WriteString("# ground truth trajectory\n")
	img := image.NewGray(image.Rect(0, 0, 8, 6))
	for i := 0; i < n; i++ {
		ts := 1305031102.0 + float64(i)*0.1
		name := fmt.Sprintf("%.6f.png", ts)
		test.That(t, imaging.Save(img, filepath.Join(dir, "rgb", name)), test.ShouldBeNil)
		test.That(t, imaging.Save(img, filepath.Join(dir, "depth", name)), test.ShouldBeNil)
		fmt.Fprintf(&rgb, "%.6f rgb/%s\n", ts, name)
		fmt.Fprintf(&assoc, "%.6f rgb/%s %.6f depth/%s\n", ts, name, ts, name)
		fmt.Fprintf(&gt, "%.4f %.4f 0.0 0.0 0.0 0.0 0.0 1.0\n", ts, 0.1*float64(i))
	}
	writeFile(t, filepath.Join(dir, "rgb.txt"), rgb.String())
	writeFile(t, filepath.Join(dir, "associations.txt"), assoc.String())
	writeFile(t, filepath.Join(dir, "groundtruth.txt"), gt.String())

	words := make([]vocabulary.Descriptor, fake.DefaultFeatures)
	for i := range words {
		words[i] = fake.Descriptor(i)
	}
	voc, err := vocabulary.NewFlat(words, nil)
	test.That(t, err, test.ShouldBeNil)
	var buf bytes.Buffer
	test.That(t, voc.WriteText(&buf), test.ShouldBeNil)
	writeFile(t, filepath.Join(dir, "ORBvoc.txt"), buf.String())
	writeFile(t, filepath.Join(dir, "TUM1.yaml"), settingsYAML)
	return dir
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestReadImageList(t *testing.T) {
	dir := writeDataset(t, 3)
	entries, err := readImageList(filepath.Join(dir, "rgb.txt"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 3)
	test.That(t, entries[1].Timestamp, test.ShouldAlmostEqual, 1305031102.1)
	test.That(t, entries[1].Paths, test.ShouldResemble, []string{filepath.Join(dir, "rgb", "1305031102.100000.png")})

	writeFile(t, filepath.Join(dir, "short.txt"), "1.0\n")
	_, err = readImageList(filepath.Join(dir, "short.txt"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "short.txt:1")

	_, err = readImageList(filepath.Join(dir, "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadAssociations(t *testing.T) {
	dir := writeDataset(t, 2)
	entries, err := readAssociations(filepath.Join(dir, "associations.txt"), dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)
	test.That(t, len(entries[0].Paths), test.ShouldEqual, 2)
	test.That(t, entries[0].Paths[1], test.ShouldStartWith, filepath.Join(dir, "depth"))

	images, err := loadImages(context.Background(), entries[0].Paths)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, images[0].Bounds().Dx(), test.ShouldEqual, 8)

	_, err = readAssociations(filepath.Join(dir, "rgb.txt"), dir)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadGroundTruth(t *testing.T) {
	dir := writeDataset(t, 3)
	poses, err := readGroundTruth(filepath.Join(dir, "groundtruth.txt"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(poses), test.ShouldEqual, 3)
	test.That(t, poses[2].Pose.Point().X, test.ShouldAlmostEqual, 0.2)
	test.That(t, poses[2].Pose.Quaternion().Real, test.ShouldAlmostEqual, 1)

	writeFile(t, filepath.Join(dir, "bad.txt"), "1.0 a b c d e f g\n")
	_, err = readGroundTruth(filepath.Join(dir, "bad.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunSavesAndReusesMap(t *testing.T) {
	dir := writeDataset(t, 5)
	out := t.TempDir()
	mapPath := filepath.Join(out, "map.bin")
	args := []string{
		"orbslam", "run",
		"--vocabulary", filepath.Join(dir, "ORBvoc.txt"),
		"--settings", filepath.Join(dir, "TUM1.yaml"),
		"--sensor", "rgbd",
		"--dataset", dir,
		"--associations", filepath.Join(dir, "associations.txt"),
		"--map", mapPath,
		"--output", out,
	}

	err := newApp().RunContext(context.Background(), append(args, "--save-map"))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(mapPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, countLines(t, filepath.Join(out, "CameraTrajectory.txt")), test.ShouldEqual, 5)
	test.That(t, countLines(t, filepath.Join(out, "CameraTrajectory_KITTI.txt")), test.ShouldEqual, 5)
	test.That(t, countLines(t, filepath.Join(out, "KeyFrameTrajectory.txt")), test.ShouldBeGreaterThan, 0)

	err = newApp().RunContext(context.Background(), append(args, "--localize-after", "2"))
	test.That(t, err, test.ShouldBeNil)
}

func TestRunRejectsBadInput(t *testing.T) {
	dir := writeDataset(t, 2)
	base := []string{
		"orbslam", "run",
		"--vocabulary", filepath.Join(dir, "ORBvoc.txt"),
		"--settings", filepath.Join(dir, "TUM1.yaml"),
		"--dataset", dir,
		"--output", t.TempDir(),
	}

	err := newApp().RunContext(context.Background(), append(base, "--sensor", "rgbd"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "association")

	err = newApp().RunContext(context.Background(), append(base, "--sensor", "lidar"))
	test.That(t, err, test.ShouldNotBeNil)

	badVoc := append([]string{}, base...)
	badVoc[3] = filepath.Join(dir, "ORBvoc.yaml")
	err = newApp().RunContext(context.Background(), append(badVoc, "--sensor", "mono"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "vocabulary")
}

func TestRunPacesFrames(t *testing.T) {
	dir := writeDataset(t, 3)
	args := []string{
		"orbslam", "run",
		"--vocabulary", filepath.Join(dir, "ORBvoc.txt"),
		"--settings", filepath.Join(dir, "TUM1.yaml"),
		"--sensor", "rgbd",
		"--dataset", dir,
		"--output", t.TempDir(),
		"--realtime",
	}

	start := time.Now()
	err := newApp().RunContext(context.Background(), append(args, "--associations", filepath.Join(dir, "associations.txt")))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, time.Since(start).Seconds(), test.ShouldBeGreaterThanOrEqualTo, 0.2)

	// repeated timestamps are paced at the camera rate from the settings file
	data, err := os.ReadFile(filepath.Join(dir, "associations.txt"))
	test.That(t, err, test.ShouldBeNil)
	var same strings.Builder
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		fmt.Fprintf(&same, "1305031102.000000 %s %s %s\n", fields[1], fields[2], fields[3])
	}
	writeFile(t, filepath.Join(dir, "same.txt"), same.String())

	start = time.Now()
	err = newApp().RunContext(context.Background(), append(args, "--associations", filepath.Join(dir, "same.txt")))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, time.Since(start).Seconds(), test.ShouldBeGreaterThanOrEqualTo, 0.06)
}
