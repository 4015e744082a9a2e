package main

import (
	"bufio"
	"context"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/orbslam/slam/fake"
	"go.viam.com/orbslam/spatialmath"
)

// frameEntry is one timestamped row of a dataset list. Paths holds one image for monocular input
// and two for stereo or RGB-D.
type frameEntry struct {
	Timestamp float64
	Paths     []string
}

// readTable returns the whitespace-separated rows of a TUM text file, skipping blank lines and
// # comments. Every row must have at least minFields fields.
func readTable(path string, minFields int) ([][]string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck
	defer f.Close()

	var rows [][]string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < minFields {
			return nil, errors.Errorf("%s:%d: expected %d fields, got %d", path, line, minFields, len(fields))
		}
		rows = append(rows, fields)
	}
	return rows, scanner.Err()
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readImageList reads an rgb.txt style list of "timestamp filename" rows. Filenames are relative
// to the list's directory.
func readImageList(path string) ([]frameEntry, error) {
	rows, err := readTable(path, 2)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	entries := make([]frameEntry, 0, len(rows))
	for _, row := range rows {
		ts, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad timestamp in %s", path)
		}
		entries = append(entries, frameEntry{Timestamp: ts, Paths: []string{filepath.Join(dir, row[1])}})
	}
	return entries, nil
}

// readAssociations reads "timestamp first timestamp second" rows, as produced by the TUM
// associate.py tool for RGB-D pairs. Stereo sequences use the same layout for left and right.
func readAssociations(path, datasetDir string) ([]frameEntry, error) {
	rows, err := readTable(path, 4)
	if err != nil {
		return nil, err
	}
	entries := make([]frameEntry, 0, len(rows))
	for _, row := range rows {
		ts, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad timestamp in %s", path)
		}
		entries = append(entries, frameEntry{
			Timestamp: ts,
			Paths:     []string{filepath.Join(datasetDir, row[1]), filepath.Join(datasetDir, row[3])},
		})
	}
	return entries, nil
}

// readGroundTruth reads "timestamp tx ty tz qx qy qz qw" rows of camera poses in the world frame.
func readGroundTruth(path string) ([]fake.TimedPose, error) {
	rows, err := readTable(path, 8)
	if err != nil {
		return nil, err
	}
	poses := make([]fake.TimedPose, 0, len(rows))
	for _, row := range rows {
		v, err := parseFloats(row[:8])
		if err != nil {
			return nil, errors.Wrapf(err, "bad ground truth row in %s", path)
		}
		poses = append(poses, fake.TimedPose{
			Timestamp: v[0],
			Pose: spatialmath.NewPose(
				r3.Vector{X: v[1], Y: v[2], Z: v[3]},
				quat.Number{Real: v[7], Imag: v[4], Jmag: v[5], Kmag: v[6]},
			),
		})
	}
	return poses, nil
}

// loadImages decodes the images of one frame concurrently.
func loadImages(ctx context.Context, paths []string) ([]image.Image, error) {
	images := make([]image.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := imaging.Open(p)
			if err != nil {
				return errors.Wrapf(err, "failed to load image at %s", p)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
