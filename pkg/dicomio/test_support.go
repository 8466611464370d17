package dicomio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TestSeries describes a synthetic acquisition written by WriteTestSeries
type TestSeries struct {
	Rows, Cols int

	// Slices is the number of distinct slice locations
	Slices int

	// Echoes is the number of files sharing each location (at least 1)
	Echoes int

	// PixelSpacing is (row spacing, column spacing) in mm
	PixelSpacing [2]float64

	// SliceSpacing is the distance between consecutive locations in mm
	SliceSpacing float64

	// Origin is the ImagePositionPatient of the first location
	Origin [3]float64

	// Orientation holds the row and column cosines. Zero means axial.
	Orientation [6]float64

	// RescaleSlope and RescaleIntercept are written when the slope is not 0
	RescaleSlope, RescaleIntercept float64

	// Pixel returns the stored value of one pixel. Nil writes zeros.
	Pixel func(echo, slice, row, col int) uint16

	// Prefix is prepended to the generated file names
	Prefix string

	// DescendingLocation writes SliceLocation decreasing along the slice
	// normal, as some scanners do
	DescendingLocation bool
}

// WriteTestSeries writes the series into dir, one file per (slice, echo),
// named so that natural order interleaves echoes within each location. It
// returns the paths in that order.
func WriteTestSeries(dir string, s TestSeries) ([]string, error) {
	if s.Echoes < 1 {
		s.Echoes = 1
	}
	if s.Orientation == [6]float64{} {
		s.Orientation = [6]float64{1, 0, 0, 0, 1, 0}
	}
	if s.PixelSpacing == [2]float64{} {
		s.PixelSpacing = [2]float64{1, 1}
	}
	if s.SliceSpacing == 0 {
		s.SliceSpacing = 1
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var row, col [3]float64
	copy(row[:], s.Orientation[0:3])
	copy(col[:], s.Orientation[3:6])
	normal := cross(row, col)

	var paths []string
	for slice := 0; slice < s.Slices; slice++ {
		var position [3]float64
		var location float64
		for i := 0; i < 3; i++ {
			position[i] = s.Origin[i] + float64(slice)*s.SliceSpacing*normal[i]
			location += position[i] * normal[i]
		}
		if s.DescendingLocation {
			location = -location
		}

		for echo := 0; echo < s.Echoes; echo++ {
			n := slice*s.Echoes + echo + 1
			path := filepath.Join(dir, fmt.Sprintf("%sIM%d.dcm", s.Prefix, n))

			plane := make([]uint16, s.Rows*s.Cols)
			if s.Pixel != nil {
				for r := 0; r < s.Rows; r++ {
					for c := 0; c < s.Cols; c++ {
						plane[r*s.Cols+c] = s.Pixel(echo, slice, r, c)
					}
				}
			}

			pairs := []tagValue{
				{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}},
				{tag.MediaStorageSOPInstanceUID, []string{fmt.Sprintf("1.2.826.0.1.3680043.2.1125.%d", n)}},
				{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}},
				{tag.SOPInstanceUID, []string{fmt.Sprintf("1.2.826.0.1.3680043.2.1125.%d", n)}},
				{tag.Modality, []string{"MR"}},
				{tag.SeriesInstanceUID, []string{"1.2.826.0.1.3680043.2.1125.1"}},
				{tag.InstanceNumber, []string{fmt.Sprintf("%d", n)}},
				{tag.EchoNumbers, []string{fmt.Sprintf("%d", echo+1)}},
				{tag.SliceThickness, []string{formatDS(s.SliceSpacing)}},
				{tag.PixelSpacing, formatDSList(s.PixelSpacing[0], s.PixelSpacing[1])},
				{tag.ImagePositionPatient, formatDSList(position[0], position[1], position[2])},
				{tag.ImageOrientationPatient, formatDSList(s.Orientation[:]...)},
				{tag.SliceLocation, []string{formatDS(location)}},
			}
			if s.RescaleSlope != 0 {
				pairs = append(pairs,
					tagValue{tag.RescaleSlope, []string{formatDS(s.RescaleSlope)}},
					tagValue{tag.RescaleIntercept, []string{formatDS(s.RescaleIntercept)}},
				)
			}
			pairs = append(pairs, pixelElements(plane, s.Rows, s.Cols)...)

			elements, err := newElements(pairs)
			if err != nil {
				return nil, err
			}
			if err := writeDataset(path, elements); err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// MustWriteTestSeries is WriteTestSeries for tests that cannot continue on
// failure
func MustWriteTestSeries(dir string, s TestSeries) []string {
	paths, err := WriteTestSeries(dir, s)
	if err != nil {
		panic(err)
	}
	return paths
}

// ReadTestPixels returns the stored pixel values of the first frame of path
// (rows x cols, columns fastest) without rescaling
func ReadTestPixels(path string) ([]uint16, int, int, error) {
	h, err := readHeader(path)
	if err != nil {
		return nil, 0, 0, err
	}
	buf := make([]float32, h.rows*h.cols)
	if err := readPlane(path, h.rows, h.cols, buf); err != nil {
		return nil, 0, 0, err
	}
	out := make([]uint16, len(buf))
	for i, v := range buf {
		out[i] = uint16(math.Round((float64(v) - h.intercept) / h.slope))
	}
	return out, h.rows, h.cols, nil
}
