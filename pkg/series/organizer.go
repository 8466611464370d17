// Package series groups the per-slice files of an acquisition folder into
// ordered echoes using each file's slice location.
package series

import (
	"errors"
	"fmt"
	"sort"

	"maskregistration/internal/models"
)

// ErrNoSeriesFound is returned when none of the files yields a slice location
var ErrNoSeriesFound = errors.New("no series found")

// LocationReader extracts the slice location of one acquisition file
type LocationReader interface {
	ReadSliceLocation(path string) (float64, error)
}

// LocationReaderFunc adapts a function to LocationReader
type LocationReaderFunc func(path string) (float64, error)

// ReadSliceLocation calls f(path)
func (f LocationReaderFunc) ReadSliceLocation(path string) (float64, error) {
	return f(path)
}

// Report describes the bucket structure found while organizing
type Report struct {
	// Files is the number of files whose slice location could be read
	Files int

	// Dropped is the number of files skipped because they could not be read
	Dropped int

	// Buckets is the number of distinct slice locations after repair
	Buckets int

	// Median is the median bucket length before repair
	Median float64

	// Anomalies is the number of buckets whose length differed from the median
	Anomalies int

	// Repaired is set when exactly two anomalous buckets were merged
	Repaired bool
}

// Unrepairable reports whether anomalous buckets were left as they were
func (r Report) Unrepairable() bool {
	return r.Anomalies > 0 && !r.Repaired
}

// bucket collects the files sharing one slice location, in input order
type bucket struct {
	location float64
	files    []string
}

// Organize groups files into echoes.
//
// Files are bucketed by slice location. When exactly two buckets differ in
// length from the median, the second is merged into the first; any other
// anomaly is left alone. The location-sorted buckets are then transposed so
// that echo idx holds the idx-th file of every bucket. The number of echoes
// is the length of the first bucket encountered, capped at the median bucket
// length when anomalies remain, so an oversized bucket does not open an echo
// of its own. Files beyond the cap are left out.
func Organize(files []string, reader LocationReader) ([]models.EchoSeries, Report, error) {
	var report Report

	var slices []models.SliceFile
	for _, f := range files {
		loc, err := reader.ReadSliceLocation(f)
		if err != nil {
			report.Dropped++
			continue
		}
		slices = append(slices, models.SliceFile{Path: f, SliceLocation: loc})
	}
	report.Files = len(slices)

	index := make(map[float64]int)
	var buckets []*bucket
	for _, s := range slices {
		if i, ok := index[s.SliceLocation]; ok {
			buckets[i].files = append(buckets[i].files, s.Path)
			continue
		}
		index[s.SliceLocation] = len(buckets)
		buckets = append(buckets, &bucket{location: s.SliceLocation, files: []string{s.Path}})
	}

	if len(buckets) == 0 {
		return nil, report, fmt.Errorf("%w: none of %d files has a readable slice location", ErrNoSeriesFound, len(files))
	}

	buckets = repairBuckets(buckets, &report)
	report.Buckets = len(buckets)

	numEchoes := len(buckets[0].files)
	if report.Unrepairable() && report.Median >= 1 && int(report.Median) < numEchoes {
		numEchoes = int(report.Median)
	}

	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].location < buckets[j].location
	})

	echoes := make([]models.EchoSeries, numEchoes)
	for _, b := range buckets {
		for idx := range echoes {
			// Short buckets leave the affected echoes one file short.
			if idx < len(b.files) {
				echoes[idx] = append(echoes[idx], b.files[idx])
			}
		}
	}

	return echoes, report, nil
}

// repairBuckets merges the second of exactly two anomalous buckets into the
// first. The buckets are in first-seen order.
func repairBuckets(buckets []*bucket, report *Report) []*bucket {
	lengths := make([]float64, len(buckets))
	for i, b := range buckets {
		lengths[i] = float64(len(b.files))
	}
	report.Median = median(lengths)

	var anomalous []int
	for i, l := range lengths {
		if l != report.Median {
			anomalous = append(anomalous, i)
		}
	}
	report.Anomalies = len(anomalous)

	if len(anomalous) != 2 {
		return buckets
	}

	first, second := anomalous[0], anomalous[1]
	buckets[first].files = append(buckets[first].files, buckets[second].files...)
	report.Repaired = true
	return append(buckets[:second], buckets[second+1:]...)
}

// median calculates the median value of a slice of float64 values
func median(values []float64) float64 {
	valuesCopy := make([]float64, len(values))
	copy(valuesCopy, values)
	sort.Float64s(valuesCopy)

	n := len(valuesCopy)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (valuesCopy[n/2-1] + valuesCopy[n/2]) / 2
	}
	return valuesCopy[n/2]
}
