package dicomio

import "errors"

var (
	// ErrCompressedPixelData is returned when a slice stores encapsulated
	// (compressed) pixel data, which is not decoded
	ErrCompressedPixelData = errors.New("compressed pixel data is not supported")

	// ErrMissingTag is returned when a required attribute is absent
	ErrMissingTag = errors.New("missing DICOM attribute")

	// ErrInconsistentSeries is returned when the slices of one series do not
	// share the same raster
	ErrInconsistentSeries = errors.New("inconsistent series")
)
