// Package maskenc turns a label mask into a pseudo-acquisition: one DICOM
// file per mask plane, each a copy of the matching source slice with its
// pixels replaced by the labels.
package maskenc

import (
	"errors"
	"fmt"
	"path/filepath"

	"maskregistration/internal/fileutil"
	"maskregistration/internal/logging"
	"maskregistration/internal/models"
)

var (
	// ErrShapeMismatch is returned when a mask plane does not fit the raster
	// of the source slices
	ErrShapeMismatch = errors.New("mask shape does not match the source raster")

	// ErrNoTemplates is returned when the source folder holds no .dcm files
	ErrNoTemplates = errors.New("no source slices found")
)

// TemplateCodec reads the raster of the source slices and writes the
// label planes into copies of them
type TemplateCodec interface {
	ReadGeometry(files []string) (models.GeometryFrame, error)
	WriteSliceTemplate(template string, plane []uint16, rows, cols int, out string) error
}

// Report describes how many planes were encoded
type Report struct {
	// SourceFiles is the number of .dcm files in the source folder
	SourceFiles int

	// MaskSlices is the number of planes along the mask's third axis
	MaskSlices int

	// Written is the number of files created
	Written int
}

// Truncated reports whether the source slice count and the mask plane count
// differ, in which case the extra files or planes were ignored
func (r Report) Truncated() bool {
	return r.SourceFiles != r.MaskSlices
}

// Encode writes plane k of mask into a copy of the k-th source slice.
//
// Source slices are the .dcm files of sourceFolder in natural name order.
// The mask's first axis runs along the template columns and its second along
// the rows, so the pixel at (row r, column c) of file k is mask[c, r, k].
// Encoding stops at whichever of the file list and the mask planes ends
// first. Output files keep the source base names inside outDir.
func Encode(sourceFolder string, mask *models.LabeledVolume, outDir string, codec TemplateCodec) (Report, error) {
	log := logging.For("maskenc")
	report := Report{MaskSlices: mask.Frame.Size[2]}

	if err := mask.Validate(); err != nil {
		return report, err
	}

	files, err := fileutil.ListFiles(sourceFolder, ".dcm")
	if err != nil {
		return report, err
	}
	report.SourceFiles = len(files)
	if len(files) == 0 {
		return report, fmt.Errorf("%w in %s", ErrNoTemplates, sourceFolder)
	}

	raster, err := codec.ReadGeometry(files[:1])
	if err != nil {
		return report, fmt.Errorf("failed to read source raster: %w", err)
	}
	cols, rows := raster.Size[0], raster.Size[1]
	if mask.Frame.Size[0] != cols || mask.Frame.Size[1] != rows {
		return report, fmt.Errorf("%w: mask planes are %dx%d, source slices are %d columns x %d rows",
			ErrShapeMismatch, mask.Frame.Size[0], mask.Frame.Size[1], cols, rows)
	}

	planeSize := rows * cols
	for k, f := range files {
		if k >= report.MaskSlices {
			break
		}
		// Flat storage is x fastest, so plane k is already row-major with
		// the mask's first axis as columns
		plane := mask.Data[k*planeSize : (k+1)*planeSize]
		out := filepath.Join(outDir, filepath.Base(f))
		if err := codec.WriteSliceTemplate(f, plane, rows, cols, out); err != nil {
			return report, fmt.Errorf("failed to encode plane %d: %w", k, err)
		}
		report.Written++
	}

	log.WithField("written", report.Written).
		WithField("sourceFiles", report.SourceFiles).
		WithField("maskSlices", report.MaskSlices).
		Debug("Encoded mask planes")
	return report, nil
}
