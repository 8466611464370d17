// Package dicomio reads and writes the single-frame DICOM slices that make
// up an acquisition folder.
//
// Geometry follows the patient (LPS) coordinate system of the files: the
// volume origin is the ImagePositionPatient of the first file in the list,
// the x and y axes follow the row and column cosines of
// ImageOrientationPatient, and the z axis is their cross product. Callers
// that reverse the file list therefore get a different, mirrored grid.
package dicomio

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"maskregistration/internal/fileutil"
	"maskregistration/internal/logging"
	"maskregistration/internal/models"
)

// ExplicitVRLittleEndian is the transfer syntax of every file written here
const ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Codec implements slice listing, geometry and pixel reading, and template
// based slice writing
type Codec struct {
	// NumCores bounds the number of slices decoded concurrently
	NumCores int

	log *logrus.Entry
}

// NewCodec creates a codec using all available cores
func NewCodec() *Codec {
	return &Codec{
		NumCores: runtime.NumCPU(),
		log:      logging.For("dicomio"),
	}
}

// WithLogger replaces the codec's logger
func (c *Codec) WithLogger(log *logrus.Entry) *Codec {
	c.log = log
	return c
}

func (c *Codec) logger() *logrus.Entry {
	if c.log == nil {
		return logging.Discard()
	}
	return c.log
}

// ListFiles returns the regular files of folder in natural name order.
// Non-DICOM files are left for the readers to reject.
func (c *Codec) ListFiles(folder string) ([]string, error) {
	return fileutil.ListFiles(folder, "")
}

// ReadSliceLocation returns the SliceLocation attribute of one file
func (c *Codec) ReadSliceLocation(path string) (float64, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	loc, ok := floatValue(ds, tag.SliceLocation)
	if !ok {
		return 0, fmt.Errorf("%w: SliceLocation in %s", ErrMissingTag, path)
	}
	return loc, nil
}

// sliceHeader holds the attributes of one slice needed to place it
type sliceHeader struct {
	rows, cols int

	// rowSpacing is the distance between rows, colSpacing between columns
	rowSpacing, colSpacing float64

	rowCosine, colCosine [3]float64
	position             [3]float64
	hasPosition          bool

	thickness, between float64

	slope, intercept float64
}

func parseHeader(ds dicom.Dataset, path string) (sliceHeader, error) {
	h := sliceHeader{
		rowSpacing: 1,
		colSpacing: 1,
		rowCosine:  [3]float64{1, 0, 0},
		colCosine:  [3]float64{0, 1, 0},
		slope:      1,
	}

	var ok bool
	if h.rows, ok = intValue(ds, tag.Rows); !ok {
		return h, fmt.Errorf("%w: Rows in %s", ErrMissingTag, path)
	}
	if h.cols, ok = intValue(ds, tag.Columns); !ok {
		return h, fmt.Errorf("%w: Columns in %s", ErrMissingTag, path)
	}

	if ps, ok := floatValues(ds, tag.PixelSpacing); ok && len(ps) >= 2 {
		h.rowSpacing, h.colSpacing = ps[0], ps[1]
	}
	if iop, ok := floatValues(ds, tag.ImageOrientationPatient); ok && len(iop) >= 6 {
		copy(h.rowCosine[:], iop[0:3])
		copy(h.colCosine[:], iop[3:6])
	}
	if ipp, ok := floatValues(ds, tag.ImagePositionPatient); ok && len(ipp) >= 3 {
		copy(h.position[:], ipp[0:3])
		h.hasPosition = true
	}
	h.thickness, _ = floatValue(ds, tag.SliceThickness)
	h.between, _ = floatValue(ds, tag.SpacingBetweenSlices)
	if slope, ok := floatValue(ds, tag.RescaleSlope); ok && slope != 0 {
		h.slope = slope
	}
	h.intercept, _ = floatValue(ds, tag.RescaleIntercept)

	return h, nil
}

func readHeader(path string) (sliceHeader, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return sliceHeader{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return parseHeader(ds, path)
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// ReadGeometry derives the voxel grid of the files without decoding pixel
// data. The files are taken in the given order.
func (c *Codec) ReadGeometry(files []string) (models.GeometryFrame, error) {
	var geom models.GeometryFrame
	if len(files) == 0 {
		return geom, fmt.Errorf("cannot derive geometry from an empty file list")
	}

	first, err := readHeader(files[0])
	if err != nil {
		return geom, err
	}

	normal := cross(first.rowCosine, first.colCosine)
	for i := 0; i < 3; i++ {
		geom.Direction[i*3+0] = first.rowCosine[i]
		geom.Direction[i*3+1] = first.colCosine[i]
		geom.Direction[i*3+2] = normal[i]
	}
	geom.Origin = first.position
	geom.Size = [3]int{first.cols, first.rows, len(files)}
	geom.Spacing = [3]float64{first.colSpacing, first.rowSpacing, sliceSpacing(first)}

	if len(files) > 1 && first.hasPosition {
		second, err := readHeader(files[1])
		if err != nil {
			return geom, err
		}
		if second.hasPosition {
			var d float64
			for i := 0; i < 3; i++ {
				d += (second.position[i] - first.position[i]) * normal[i]
			}
			if d = math.Abs(d); d > 1e-6 {
				geom.Spacing[2] = d
			}
		}
	}

	c.logger().WithFields(logrus.Fields{"files": len(files), "frame": geom.String()}).Debug("Read series geometry")
	return geom, nil
}

// SortByPosition returns files ordered by ImagePositionPatient projected on
// the slice normal of the first file, lowest first. When a file has no
// position the list is returned in the given order.
func (c *Codec) SortByPosition(files []string) ([]string, error) {
	sorted := append([]string(nil), files...)
	if len(files) < 2 {
		return sorted, nil
	}

	distances := make(map[string]float64, len(files))
	var normal [3]float64
	for i, path := range files {
		h, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		if !h.hasPosition {
			c.logger().WithField("file", path).Debug("No ImagePositionPatient, keeping slice order")
			return sorted, nil
		}
		if i == 0 {
			normal = cross(h.rowCosine, h.colCosine)
		}
		var d float64
		for j := 0; j < 3; j++ {
			d += h.position[j] * normal[j]
		}
		distances[path] = d
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return distances[sorted[i]] < distances[sorted[j]]
	})
	return sorted, nil
}

// sliceSpacing is the z spacing used when slice positions cannot tell it
func sliceSpacing(h sliceHeader) float64 {
	switch {
	case h.between > 0:
		return h.between
	case h.thickness > 0:
		return h.thickness
	}
	return 1
}

// ReadSeries decodes the files into one intensity volume, slice k of the
// volume being files[k]. Rescale slope and intercept are applied.
func (c *Codec) ReadSeries(files []string) (*models.Volume, error) {
	geom, err := c.ReadGeometry(files)
	if err != nil {
		return nil, err
	}
	vol := models.NewVolume(geom)
	planeSize := geom.Size[0] * geom.Size[1]

	numCores := c.NumCores
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}

	var g errgroup.Group
	g.SetLimit(numCores)
	for k, path := range files {
		g.Go(func() error {
			return readPlane(path, geom.Size[1], geom.Size[0], vol.Data[k*planeSize:(k+1)*planeSize])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger().WithField("slices", len(files)).Debug("Decoded series")
	return vol, nil
}

// readPlane decodes the first frame of path into dst (row-major, columns
// fastest)
func readPlane(path string, rows, cols int, dst []float32) error {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	h, err := parseHeader(ds, path)
	if err != nil {
		return err
	}
	if h.rows != rows || h.cols != cols {
		return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrInconsistentSeries, path, h.rows, h.cols, rows, cols)
	}

	pixelElement, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return fmt.Errorf("%w: PixelData in %s", ErrMissingTag, path)
	}
	info := dicom.MustGetPixelDataInfo(pixelElement.Value)
	if len(info.Frames) == 0 {
		return fmt.Errorf("%w: no frames in %s", ErrMissingTag, path)
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return fmt.Errorf("%w: %s", ErrCompressedPixelData, path)
	}
	native, err := fr.GetNativeFrame()
	if err != nil {
		return fmt.Errorf("failed to read pixels of %s: %w", path, err)
	}
	if native.Rows() != rows || native.Cols() != cols {
		return fmt.Errorf("%w: frame of %s is %dx%d, expected %dx%d", ErrInconsistentSeries, path, native.Rows(), native.Cols(), rows, cols)
	}

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			px, err := native.GetPixel(x, y)
			if err != nil {
				return fmt.Errorf("failed to read pixel (%d,%d) of %s: %w", x, y, path, err)
			}
			dst[y*cols+x] = float32(float64(px[0])*h.slope + h.intercept)
		}
	}
	return nil
}

// replacedTags are regenerated by WriteSliceTemplate rather than copied
var replacedTags = map[tag.Tag]bool{
	tag.FileMetaInformationGroupLength: true,
	tag.TransferSyntaxUID:              true,
	tag.Rows:                           true,
	tag.Columns:                        true,
	tag.BitsAllocated:                  true,
	tag.BitsStored:                     true,
	tag.HighBit:                        true,
	tag.PixelRepresentation:            true,
	tag.SamplesPerPixel:                true,
	tag.PhotometricInterpretation:      true,
	tag.PlanarConfiguration:            true,
	tag.RescaleSlope:                   true,
	tag.RescaleIntercept:               true,
	tag.PixelData:                      true,
}

// WriteSliceTemplate writes out as a copy of template whose pixel data is
// replaced by plane (rows x cols, columns fastest) stored as unsigned 16-bit
// samples. Rescale attributes are removed so the stored values read back
// unchanged, and the file is written as Explicit VR Little Endian.
func (c *Codec) WriteSliceTemplate(template string, plane []uint16, rows, cols int, out string) error {
	if len(plane) != rows*cols {
		return fmt.Errorf("plane has %d pixels, expected %dx%d", len(plane), rows, cols)
	}

	ds, err := dicom.ParseFile(template, nil, dicom.SkipPixelData())
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", template, err)
	}

	elements := make([]*dicom.Element, 0, len(ds.Elements)+len(replacedTags))
	for _, el := range ds.Elements {
		if !replacedTags[el.Tag] {
			elements = append(elements, el)
		}
	}

	pixels, err := newElements(pixelElements(plane, rows, cols))
	if err != nil {
		return err
	}
	elements = append(elements, pixels...)

	return writeDataset(out, elements)
}

// pixelElements describes a native unsigned 16-bit monochrome frame
func pixelElements(plane []uint16, rows, cols int) []tagValue {
	nativeFrame := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
	copy(nativeFrame.RawData, plane)

	pixelDataInfo := dicom.PixelDataInfo{
		Frames: []*frame.Frame{
			{
				Encapsulated: false,
				NativeData:   nativeFrame,
			},
		},
	}

	return []tagValue{
		{tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}},
		{tag.Rows, []int{rows}},
		{tag.Columns, []int{cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{16}},
		{tag.HighBit, []int{15}},
		{tag.PixelRepresentation, []int{0}},
		{tag.SamplesPerPixel, []int{1}},
		{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
		{tag.PixelData, pixelDataInfo},
	}
}

// writeDataset sorts the elements and writes them to path
func writeDataset(path string, elements []*dicom.Element) error {
	sortElements(elements)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := dicom.Write(f, dicom.Dataset{Elements: elements}, dicom.SkipVRVerification()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
