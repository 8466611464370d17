// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz) holding label maps.
//
// NIfTI stores geometry in the RAS+ world convention while DICOM uses LPS+.
// Frames returned by this package are in LPS, the way ITK-family readers
// report them, so that volumes from both codecs share one physical space.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"maskregistration/internal/models"
)

var (
	// ErrUnsupportedDataType is returned for voxel types that cannot be
	// converted to labels
	ErrUnsupportedDataType = errors.New("unsupported NIfTI data type")

	// ErrInvalidHeader is returned when the header is not a single-file
	// NIfTI-1 header
	ErrInvalidHeader = errors.New("invalid NIfTI-1 header")
)

// Header is the on-disk NIfTI-1 header.
//
// Type translation from the C definition:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8 / byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0"
}

const (
	headerSize   = 348
	dataOffset   = 352
	xformScanner = 1
	unitsMM      = 2
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// Data type codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// bytesPerVoxel returns the storage size of a data type, 0 when unsupported
func bytesPerVoxel(dataType int16) int {
	switch dataType {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	}
	return 0
}

// decodeHeader reads the header in whichever byte order gives the expected
// header size
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(b) < headerSize {
		return h, nil, fmt.Errorf("%w: %d bytes, expected at least %d", ErrInvalidHeader, len(b), headerSize)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if h.SizeOfHdr != headerSize {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
			return h, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
	}

	switch {
	case h.SizeOfHdr != headerSize:
		return h, nil, fmt.Errorf("%w: cannot infer byte order from header size", ErrInvalidHeader)
	case h.Magic != magicSingleFile:
		return h, nil, fmt.Errorf("%w: magic %q, data must be stored in the same file as the header", ErrInvalidHeader, h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return h, nil, fmt.Errorf("%w: dim[0] = %d", ErrInvalidHeader, h.Dim[0])
	}
	return h, order, nil
}

// Frame returns the voxel grid described by the header, in LPS. The sform is
// used when its code is set, otherwise the qform; with neither the grid is
// axis aligned at the world origin.
func (h Header) Frame() models.GeometryFrame {
	var f models.GeometryFrame
	for i := 0; i < 3; i++ {
		f.Size[i] = 1
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			f.Size[i] = int(h.Dim[i+1])
		}
		f.Spacing[i] = math.Abs(float64(h.PixDim[i+1]))
		if f.Spacing[i] == 0 {
			f.Spacing[i] = 1
		}
	}

	switch {
	case h.SFormCode > 0:
		rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
		for j := 0; j < 3; j++ {
			norm := math.Sqrt(sq(rows[0][j]) + sq(rows[1][j]) + sq(rows[2][j]))
			if norm == 0 {
				norm = 1
			}
			f.Spacing[j] = norm
			for i := 0; i < 3; i++ {
				f.Direction[i*3+j] = float64(rows[i][j]) / norm
			}
		}
		for i := 0; i < 3; i++ {
			f.Origin[i] = float64(rows[i][3])
		}
	case h.QFormCode > 0:
		r := quaternToRotation(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1
		}
		for i := 0; i < 3; i++ {
			f.Direction[i*3+0] = r[i][0]
			f.Direction[i*3+1] = r[i][1]
			f.Direction[i*3+2] = r[i][2] * qfac
		}
		f.Origin = [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}
	default:
		f.Direction = models.IdentityDirection
		return f
	}

	return rasToLPS(f)
}

func sq(v float32) float64 {
	return float64(v) * float64(v)
}

// rasToLPS negates the x and y world axes. The conversion is its own inverse.
func rasToLPS(f models.GeometryFrame) models.GeometryFrame {
	for j := 0; j < 3; j++ {
		f.Direction[0*3+j] = -f.Direction[0*3+j]
		f.Direction[1*3+j] = -f.Direction[1*3+j]
	}
	f.Origin[0] = -f.Origin[0]
	f.Origin[1] = -f.Origin[1]
	return f
}

// quaternToRotation builds the rotation matrix of the unit quaternion whose
// vector part is (b, c, d)
func quaternToRotation(b, c, d float64) [3][3]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
}

// rotationToQuatern returns the quaternion vector part and qfac of a direction
// matrix. A left-handed matrix gets qfac -1 and its third column flipped.
func rotationToQuatern(dir [9]float64) (b, c, d, qfac float64) {
	qfac = 1
	if mat.Det(mat.NewDense(3, 3, dir[:])) < 0 {
		qfac = -1
		dir[2], dir[5], dir[8] = -dir[2], -dir[5], -dir[8]
	}
	r11, r12, r13 := dir[0], dir[1], dir[2]
	r21, r22, r23 := dir[3], dir[4], dir[5]
	r31, r32, r33 := dir[6], dir[7], dir[8]

	var a float64
	if trace := r11 + r22 + r33 + 1; trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}

// newHeader builds a uint16 header for the frame. Descriptive fields of base,
// when given, are carried over.
func newHeader(f models.GeometryFrame, base *Header) Header {
	var h Header
	if base != nil {
		h.DimInfo = base.DimInfo
		h.IntentCode = base.IntentCode
		h.IntentName = base.IntentName
		h.Descrip = base.Descrip
		h.AuxFile = base.AuxFile
		h.XYZTUnits = base.XYZTUnits
	}
	if h.XYZTUnits == 0 {
		h.XYZTUnits = unitsMM
	}

	h.SizeOfHdr = headerSize
	h.Magic = magicSingleFile
	h.Dim = [8]int16{3, int16(f.Size[0]), int16(f.Size[1]), int16(f.Size[2]), 1, 1, 1, 1}
	h.DataType = dtUint16
	h.BitPix = 16
	h.VoxOffset = dataOffset
	h.SclSlope = 1

	ras := rasToLPS(f)
	b, c, d, qfac := rotationToQuatern(ras.Direction)
	h.PixDim = [8]float32{float32(qfac), float32(f.Spacing[0]), float32(f.Spacing[1]), float32(f.Spacing[2]), 1, 1, 1, 1}
	h.QFormCode = xformScanner
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = float32(ras.Origin[0]), float32(ras.Origin[1]), float32(ras.Origin[2])

	h.SFormCode = xformScanner
	rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = float32(ras.Direction[i*3+j] * f.Spacing[j])
		}
		rows[i][3] = float32(ras.Origin[i])
	}
	return h
}
