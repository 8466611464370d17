package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"maskregistration/internal/logging"
	"maskregistration/internal/models"
)

func testCodec() *Codec {
	return NewCodec().WithLogger(logging.Discard())
}

func frameAlmostEqual(a, b models.GeometryFrame, tol float64) bool {
	if a.Size != b.Size {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(a.Origin[i]-b.Origin[i]) > tol || math.Abs(a.Spacing[i]-b.Spacing[i]) > tol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(a.Direction[i]-b.Direction[i]) > tol {
			return false
		}
	}
	return true
}

func testLabels(frame models.GeometryFrame) *models.LabeledVolume {
	vol := models.NewLabeledVolume(frame)
	for i := range vol.Data {
		vol.Data[i] = uint16(i % 7)
	}
	vol.Data[len(vol.Data)-1] = 65535
	return vol
}

// writeRaw writes a header and voxel payload in the given byte order
func writeRaw(t *testing.T, path string, h Header, order binary.ByteOrder, data any) {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &h); err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}
	buf.Write([]byte{0, 0, 0, 0})
	if err := binary.Write(&buf, order, data); err != nil {
		t.Fatalf("Failed to encode data: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// TestWriteReadLabels verifies the label and geometry round trip
func TestWriteReadLabels(t *testing.T) {
	frames := []struct {
		name  string
		frame models.GeometryFrame
	}{
		{"axial", models.GeometryFrame{
			Origin:    [3]float64{-10, 20, 5},
			Spacing:   [3]float64{0.5, 0.75, 2},
			Direction: models.IdentityDirection,
			Size:      [3]int{4, 3, 5},
		}},
		{"coronal", models.GeometryFrame{
			Origin:    [3]float64{1, -2, 3},
			Spacing:   [3]float64{1, 1, 4},
			Direction: [9]float64{1, 0, 0, 0, 0, 1, 0, -1, 0},
			Size:      [3]int{2, 6, 3},
		}},
		{"oblique", models.GeometryFrame{
			Origin:    [3]float64{0, 0, 0},
			Spacing:   [3]float64{1, 2, 3},
			Direction: [9]float64{0.6, -0.8, 0, 0.8, 0.6, 0, 0, 0, 1},
			Size:      [3]int{3, 3, 3},
		}},
	}

	codec := testCodec()
	for _, tt := range frames {
		for _, name := range []string{"mask.nii", "mask.nii.gz"} {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), name)
				vol := testLabels(tt.frame)

				if err := codec.WriteLabels(path, vol); err != nil {
					t.Fatalf("WriteLabels failed: %v", err)
				}
				got, err := codec.ReadLabels(path)
				if err != nil {
					t.Fatalf("ReadLabels failed: %v", err)
				}

				if !frameAlmostEqual(got.Frame, vol.Frame, 1e-5) {
					t.Errorf("Expected frame %v, got %v", vol.Frame, got.Frame)
				}
				for i := range vol.Data {
					if got.Data[i] != vol.Data[i] {
						t.Fatalf("Voxel %d: expected %d, got %d", i, vol.Data[i], got.Data[i])
					}
				}
			})
		}
	}
}

// TestHeaderUsesRAS verifies the LPS to RAS conversion of the written affine
func TestHeaderUsesRAS(t *testing.T) {
	f := models.GeometryFrame{
		Origin:    [3]float64{-10, 20, 5},
		Spacing:   [3]float64{0.5, 0.75, 2},
		Direction: models.IdentityDirection,
		Size:      [3]int{1, 1, 1},
	}
	h := newHeader(f, nil)

	if h.SRowX != [4]float32{-0.5, 0, 0, 10} {
		t.Errorf("Unexpected srow_x %v", h.SRowX)
	}
	if h.SRowY != [4]float32{0, -0.75, 0, -20} {
		t.Errorf("Unexpected srow_y %v", h.SRowY)
	}
	if h.SRowZ != [4]float32{0, 0, 2, 5} {
		t.Errorf("Unexpected srow_z %v", h.SRowZ)
	}
	if h.DataType != dtUint16 || h.BitPix != 16 {
		t.Errorf("Expected uint16 data, got type %d bitpix %d", h.DataType, h.BitPix)
	}
}

// TestQFormFrame verifies geometry derived from the quaternion alone
func TestQFormFrame(t *testing.T) {
	frames := []models.GeometryFrame{
		{
			Origin:    [3]float64{3, -4, 5},
			Spacing:   [3]float64{1, 2, 3},
			Direction: [9]float64{0, 0, 1, 1, 0, 0, 0, 1, 0},
			Size:      [3]int{2, 2, 2},
		},
		{
			// Left-handed: needs qfac = -1
			Origin:    [3]float64{0, 0, 0},
			Spacing:   [3]float64{1, 1, 1},
			Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, -1},
			Size:      [3]int{2, 2, 2},
		},
		{
			// 180 degree rotation exercises the small trace branch
			Origin:    [3]float64{0, 0, 0},
			Spacing:   [3]float64{1, 1, 1},
			Direction: [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, -1},
			Size:      [3]int{2, 2, 2},
		},
	}

	for i, f := range frames {
		h := newHeader(f, nil)
		h.SFormCode = 0
		if got := h.Frame(); !frameAlmostEqual(got, f, 1e-5) {
			t.Errorf("Frame %d: expected %v, got %v", i, f, got)
		}
	}
}

// TestNoTransformFrame verifies the fallback when neither form is set
func TestNoTransformFrame(t *testing.T) {
	h := newHeader(models.GeometryFrame{
		Spacing: [3]float64{2, 2, 2},
		Size:    [3]int{2, 3, 4},
	}, nil)
	h.SFormCode = 0
	h.QFormCode = 0

	f := h.Frame()
	if f.Direction != models.IdentityDirection || f.Origin != [3]float64{} {
		t.Errorf("Expected axis aligned frame at the origin, got %v", f)
	}
	if f.Spacing != [3]float64{2, 2, 2} || f.Size != [3]int{2, 3, 4} {
		t.Errorf("Unexpected spacing or size %v", f)
	}
}

// TestReadScaledFloat verifies scl_slope handling and label rounding
func TestReadScaledFloat(t *testing.T) {
	f := models.GeometryFrame{Spacing: [3]float64{1, 1, 1}, Direction: models.IdentityDirection, Size: [3]int{4, 1, 1}}
	h := newHeader(f, nil)
	h.DataType = dtFloat32
	h.BitPix = 32
	h.SclSlope = 2
	h.SclInter = 1

	path := filepath.Join(t.TempDir(), "scaled.nii")
	writeRaw(t, path, h, binary.LittleEndian, []float32{-3, 0, 0.4, 2.1})

	codec := testCodec()
	vol, err := codec.ReadVolume(path)
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	want := []float32{-5, 1, 1.8, 5.2}
	for i := range want {
		if math.Abs(float64(vol.Data[i]-want[i])) > 1e-5 {
			t.Errorf("Voxel %d: expected %g, got %g", i, want[i], vol.Data[i])
		}
	}

	labels, err := codec.ReadLabels(path)
	if err != nil {
		t.Fatalf("ReadLabels failed: %v", err)
	}
	wantLabels := []uint16{0, 1, 2, 5}
	for i := range wantLabels {
		if labels.Data[i] != wantLabels[i] {
			t.Errorf("Label %d: expected %d, got %d", i, wantLabels[i], labels.Data[i])
		}
	}
}

// TestReadBigEndian verifies byte order detection
func TestReadBigEndian(t *testing.T) {
	f := models.GeometryFrame{Spacing: [3]float64{1, 1, 1}, Direction: models.IdentityDirection, Size: [3]int{3, 1, 1}}
	h := newHeader(f, nil)
	h.DataType = dtInt16
	h.BitPix = 16

	path := filepath.Join(t.TempDir(), "big.nii")
	writeRaw(t, path, h, binary.BigEndian, []int16{1, 300, -2})

	vol, err := testCodec().ReadVolume(path)
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	want := []float32{1, 300, -2}
	for i := range want {
		if vol.Data[i] != want[i] {
			t.Errorf("Voxel %d: expected %g, got %g", i, want[i], vol.Data[i])
		}
	}
}

// TestReadErrors covers unsupported types, bad magic and truncation
func TestReadErrors(t *testing.T) {
	f := models.GeometryFrame{Spacing: [3]float64{1, 1, 1}, Direction: models.IdentityDirection, Size: [3]int{2, 1, 1}}
	dir := t.TempDir()
	codec := testCodec()

	rgb := newHeader(f, nil)
	rgb.DataType = 128
	rgb.BitPix = 24
	rgbPath := filepath.Join(dir, "rgb.nii")
	writeRaw(t, rgbPath, rgb, binary.LittleEndian, make([]byte, 6))
	if _, err := codec.ReadLabels(rgbPath); !errors.Is(err, ErrUnsupportedDataType) {
		t.Errorf("Expected ErrUnsupportedDataType, got %v", err)
	}

	pair := newHeader(f, nil)
	pair.Magic = [4]byte{'n', 'i', '1', 0}
	pairPath := filepath.Join(dir, "pair.hdr")
	writeRaw(t, pairPath, pair, binary.LittleEndian, []uint16{1, 2})
	if _, err := codec.ReadLabels(pairPath); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader, got %v", err)
	}

	short := newHeader(f, nil)
	shortPath := filepath.Join(dir, "short.nii")
	writeRaw(t, shortPath, short, binary.LittleEndian, []uint16{1})
	if _, err := codec.ReadLabels(shortPath); err == nil {
		t.Error("Expected an error for truncated data")
	}

	if _, err := codec.ReadLabels(filepath.Join(dir, "missing.nii")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

// TestNormalize verifies the reload and resave pass
func TestNormalize(t *testing.T) {
	f := models.GeometryFrame{
		Origin:    [3]float64{1, 2, 3},
		Spacing:   [3]float64{1, 1, 2},
		Direction: models.IdentityDirection,
		Size:      [3]int{2, 2, 1},
	}
	h := newHeader(f, nil)
	h.DataType = dtInt32
	h.BitPix = 32
	copy(h.Descrip[:], "segmentation")

	dir := t.TempDir()
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.LittleEndian, &h); err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}
	raw.Write([]byte{0, 0, 0, 0})
	binary.Write(&raw, binary.LittleEndian, []int32{0, 4, 4, 9})

	plain := filepath.Join(dir, "mask.nii")
	if err := os.WriteFile(plain, raw.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	codec := testCodec()
	if err := codec.Normalize(plain); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	hdr, err := codec.ReadHeader(plain)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if hdr.DataType != dtUint16 {
		t.Errorf("Expected uint16 after normalize, got %d", hdr.DataType)
	}
	if string(bytes.TrimRight(hdr.Descrip[:], "\x00")) != "segmentation" {
		t.Errorf("Expected description to be kept, got %q", hdr.Descrip[:])
	}

	labels, err := codec.ReadLabels(plain)
	if err != nil {
		t.Fatalf("ReadLabels failed: %v", err)
	}
	for i, want := range []uint16{0, 4, 4, 9} {
		if labels.Data[i] != want {
			t.Errorf("Voxel %d: expected %d, got %d", i, want, labels.Data[i])
		}
	}
	if !frameAlmostEqual(labels.Frame, f, 1e-6) {
		t.Errorf("Expected frame %v, got %v", f, labels.Frame)
	}

	// Gzipped files normalize in place too
	path := filepath.Join(dir, "mask.nii.gz")
	if err := codec.WriteLabels(path, labels); err != nil {
		t.Fatalf("WriteLabels failed: %v", err)
	}
	if err := codec.Normalize(path); err != nil {
		t.Fatalf("Normalize of gzipped file failed: %v", err)
	}
	again, err := codec.ReadLabels(path)
	if err != nil {
		t.Fatalf("ReadLabels failed: %v", err)
	}
	for i := range labels.Data {
		if again.Data[i] != labels.Data[i] {
			t.Errorf("Voxel %d changed after normalize", i)
		}
	}
}
