package maskenc

import (
	"errors"
	"path/filepath"
	"testing"

	"maskregistration/internal/fileutil"
	"maskregistration/internal/logging"
	"maskregistration/internal/models"
	"maskregistration/pkg/dicomio"
)

func writeSource(t *testing.T, rows, cols, slices int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "source")
	if _, err := dicomio.WriteTestSeries(dir, dicomio.TestSeries{
		Rows: rows, Cols: cols, Slices: slices,
		PixelSpacing: [2]float64{0.5, 0.5},
		SliceSpacing: 2,
		Pixel:        func(echo, slice, row, col int) uint16 { return 1000 },
	}); err != nil {
		t.Fatalf("WriteTestSeries failed: %v", err)
	}
	return dir
}

func makeMask(cols, rows, slices int) *models.LabeledVolume {
	mask := models.NewLabeledVolume(models.GeometryFrame{
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
		Size:      [3]int{cols, rows, slices},
	})
	for k := 0; k < slices; k++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				mask.Set(c, r, k, uint16(c+10*r+100*k))
			}
		}
	}
	return mask
}

// TestEncodeRoundTrip verifies that reading the pseudo-acquisition back
// reproduces the mask on the source geometry
func TestEncodeRoundTrip(t *testing.T) {
	source := writeSource(t, 3, 4, 5)
	out := t.TempDir()
	codec := dicomio.NewCodec().WithLogger(logging.Discard())
	mask := makeMask(4, 3, 5)

	report, err := Encode(source, mask, out, codec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if report.Written != 5 || report.Truncated() {
		t.Errorf("Unexpected report %+v", report)
	}

	// Pixel (row r, column c) of file k holds mask[c, r, k]
	pixels, rows, cols, err := dicomio.ReadTestPixels(filepath.Join(out, "IM3.dcm"))
	if err != nil {
		t.Fatalf("ReadTestPixels failed: %v", err)
	}
	if rows != 3 || cols != 4 {
		t.Fatalf("Expected 3 rows x 4 columns, got %dx%d", rows, cols)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if got, want := pixels[r*cols+c], mask.At(c, r, 2); got != want {
				t.Errorf("Pixel (r=%d,c=%d): expected %d, got %d", r, c, want, got)
			}
		}
	}

	files, err := fileutil.ListFiles(out, ".dcm")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	vol, err := codec.ReadSeries(files)
	if err != nil {
		t.Fatalf("ReadSeries failed: %v", err)
	}
	srcFiles, _ := fileutil.ListFiles(source, ".dcm")
	srcFrame, err := codec.ReadGeometry(srcFiles)
	if err != nil {
		t.Fatalf("ReadGeometry failed: %v", err)
	}
	if vol.Frame != srcFrame {
		t.Errorf("Expected source geometry %v, got %v", srcFrame, vol.Frame)
	}

	labels := vol.Labels()
	for i := range mask.Data {
		if labels.Data[i] != mask.Data[i] {
			t.Fatalf("Voxel %d: expected %d, got %d", i, mask.Data[i], labels.Data[i])
		}
	}
}

// fakeCodec records writes without touching the file system
type fakeCodec struct {
	rows, cols int
	written    []string
	fail       error
}

func (f *fakeCodec) ReadGeometry(files []string) (models.GeometryFrame, error) {
	return models.GeometryFrame{Size: [3]int{f.cols, f.rows, len(files)}}, nil
}

func (f *fakeCodec) WriteSliceTemplate(template string, plane []uint16, rows, cols int, out string) error {
	if f.fail != nil {
		return f.fail
	}
	f.written = append(f.written, filepath.Base(out))
	return nil
}

// TestEncodeTruncation verifies that encoding stops at the shorter side
func TestEncodeTruncation(t *testing.T) {
	source := writeSource(t, 2, 2, 4)

	tests := []struct {
		name      string
		slices    int
		written   int
		truncated bool
	}{
		{"fewer mask planes", 2, 2, true},
		{"matching", 4, 4, false},
		{"more mask planes", 6, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := &fakeCodec{rows: 2, cols: 2}
			report, err := Encode(source, makeMask(2, 2, tt.slices), t.TempDir(), codec)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if report.Written != tt.written || len(codec.written) != tt.written {
				t.Errorf("Expected %d files written, got %d", tt.written, report.Written)
			}
			if report.Truncated() != tt.truncated {
				t.Errorf("Expected truncated=%v, got %+v", tt.truncated, report)
			}
			if codec.written[0] != "IM1.dcm" {
				t.Errorf("Expected natural order starting at IM1.dcm, got %v", codec.written)
			}
		})
	}
}

// TestEncodeShapeMismatch verifies the axis check against the template raster
func TestEncodeShapeMismatch(t *testing.T) {
	source := writeSource(t, 3, 4, 2)
	codec := &fakeCodec{rows: 3, cols: 4}

	// Rows and columns swapped
	_, err := Encode(source, makeMask(3, 4, 2), t.TempDir(), codec)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
	if len(codec.written) != 0 {
		t.Errorf("Expected no files written, got %v", codec.written)
	}
}

// TestEncodeErrors covers an empty source folder and writer failures
func TestEncodeErrors(t *testing.T) {
	_, err := Encode(t.TempDir(), makeMask(2, 2, 1), t.TempDir(), &fakeCodec{rows: 2, cols: 2})
	if !errors.Is(err, ErrNoTemplates) {
		t.Errorf("Expected ErrNoTemplates, got %v", err)
	}

	source := writeSource(t, 2, 2, 2)
	boom := errors.New("disk full")
	_, err = Encode(source, makeMask(2, 2, 2), t.TempDir(), &fakeCodec{rows: 2, cols: 2, fail: boom})
	if !errors.Is(err, boom) {
		t.Errorf("Expected the writer error, got %v", err)
	}
}
