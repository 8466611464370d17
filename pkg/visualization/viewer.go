// Package visualization renders slices of intensity volumes as PNG images,
// optionally with a translucent label overlay.
package visualization

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"maskregistration/internal/models"
)

// DefaultAlpha is the overlay opacity used when none is configured
const DefaultAlpha = 0.4

// LabelColors are cycled through by label id: label l uses entry (l-1) mod 10
var LabelColors = []color.RGBA{
	{255, 0, 0, 255},   // Red
	{0, 255, 0, 255},   // Green
	{0, 0, 255, 255},   // Blue
	{255, 255, 0, 255}, // Yellow
	{255, 0, 255, 255}, // Magenta
	{0, 255, 255, 255}, // Cyan
	{255, 128, 0, 255}, // Orange
	{128, 0, 255, 255}, // Purple
	{0, 255, 128, 255}, // Spring Green
	{255, 0, 128, 255}, // Rose
}

// ColorFor returns the overlay color of a label
func ColorFor(label uint16) color.RGBA {
	return LabelColors[(int(label)-1)%len(LabelColors)]
}

// Viewer extracts displayable slices from a volume
type Viewer struct {
	// volume holds the intensities to display
	volume *models.Volume

	// labels is the optional overlay, on the same grid as volume
	labels *models.LabeledVolume

	// alpha is the overlay opacity in [0, 1]
	alpha float64
}

// NewViewer creates a viewer. labels may be nil; when given it must share
// the volume's size.
func NewViewer(volume *models.Volume, labels *models.LabeledVolume, alpha float64) (*Viewer, error) {
	if labels != nil && labels.Frame.Size != volume.Frame.Size {
		return nil, fmt.Errorf("overlay size %v does not match volume size %v", labels.Frame.Size, volume.Frame.Size)
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be within [0, 1], got %g", alpha)
	}
	return &Viewer{volume: volume, labels: labels, alpha: alpha}, nil
}

// plane lists the voxel indices of one slice, row-major
type plane struct {
	width, height int
	index         []int
}

func (v *Viewer) plane(axis string, position int) (plane, error) {
	if position < 0 {
		return plane{}, fmt.Errorf("position must be non-negative")
	}
	nx, ny, nz := v.volume.Frame.Size[0], v.volume.Frame.Size[1], v.volume.Frame.Size[2]

	var p plane
	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= nx {
			return p, fmt.Errorf("position %d exceeds width %d", position, nx)
		}
		p = plane{width: nz, height: ny}
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				p.index = append(p.index, v.volume.Index(position, y, z))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= ny {
			return p, fmt.Errorf("position %d exceeds height %d", position, ny)
		}
		p = plane{width: nx, height: nz}
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				p.index = append(p.index, v.volume.Index(x, position, z))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= nz {
			return p, fmt.Errorf("position %d exceeds depth %d", position, nz)
		}
		p = plane{width: nx, height: ny}
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				p.index = append(p.index, v.volume.Index(x, y, position))
			}
		}

	default:
		return p, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return p, nil
}

// ExtractSlice renders a slice along the given axis. Intensities are windowed
// to the slice's 1st and 99th percentiles; labelled pixels are blended with
// their label color.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	p, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}

	values := make([]float64, len(p.index))
	for i, idx := range p.index {
		values[i] = float64(v.volume.Data[idx])
	}
	gray := Normalize(values)

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for i, idx := range p.index {
		g := float64(gray[i])
		r, gr, b := g, g, g
		if v.labels != nil {
			if lbl := v.labels.Data[idx]; lbl > 0 {
				c := ColorFor(lbl)
				r = (1-v.alpha)*r + v.alpha*float64(c.R)
				gr = (1-v.alpha)*gr + v.alpha*float64(c.G)
				b = (1-v.alpha)*b + v.alpha*float64(c.B)
			}
		}
		img.SetRGBA(i%p.width, i/p.width, color.RGBA{R: uint8(r), G: uint8(gr), B: uint8(b), A: 255})
	}
	return img, nil
}

// Normalize maps values to 0..255 after clipping them to their 1st and 99th
// percentiles
func Normalize(values []float64) []uint8 {
	out := make([]uint8, len(values))
	if len(values) == 0 {
		return out
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	lo := stat.Quantile(0.01, stat.LinInterp, sorted, nil)
	hi := stat.Quantile(0.99, stat.LinInterp, sorted, nil)

	for i, v := range values {
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		out[i] = uint8((v - lo) / (hi - lo + 1e-8) * 255)
	}
	return out
}

// EncodePNG returns the PNG encoding of img
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderSlice is ExtractSlice along z followed by EncodePNG
func (v *Viewer) RenderSlice(position int) ([]byte, error) {
	img, err := v.ExtractSlice("z", position)
	if err != nil {
		return nil, err
	}
	return EncodePNG(img)
}

// SaveSlice renders one slice along axis and writes it to filename as PNG
func (v *Viewer) SaveSlice(axis string, position int, filename string) error {
	img, err := v.ExtractSlice(axis, position)
	if err != nil {
		return err
	}
	data, err := EncodePNG(img)
	if err != nil {
		return fmt.Errorf("failed to encode slice %d: %w", position, err)
	}
	return os.WriteFile(filename, data, 0644)
}

// Slices returns the number of slices along axis
func (v *Viewer) Slices(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.volume.Frame.Size[0], nil
	case "y":
		return v.volume.Frame.Size[1], nil
	case "z":
		return v.volume.Frame.Size[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSliceSequence writes every slice along axis into outputDir as
// slice_<axis>_<position>.png and returns the files in slice order
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	n, err := v.Slices(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	axis = strings.ToLower(axis)
	files := make([]string, 0, n)
	for pos := 0; pos < n; pos++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(axis, pos, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
