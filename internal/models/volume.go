package models

import "fmt"

// Volume is a scalar intensity volume stored as a flat array with x fastest:
// idx = z*nx*ny + y*nx + x
type Volume struct {
	Data  []float32
	Frame GeometryFrame
}

// NewVolume allocates a zero-filled volume on the given grid
func NewVolume(frame GeometryFrame) *Volume {
	return &Volume{
		Data:  make([]float32, frame.NumVoxels()),
		Frame: frame,
	}
}

// Index returns the flat array position of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Frame.Size[0]*v.Frame.Size[1] + y*v.Frame.Size[0] + x
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Index(x, y, z)]
}

// Labels rounds the intensities to label ids. Negative values become
// background and values above the uint16 range saturate.
func (v *Volume) Labels() *LabeledVolume {
	out := NewLabeledVolume(v.Frame)
	for i, val := range v.Data {
		switch {
		case val <= 0:
			out.Data[i] = 0
		case val >= 65535:
			out.Data[i] = 65535
		default:
			out.Data[i] = uint16(val + 0.5)
		}
	}
	return out
}

// LabeledVolume holds label ids (0 = background) on a voxel grid, laid out
// like Volume
type LabeledVolume struct {
	Data  []uint16
	Frame GeometryFrame
}

// NewLabeledVolume allocates an all-background label volume
func NewLabeledVolume(frame GeometryFrame) *LabeledVolume {
	return &LabeledVolume{
		Data:  make([]uint16, frame.NumVoxels()),
		Frame: frame,
	}
}

// Index returns the flat array position of voxel (x, y, z)
func (l *LabeledVolume) Index(x, y, z int) int {
	return z*l.Frame.Size[0]*l.Frame.Size[1] + y*l.Frame.Size[0] + x
}

// At returns the label at voxel (x, y, z)
func (l *LabeledVolume) At(x, y, z int) uint16 {
	return l.Data[l.Index(x, y, z)]
}

// Set assigns a label to voxel (x, y, z)
func (l *LabeledVolume) Set(x, y, z int, label uint16) {
	l.Data[l.Index(x, y, z)] = label
}

// Validate checks that the data length matches the frame size
func (l *LabeledVolume) Validate() error {
	if len(l.Data) != l.Frame.NumVoxels() {
		return fmt.Errorf("label data has %d voxels, frame %v expects %d",
			len(l.Data), l.Frame.Size, l.Frame.NumVoxels())
	}
	return nil
}

// Clone returns a deep copy
func (l *LabeledVolume) Clone() *LabeledVolume {
	data := make([]uint16, len(l.Data))
	copy(data, l.Data)
	return &LabeledVolume{Data: data, Frame: l.Frame}
}

// Float converts the labels to an intensity volume for resampling
func (l *LabeledVolume) Float() *Volume {
	out := NewVolume(l.Frame)
	for i, lbl := range l.Data {
		out.Data[i] = float32(lbl)
	}
	return out
}

// Stats returns the number of distinct non-background labels and the number
// of non-background voxels
func (l *LabeledVolume) Stats() (labels int, voxels int) {
	seen := make(map[uint16]struct{})
	for _, lbl := range l.Data {
		if lbl == 0 {
			continue
		}
		voxels++
		seen[lbl] = struct{}{}
	}
	return len(seen), voxels
}

// LabelSet returns the distinct non-background labels in ascending order
func (l *LabeledVolume) LabelSet() []uint16 {
	var present [65536]bool
	for _, lbl := range l.Data {
		present[lbl] = true
	}
	var out []uint16
	for lbl := 1; lbl < len(present); lbl++ {
		if present[lbl] {
			out = append(out, uint16(lbl))
		}
	}
	return out
}
