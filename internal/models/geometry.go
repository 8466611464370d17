package models

import "fmt"

// GeometryFrame describes the placement of a voxel grid in physical space.
//
// Direction is stored row-major; column j holds the physical direction of
// voxel axis j. Orthonormality is assumed, not checked.
type GeometryFrame struct {
	// Origin is the physical position (mm) of the center of voxel (0,0,0)
	Origin [3]float64

	// Spacing is the voxel size along each index axis in mm
	Spacing [3]float64

	// Direction is the 3x3 direction cosine matrix
	Direction [9]float64

	// Size is the number of voxels along x (columns), y (rows) and z (slices)
	Size [3]int
}

// IdentityDirection is the direction matrix of an axis-aligned grid
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NumVoxels returns the number of voxels in the grid
func (f GeometryFrame) NumVoxels() int {
	return f.Size[0] * f.Size[1] * f.Size[2]
}

// WithUpsampledZ returns a copy of the frame with the z axis refined by
// factor: size multiplied, spacing divided, origin and direction unchanged
func (f GeometryFrame) WithUpsampledZ(factor int) GeometryFrame {
	out := f
	out.Size[2] = f.Size[2] * factor
	out.Spacing[2] = f.Spacing[2] / float64(factor)
	return out
}

func (f GeometryFrame) String() string {
	return fmt.Sprintf("size=%v spacing=%.4g origin=%.4g direction=%.4g",
		f.Size, f.Spacing, f.Origin, f.Direction)
}
