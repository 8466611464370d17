// Package spatial compares the physical extents and orientations of two
// voxel grids. All functions are pure.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"maskregistration/internal/models"
)

// Bounds is the axis-aligned extent of a grid measured from its origin.
// Direction is ignored, so oblique grids get an approximate box.
type Bounds struct {
	Min     [3]float64 `json:"min"`
	Max     [3]float64 `json:"max"`
	Size    [3]int     `json:"size"`
	Spacing [3]float64 `json:"spacing"`
	SizeMM  [3]float64 `json:"size_mm"`
}

// Volume returns the box volume in mm³
func (b Bounds) Volume() float64 {
	return b.SizeMM[0] * b.SizeMM[1] * b.SizeMM[2]
}

// ComputeBounds returns min = origin and max = origin + size * spacing
func ComputeBounds(f models.GeometryFrame) Bounds {
	b := Bounds{Min: f.Origin, Size: f.Size, Spacing: f.Spacing}
	for i := 0; i < 3; i++ {
		b.SizeMM[i] = float64(f.Size[i]) * f.Spacing[i]
		b.Max[i] = f.Origin[i] + b.SizeMM[i]
	}
	return b
}

// Overlap describes the intersection of two bounding boxes
type Overlap struct {
	// Extent is the per-axis overlap length in mm, never negative
	Extent [3]float64 `json:"overlap_mm"`

	// Volume is the product of the extents in mm³
	Volume float64 `json:"overlap_vol_mm3"`

	// PctA and PctB are the overlap volume as a percentage of each box,
	// 0 when that box has no volume
	PctA float64 `json:"overlap_pct_source"`
	PctB float64 `json:"overlap_pct_target"`

	// Warning is set when either percentage is below 50
	Warning bool `json:"warning"`

	// Error is set when the boxes do not overlap at all
	Error bool `json:"error"`
}

// ComputeOverlap intersects two boxes
func ComputeOverlap(a, b Bounds) Overlap {
	var o Overlap
	for i := 0; i < 3; i++ {
		lo := math.Max(a.Min[i], b.Min[i])
		hi := math.Min(a.Max[i], b.Max[i])
		o.Extent[i] = math.Max(0, hi-lo)
	}
	o.Volume = o.Extent[0] * o.Extent[1] * o.Extent[2]

	if va := a.Volume(); va > 0 {
		o.PctA = o.Volume / va * 100
	}
	if vb := b.Volume(); vb > 0 {
		o.PctB = o.Volume / vb * 100
	}
	o.Warning = o.PctA < 50 || o.PctB < 50
	o.Error = o.Volume == 0
	return o
}

// Rotation holds Euler angles in degrees
type Rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sub returns r - o per axis
func (r Rotation) Sub(o Rotation) Rotation {
	return Rotation{X: r.X - o.X, Y: r.Y - o.Y, Z: r.Z - o.Z}
}

// Round rounds every angle to the given number of decimals
func (r Rotation) Round(decimals int) Rotation {
	return Rotation{X: round(r.X, decimals), Y: round(r.Y, decimals), Z: round(r.Z, decimals)}
}

// RotationFromDirection extracts XYZ Euler angles (degrees) from a row-major
// direction matrix. Near gimbal lock (sqrt(d00²+d10²) < 1e-6) z is fixed to 0.
func RotationFromDirection(direction [9]float64) Rotation {
	d := func(i, j int) float64 { return direction[i*3+j] }

	sy := math.Hypot(d(0, 0), d(1, 0))
	var x, y, z float64
	if sy >= 1e-6 {
		x = math.Atan2(d(2, 1), d(2, 2))
		y = math.Atan2(-d(2, 0), sy)
		z = math.Atan2(d(1, 0), d(0, 0))
	} else {
		x = math.Atan2(-d(1, 2), d(1, 1))
		y = math.Atan2(-d(2, 0), sy)
		z = 0
	}
	return Rotation{X: degrees(x), Y: degrees(y), Z: degrees(z)}
}

// PhysicalCenter returns origin + D * (spacing ⊙ (size - 1) / 2), the world
// position of the central voxel
func PhysicalCenter(f models.GeometryFrame) [3]float64 {
	halfExtent := mat.NewVecDense(3, nil)
	for i := 0; i < 3; i++ {
		halfExtent.SetVec(i, f.Spacing[i]*float64(f.Size[i]-1)/2)
	}
	var c mat.VecDense
	c.MulVec(mat.NewDense(3, 3, f.Direction[:]), halfExtent)

	var center [3]float64
	for i := 0; i < 3; i++ {
		center[i] = f.Origin[i] + c.AtVec(i)
	}
	return center
}

// Relation summarizes how a target grid sits relative to a source grid
type Relation struct {
	Source Bounds `json:"source"`
	Target Bounds `json:"target"`
	Overlap

	// OffsetMM is target.Min - source.Min
	OffsetMM [3]float64 `json:"offset_mm"`

	// RotationDiff is the target rotation minus the source rotation
	RotationDiff   Rotation `json:"rotation_deg"`
	SourceRotation Rotation `json:"source_rotation"`
	TargetRotation Rotation `json:"target_rotation"`

	// SpacingRatio is target spacing / source spacing, 1 where the source
	// spacing is not positive
	SpacingRatio [3]float64 `json:"spacing_ratio"`
}

// Analyze compares two grids. Angles are rounded to 0.01°, spacing ratios to
// 0.001 and overlap percentages to 0.1; the warning and error flags are taken
// from the unrounded percentages.
func Analyze(source, target models.GeometryFrame) Relation {
	r := Relation{
		Source: ComputeBounds(source),
		Target: ComputeBounds(target),
	}
	r.Overlap = ComputeOverlap(r.Source, r.Target)
	r.PctA = round(r.PctA, 1)
	r.PctB = round(r.PctB, 1)

	for i := 0; i < 3; i++ {
		r.OffsetMM[i] = r.Target.Min[i] - r.Source.Min[i]
		r.SpacingRatio[i] = 1
		if source.Spacing[i] > 0 {
			r.SpacingRatio[i] = round(target.Spacing[i]/source.Spacing[i], 3)
		}
	}

	r.SourceRotation = RotationFromDirection(source.Direction).Round(2)
	r.TargetRotation = RotationFromDirection(target.Direction).Round(2)
	r.RotationDiff = r.TargetRotation.Sub(r.SourceRotation).Round(2)
	return r
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
