package resample

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is a rigid Euler transform mapping output physical points to
// input physical points: T(p) = R (p - Center) + Center + Translation.
//
// R = Rz * Rx * Ry, with the angles in radians.
type Transform struct {
	Angles      [3]float64
	Center      [3]float64
	Translation [3]float64
}

// NewEulerTransform creates a transform from angles in degrees
func NewEulerTransform(anglesDeg, center, translation [3]float64) *Transform {
	tx := &Transform{Center: center, Translation: translation}
	for i, a := range anglesDeg {
		tx.Angles[i] = a * math.Pi / 180
	}
	return tx
}

// Matrix returns the 3x3 rotation matrix
func (t *Transform) Matrix() *mat.Dense {
	cx, sx := math.Cos(t.Angles[0]), math.Sin(t.Angles[0])
	cy, sy := math.Cos(t.Angles[1]), math.Sin(t.Angles[1])
	cz, sz := math.Cos(t.Angles[2]), math.Sin(t.Angles[2])

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cx, -sx,
		0, sx, cx,
	})
	ry := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	rz := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	var zx, r mat.Dense
	zx.Mul(rz, rx)
	r.Mul(&zx, ry)
	return &r
}

// Apply maps one physical point
func (t *Transform) Apply(p [3]float64) [3]float64 {
	r := t.Matrix()
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = t.Center[i] + t.Translation[i]
		for j := 0; j < 3; j++ {
			out[i] += r.At(i, j) * (p[j] - t.Center[j])
		}
	}
	return out
}

// IsIdentity reports whether the transform leaves every point in place
func (t *Transform) IsIdentity() bool {
	return t == nil || (t.Angles == [3]float64{} && t.Translation == [3]float64{})
}
