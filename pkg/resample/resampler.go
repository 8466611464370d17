// Package resample maps volumes onto a different voxel grid with nearest
// neighbour or trilinear interpolation and an optional rigid transform.
package resample

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"maskregistration/internal/models"
)

// ErrSingularGeometry is returned when the input grid cannot be inverted
var ErrSingularGeometry = errors.New("singular input geometry")

// Interpolator selects how input values are sampled
type Interpolator int

const (
	// NearestNeighbor keeps label values intact
	NearestNeighbor Interpolator = iota
	// Linear blends the eight surrounding voxels
	Linear
)

func (i Interpolator) String() string {
	switch i {
	case NearestNeighbor:
		return "nearest"
	case Linear:
		return "linear"
	}
	return fmt.Sprintf("Interpolator(%d)", int(i))
}

// ParseInterpolator accepts "nearest" and "linear"
func ParseInterpolator(s string) (Interpolator, error) {
	switch strings.ToLower(s) {
	case "nearest":
		return NearestNeighbor, nil
	case "linear":
		return Linear, nil
	}
	return 0, fmt.Errorf("unknown interpolator %q (must be nearest or linear)", s)
}

// Resampler samples volumes onto new grids, splitting slices across cores
type Resampler struct {
	NumCores int
}

// NewResampler creates a resampler using numCores goroutines (all cores when
// numCores <= 0)
func NewResampler(numCores int) *Resampler {
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}
	return &Resampler{NumCores: numCores}
}

// indexAffine maps output voxel indices to input continuous indices:
// ci = A * idx + b
type indexAffine struct {
	a [9]float64
	b [3]float64
}

// gridMatrix returns D * diag(spacing)
func gridMatrix(f models.GeometryFrame) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, f.Direction[i*3+j]*f.Spacing[j])
		}
	}
	return m
}

func newIndexAffine(in, out models.GeometryFrame, tx *Transform) (indexAffine, error) {
	var affine indexAffine

	inGrid := gridMatrix(in)
	if math.Abs(mat.Det(inGrid)) < 1e-12 {
		return affine, fmt.Errorf("%w: %v", ErrSingularGeometry, in)
	}
	var inv mat.Dense
	if err := inv.Inverse(inGrid); err != nil {
		return affine, fmt.Errorf("%w: %v", ErrSingularGeometry, err)
	}

	// Physical point of output index: p = O_out + G_out * idx
	// Transformed: p' = R (p - c) + c + t
	// Input index: ci = G_in^-1 (p' - O_in)
	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	var center, translation [3]float64
	if tx != nil {
		rot = tx.Matrix()
		center, translation = tx.Center, tx.Translation
	}

	var rg, a mat.Dense
	rg.Mul(rot, gridMatrix(out))
	a.Mul(&inv, &rg)

	shift := make([]float64, 3)
	for i := 0; i < 3; i++ {
		shift[i] = center[i] + translation[i] - in.Origin[i]
		for j := 0; j < 3; j++ {
			shift[i] += rot.At(i, j) * (out.Origin[j] - center[j])
		}
	}
	var b mat.VecDense
	b.MulVec(&inv, mat.NewVecDense(3, shift))

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			affine.a[i*3+j] = a.At(i, j)
		}
		affine.b[i] = b.AtVec(i)
	}
	return affine, nil
}

// Resample samples in on the out grid. Output voxels that map outside the
// input receive fill. tx may be nil for an identity transform.
func (r *Resampler) Resample(in *models.Volume, out models.GeometryFrame, interp Interpolator, fill float32, tx *Transform) (*models.Volume, error) {
	if len(in.Data) != in.Frame.NumVoxels() {
		return nil, fmt.Errorf("input has %d voxels, frame %v expects %d", len(in.Data), in.Frame.Size, in.Frame.NumVoxels())
	}
	affine, err := newIndexAffine(in.Frame, out, tx)
	if err != nil {
		return nil, err
	}

	var sample func(ci [3]float64) float32
	switch interp {
	case NearestNeighbor:
		sample = func(ci [3]float64) float32 { return nearest(in, ci, fill) }
	case Linear:
		sample = func(ci [3]float64) float32 { return trilinear(in, ci, fill) }
	default:
		return nil, fmt.Errorf("unsupported interpolator %v", interp)
	}

	result := models.NewVolume(out)
	nx, ny, nz := out.Size[0], out.Size[1], out.Size[2]

	numCores := r.NumCores
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}
	if numCores > nz {
		numCores = nz
	}

	var wg sync.WaitGroup
	slicesPerCore := (nz + numCores - 1) / max(numCores, 1)

	for core := 0; core < numCores; core++ {
		wg.Add(1)
		go func(startZ, endZ int) {
			defer wg.Done()
			for z := startZ; z < endZ; z++ {
				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						var ci [3]float64
						for i := 0; i < 3; i++ {
							ci[i] = affine.a[i*3]*float64(x) + affine.a[i*3+1]*float64(y) + affine.a[i*3+2]*float64(z) + affine.b[i]
						}
						result.Data[z*nx*ny+y*nx+x] = sample(ci)
					}
				}
			}
		}(core*slicesPerCore, min((core+1)*slicesPerCore, nz))
	}

	wg.Wait()
	return result, nil
}

// inside reports whether a continuous index lies within the input buffer,
// whose voxels extend half a voxel around their centers
func inside(in *models.Volume, ci [3]float64) bool {
	for i := 0; i < 3; i++ {
		if ci[i] < -0.5 || ci[i] >= float64(in.Frame.Size[i])-0.5 {
			return false
		}
	}
	return true
}

func nearest(in *models.Volume, ci [3]float64, fill float32) float32 {
	if !inside(in, ci) {
		return fill
	}
	x := int(math.Floor(ci[0] + 0.5))
	y := int(math.Floor(ci[1] + 0.5))
	z := int(math.Floor(ci[2] + 0.5))
	return in.At(x, y, z)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func trilinear(in *models.Volume, ci [3]float64, fill float32) float32 {
	if !inside(in, ci) {
		return fill
	}
	size := in.Frame.Size

	var lo, hi [3]int
	var w [3]float64
	for i := 0; i < 3; i++ {
		f := math.Floor(ci[i])
		w[i] = ci[i] - f
		lo[i] = clamp(int(f), 0, size[i]-1)
		hi[i] = clamp(int(f)+1, 0, size[i]-1)
	}

	var v float64
	for dz := 0; dz < 2; dz++ {
		z, wz := lo[2], 1-w[2]
		if dz == 1 {
			z, wz = hi[2], w[2]
		}
		for dy := 0; dy < 2; dy++ {
			y, wy := lo[1], 1-w[1]
			if dy == 1 {
				y, wy = hi[1], w[1]
			}
			for dx := 0; dx < 2; dx++ {
				x, wx := lo[0], 1-w[0]
				if dx == 1 {
					x, wx = hi[0], w[0]
				}
				if weight := wx * wy * wz; weight != 0 {
					v += weight * float64(in.At(x, y, z))
				}
			}
		}
	}
	return float32(v)
}
