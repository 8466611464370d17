// Package subpixel collapses a label volume that was resampled on a z-refined
// grid back to the target grid without losing thin structures.
package subpixel

import (
	"errors"
	"fmt"

	"maskregistration/internal/models"
)

// ErrInvalidFactor is returned for factors below 1
var ErrInvalidFactor = errors.New("subpixel factor must be >= 1")

// Reduce merges every factor consecutive z planes into one.
//
// An output voxel takes every label present in any of its contributors,
// assigned in ascending label order, so the highest present label wins and
// background only remains where all contributors are background. The output
// has floor(nz/factor) planes and z spacing multiplied by factor; trailing
// planes that do not fill a group are dropped. Factor 1 returns a copy. The
// input is not modified.
func Reduce(vol *models.LabeledVolume, factor int) (*models.LabeledVolume, error) {
	if factor < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFactor, factor)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if factor == 1 {
		return vol.Clone(), nil
	}

	frame := vol.Frame
	frame.Size[2] = vol.Frame.Size[2] / factor
	frame.Spacing[2] = vol.Frame.Spacing[2] * float64(factor)
	out := models.NewLabeledVolume(frame)

	planeSize := frame.Size[0] * frame.Size[1]
	for z := 0; z < frame.Size[2]; z++ {
		dst := out.Data[z*planeSize : (z+1)*planeSize]
		for s := 0; s < factor; s++ {
			src := vol.Data[(z*factor+s)*planeSize : (z*factor+s+1)*planeSize]
			for i, lbl := range src {
				// Ascending assignment over present labels leaves the maximum
				if lbl > dst[i] {
					dst[i] = lbl
				}
			}
		}
	}
	return out, nil
}
