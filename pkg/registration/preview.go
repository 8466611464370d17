package registration

import (
	"context"
	"fmt"

	"maskregistration/internal/logging"
	"maskregistration/internal/models"
	"maskregistration/pkg/dicomio"
	"maskregistration/pkg/nifti"
	"maskregistration/pkg/resample"
	"maskregistration/pkg/series"
	"maskregistration/pkg/spatial"
	"maskregistration/pkg/visualization"
)

// Grid names the acquisition whose voxel grid a preview is rendered on
type Grid string

const (
	SourceGrid Grid = "source"
	TargetGrid Grid = "target"
)

// PreviewParams holds the parameters of a visual alignment check
type PreviewParams struct {
	SourceFolder string
	TargetFolder string

	// SourceEcho and TargetEcho select the echo of each series
	SourceEcho int
	TargetEcho int

	// TargetMaskFile is an optional registered mask overlaid on the target
	TargetMaskFile string

	// Reverse flips the target slice order while keeping its geometry
	Reverse bool

	// Output is the grid to render on. Empty means SourceGrid.
	Output Grid

	// Index is the slice of the output grid to render
	Index int

	// Rotation in degrees about the x, y and z axes, applied around the
	// physical center of the target
	Rotation [3]float64

	// Translation in mm
	Translation [3]float64

	// Scale divides the output spacing per axis. Zero components are ignored.
	Scale [3]float64

	// Interpolation for the intensities: "nearest" or "linear" (default)
	Interpolation string

	// Alpha is the overlay opacity
	Alpha float64

	NumCores int
}

// Preview resamples the target acquisition (and optionally its mask) onto
// the requested grid with an Euler transform and renders one slice as PNG
func Preview(ctx context.Context, params PreviewParams) ([]byte, error) {
	viewer, err := previewViewer(ctx, params, true)
	if err != nil {
		return nil, err
	}
	return viewer.RenderSlice(params.Index)
}

// PreviewSequence is Preview for every slice of the output grid. The slices
// are written into outputDir as slice_z_<index>.png; Index is ignored.
func PreviewSequence(ctx context.Context, params PreviewParams, outputDir string) ([]string, error) {
	viewer, err := previewViewer(ctx, params, false)
	if err != nil {
		return nil, err
	}
	files, err := viewer.SaveSliceSequence("z", outputDir)
	if err != nil {
		return files, fmt.Errorf("failed to save preview slices: %w", err)
	}
	logging.For("preview").WithField("slices", len(files)).WithField("dir", outputDir).Info("Saved preview sequence")
	return files, nil
}

// previewViewer prepares the resampled target and overlay. checkIndex
// validates params.Index against the output grid before resampling.
func previewViewer(ctx context.Context, params PreviewParams, checkIndex bool) (*visualization.Viewer, error) {
	log := logging.For("preview")

	interp := resample.Linear
	if params.Interpolation != "" {
		var err error
		if interp, err = resample.ParseInterpolator(params.Interpolation); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if params.Output == "" {
		params.Output = SourceGrid
	}
	if params.Output != SourceGrid && params.Output != TargetGrid {
		return nil, fmt.Errorf("%w: unknown output grid %q", ErrInvalidParams, params.Output)
	}

	codec := dicomio.NewCodec()
	if params.NumCores > 0 {
		codec.NumCores = params.NumCores
	}

	targetEcho, err := loadEcho(codec, params.TargetFolder, params.TargetEcho)
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}
	target, err := codec.ReadSeries(targetEcho)
	if err != nil {
		return nil, fmt.Errorf("failed to read target: %w", err)
	}
	if params.Reverse {
		reversePlanes(target.Data, target.Frame)
	}

	out := target.Frame
	if params.Output == SourceGrid {
		sourceEcho, err := loadEcho(codec, params.SourceFolder, params.SourceEcho)
		if err != nil {
			return nil, fmt.Errorf("failed to load source: %w", err)
		}
		if out, err = codec.ReadGeometry(sourceEcho); err != nil {
			return nil, fmt.Errorf("failed to read source geometry: %w", err)
		}
	}
	for i, s := range params.Scale {
		if s != 0 {
			out.Spacing[i] /= s
		}
	}
	if checkIndex && (params.Index < 0 || params.Index >= out.Size[2]) {
		return nil, fmt.Errorf("%w: slice index %d outside [0, %d)", ErrInvalidParams, params.Index, out.Size[2])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := resample.NewEulerTransform(params.Rotation, spatial.PhysicalCenter(target.Frame), params.Translation)
	resampler := resample.NewResampler(params.NumCores)

	log.WithField("grid", params.Output).
		WithField("rotation", params.Rotation).
		WithField("translation", params.Translation).
		Debug("Resampling target for preview")
	aligned, err := resampler.Resample(target, out, interp, 0, tx)
	if err != nil {
		return nil, err
	}

	var overlay *models.LabeledVolume
	if params.TargetMaskFile != "" {
		mask, err := nifti.NewCodec().ReadLabels(params.TargetMaskFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read target mask: %w", err)
		}
		if params.Reverse {
			reversePlanes(mask.Data, mask.Frame)
		}
		resampled, err := resampler.Resample(mask.Float(), out, resample.NearestNeighbor, 0, tx)
		if err != nil {
			return nil, err
		}
		overlay = resampled.Labels()
	}

	alpha := params.Alpha
	if alpha == 0 {
		alpha = visualization.DefaultAlpha
	}
	return visualization.NewViewer(aligned, overlay, alpha)
}

// loadEcho organizes folder and returns the requested echo
func loadEcho(codec *dicomio.Codec, folder string, echo int) (models.EchoSeries, error) {
	files, err := codec.ListFiles(folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}
	echoes, _, err := series.Organize(files, codec)
	if err != nil {
		return nil, err
	}
	if echo < 0 || echo >= len(echoes) {
		return nil, fmt.Errorf("%w: echo %d outside [0, %d)", ErrInvalidParams, echo, len(echoes))
	}
	return echoes[echo], nil
}

// reversePlanes flips the z order of data in place
func reversePlanes[T any](data []T, frame models.GeometryFrame) {
	plane := frame.Size[0] * frame.Size[1]
	nz := frame.Size[2]
	for lo, hi := 0, nz-1; lo < hi; lo, hi = lo+1, hi-1 {
		a := data[lo*plane : (lo+1)*plane]
		b := data[hi*plane : (hi+1)*plane]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}
