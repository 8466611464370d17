// Package registration carries a segmentation mask drawn on a source
// acquisition over to the voxel grid of a target acquisition.
//
// The pipeline has five steps:
// 1. Encoding the mask into a copy of the source slices and reading it back
// as a volume that carries the source geometry
// 2. Loading the target geometry in normal and/or reversed slice order
// 3. Resampling the mask onto each target grid with nearest neighbour,
// optionally on a finer z grid followed by label-aware downsampling
// 4. Scoring the candidates and picking the best one
// 5. Writing the winner as NIfTI
package registration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"maskregistration/internal/logging"
	"maskregistration/internal/models"
	"maskregistration/pkg/dicomio"
	"maskregistration/pkg/maskenc"
	"maskregistration/pkg/nifti"
	"maskregistration/pkg/resample"
	"maskregistration/pkg/series"
	"maskregistration/pkg/subpixel"
)

// SeriesCodec reads and writes the slice files of an acquisition folder
type SeriesCodec interface {
	ListFiles(folder string) ([]string, error)
	ReadSliceLocation(path string) (float64, error)
	ReadSeries(files []string) (*models.Volume, error)
	ReadGeometry(files []string) (models.GeometryFrame, error)
	SortByPosition(files []string) ([]string, error)
	WriteSliceTemplate(template string, plane []uint16, rows, cols int, out string) error
}

// LabelCodec reads and writes label volumes
type LabelCodec interface {
	ReadLabels(path string) (*models.LabeledVolume, error)
	WriteLabels(path string, vol *models.LabeledVolume) error
	Normalize(path string) error
}

// Resampler maps a volume onto another grid
type Resampler interface {
	Resample(in *models.Volume, out models.GeometryFrame, interp resample.Interpolator, fill float32, tx *resample.Transform) (*models.Volume, error)
}

// Params holds the registration parameters
type Params struct {
	// SourceFolder holds the slices the mask was drawn on
	SourceFolder string

	// SourceMaskFile is the NIfTI label volume drawn on the source slices
	SourceMaskFile string

	// TargetFolder holds the slices of the acquisition to register onto
	TargetFolder string

	// OutputFile is where the registered mask is written (.nii or .nii.gz)
	OutputFile string

	// Direction is the target slice order, Auto to detect it
	Direction Direction

	// SubpixelFactor refines the z axis during resampling so that structures
	// thinner than a target slice are not lost. 1 disables it.
	SubpixelFactor int

	// NumCores specifies how many CPU cores to use for parallel processing
	NumCores int

	// TempDir is the parent of the scoped working directory. Empty means the
	// system default.
	TempDir string

	// SurfaceWarnings reports unrepairable series anomalies and mask
	// truncation in Result.Warnings
	SurfaceWarnings bool

	// SaveIntermediaryResults determines whether the source mask volume and
	// every candidate are saved
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results will be saved.
	// Only used when SaveIntermediaryResults is true.
	IntermediaryDir string
}

// Result describes a finished registration
type Result struct {
	OutputFile    string              `json:"outputFile"`
	UsedDirection Direction           `json:"usedDirection"`
	Scores        map[Direction]Score `json:"scores"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// Registrar runs the registration pipeline. The collaborators default to the
// DICOM, NIfTI and resampling implementations of this module and may be
// replaced before calling Process.
type Registrar struct {
	params *Params

	Series    SeriesCodec
	Labels    LabelCodec
	Resampler Resampler

	log *logrus.Entry
}

// NewRegistrar creates a new registrar instance with the provided parameters
func NewRegistrar(params *Params) *Registrar {
	numCores := params.NumCores
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}

	codec := dicomio.NewCodec()
	codec.NumCores = numCores

	return &Registrar{
		params:    params,
		Series:    codec,
		Labels:    nifti.NewCodec(),
		Resampler: resample.NewResampler(numCores),
		log:       logging.For("registration"),
	}
}

// validate checks the parameters and the existence of the inputs
func (p *Params) validate() error {
	direction, err := ParseDirection(string(p.Direction))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	p.Direction = direction
	if p.SubpixelFactor == 0 {
		p.SubpixelFactor = 1
	}
	if p.SubpixelFactor < 1 {
		return fmt.Errorf("%w: subpixel factor must be >= 1, got %d", ErrInvalidParams, p.SubpixelFactor)
	}
	if p.OutputFile == "" {
		return fmt.Errorf("%w: no output file", ErrInvalidParams)
	}
	if p.SaveIntermediaryResults && p.IntermediaryDir == "" {
		return fmt.Errorf("%w: no intermediary directory", ErrInvalidParams)
	}

	inputs := []struct {
		name, path string
		dir        bool
	}{
		{"source folder", p.SourceFolder, true},
		{"source mask", p.SourceMaskFile, false},
		{"target folder", p.TargetFolder, true},
	}
	for _, in := range inputs {
		info, err := os.Stat(in.path)
		if err != nil {
			return fmt.Errorf("%w: %s %q", ErrInputNotFound, in.name, in.path)
		}
		if info.IsDir() != in.dir {
			return fmt.Errorf("%w: %s %q has the wrong type", ErrInputNotFound, in.name, in.path)
		}
	}
	return nil
}

// Process runs the complete registration pipeline
func (r *Registrar) Process(ctx context.Context) (*Result, error) {
	p := r.params
	if err := p.validate(); err != nil {
		return nil, err
	}

	if p.SaveIntermediaryResults {
		if err := os.MkdirAll(p.IntermediaryDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	tempDir, err := os.MkdirTemp(p.TempDir, "maskregistration-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	result := &Result{
		OutputFile: p.OutputFile,
		Scores:     make(map[Direction]Score),
	}

	// Step 1: Encode the mask and read it back with the source geometry
	r.log.Info("Step 1: Building the source mask volume...")
	source, err := r.buildMaskVolume(tempDir, result)
	if err != nil {
		return nil, fmt.Errorf("failed to build mask volume: %w", err)
	}
	r.log.WithField("frame", source.Frame.String()).Debug("Source mask volume")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: Load the target grid(s)
	r.log.Info("Step 2: Loading target geometry...")
	candidates, err := r.loadCandidates(result)
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: Resample the mask onto every candidate grid
	r.log.WithField("candidates", len(candidates)).
		WithField("subpixelFactor", p.SubpixelFactor).
		Info("Step 3: Resampling the mask onto the target grid...")
	if err := r.resampleCandidates(ctx, source, candidates); err != nil {
		return nil, fmt.Errorf("failed to resample mask: %w", err)
	}

	// Step 4: Pick the candidate that kept the most of the mask
	r.log.Info("Step 4: Selecting the slice direction...")
	for _, c := range candidates {
		result.Scores[c.Direction] = c.Score
		r.log.WithField("direction", c.Direction).
			WithField("labels", c.Score.Labels).
			WithField("voxels", c.Score.Voxels).
			Info("Candidate score")
	}
	best := candidates[PickBest(candidates, func(c Candidate) Score { return c.Score }, 0)]
	result.UsedDirection = best.Direction

	// Step 5: Write the registered mask
	r.log.WithField("file", p.OutputFile).Info("Step 5: Writing the registered mask...")
	if dir := filepath.Dir(p.OutputFile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := r.Labels.WriteLabels(p.OutputFile, best.Volume); err != nil {
		return nil, fmt.Errorf("failed to write registered mask: %w", err)
	}
	if err := r.Labels.Normalize(p.OutputFile); err != nil {
		return nil, fmt.Errorf("failed to rewrite registered mask: %w", err)
	}

	r.log.WithField("direction", result.UsedDirection).Info("Registration complete")
	return result, nil
}

// warn records a data condition that does not stop the run. It is dropped
// unless SurfaceWarnings is set.
func (r *Registrar) warn(result *Result, format string, args ...interface{}) {
	if !r.params.SurfaceWarnings {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.log.Warn(msg)
	result.Warnings = append(result.Warnings, msg)
}

// buildMaskVolume writes the mask planes into copies of the source slices
// inside tempDir and reads the first echo back as a volume
func (r *Registrar) buildMaskVolume(tempDir string, result *Result) (*models.Volume, error) {
	p := r.params

	mask, err := r.Labels.ReadLabels(p.SourceMaskFile)
	if err != nil {
		return nil, err
	}

	encoded, err := maskenc.Encode(p.SourceFolder, mask, tempDir, r.Series)
	if err != nil {
		return nil, err
	}
	if encoded.Truncated() {
		r.warn(result, "mask has %d slices but the source folder has %d files; %d planes were encoded",
			encoded.MaskSlices, encoded.SourceFiles, encoded.Written)
	}

	files, err := r.Series.ListFiles(tempDir)
	if err != nil {
		return nil, err
	}
	echoes, report, err := series.Organize(files, r.Series)
	if err != nil {
		return nil, err
	}
	if report.Unrepairable() {
		r.warn(result, "encoded mask series has %d slice locations whose file count differs from the median %.1f",
			report.Anomalies, report.Median)
	}

	// SliceLocation may decrease along the normal, so stack by position
	ordered, err := r.Series.SortByPosition(echoes[0])
	if err != nil {
		return nil, err
	}
	vol, err := r.Series.ReadSeries(ordered)
	if err != nil {
		return nil, err
	}

	if p.SaveIntermediaryResults {
		r.saveIntermediaryResult("source_mask", vol.Labels())
	}
	return vol, nil
}

// loadCandidates reads the geometry of the first target echo in every
// direction to evaluate
func (r *Registrar) loadCandidates(result *Result) ([]Candidate, error) {
	p := r.params

	files, err := r.Series.ListFiles(p.TargetFolder)
	if err != nil {
		return nil, err
	}
	echoes, report, err := series.Organize(files, r.Series)
	if err != nil {
		return nil, err
	}
	if report.Unrepairable() {
		r.warn(result, "target series has %d slice locations whose file count differs from the median %.1f",
			report.Anomalies, report.Median)
	}
	r.log.WithField("echoes", len(echoes)).
		WithField("slices", len(echoes[0])).
		Debug("Organized target series")

	var candidates []Candidate
	for _, d := range p.Direction.candidates() {
		echo := echoes[0]
		if d == Reverse {
			echo = echo.Reversed()
		}
		frame, err := r.Series.ReadGeometry(echo)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{Direction: d, Frame: frame})
	}
	return candidates, nil
}

// resampleCandidates fills in the volume and score of every candidate. The
// candidates are computed concurrently and each owns its buffers.
func (r *Registrar) resampleCandidates(ctx context.Context, source *models.Volume, candidates []Candidate) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range candidates {
		c := &candidates[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vol, err := r.resampleOnto(source, c.Frame)
			if err != nil {
				return fmt.Errorf("%s candidate: %w", c.Direction, err)
			}
			c.Volume = vol
			c.Score = ScoreOf(vol)
			if r.params.SaveIntermediaryResults {
				r.saveIntermediaryResult("candidate_"+c.Direction.String(), vol)
			}
			return nil
		})
	}
	return g.Wait()
}

// resampleOnto maps the mask volume onto frame with nearest neighbour. With a
// subpixel factor f the mask is first resampled onto a grid f times finer
// along z and then reduced back, keeping every label that touched a slice.
func (r *Registrar) resampleOnto(source *models.Volume, frame models.GeometryFrame) (*models.LabeledVolume, error) {
	f := r.params.SubpixelFactor
	grid := frame
	if f > 1 {
		grid = frame.WithUpsampledZ(f)
	}

	resampled, err := r.Resampler.Resample(source, grid, resample.NearestNeighbor, 0, nil)
	if err != nil {
		return nil, err
	}
	labels := resampled.Labels()
	if f == 1 {
		return labels, nil
	}
	return subpixel.Reduce(labels, f)
}

// saveIntermediaryResult writes vol as <stage>.nii.gz into the intermediary
// directory. Failures are logged and otherwise ignored.
func (r *Registrar) saveIntermediaryResult(stage string, vol *models.LabeledVolume) {
	path := filepath.Join(r.params.IntermediaryDir, stage+".nii.gz")
	if err := r.Labels.WriteLabels(path, vol); err != nil {
		r.log.WithError(err).WithField("stage", stage).Warn("Failed to save intermediary result")
	}
}
