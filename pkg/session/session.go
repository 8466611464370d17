// Package session keeps the state of an interactive registration session:
// the selected acquisitions, the source mask, the output path and the
// registration tasks started from it.
//
// A front end loads both series and the mask, submits a registration and
// polls or waits for it before exporting the result:
//
//	s := session.New(cfg)
//	s.LoadSeries(session.Source, sourceDir)
//	s.LoadSeries(session.Target, targetDir)
//	s.LoadMask(maskFile)
//	id, _ := s.Submit(ctx, registration.Auto, 1)
//	task, _ := s.Wait(ctx, id)
//	if task.State == session.Done {
//		s.Export("registered.nii.gz")
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maskregistration/internal/logging"
	"maskregistration/internal/models"
	"maskregistration/pkg/config"
	"maskregistration/pkg/dicomio"
	"maskregistration/pkg/nifti"
	"maskregistration/pkg/registration"
	"maskregistration/pkg/series"
	"maskregistration/pkg/spatial"
)

var (
	// ErrTaskNotFound is returned for an unknown task id
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotLoaded is returned when an operation needs an input that has not
	// been selected yet
	ErrNotLoaded = errors.New("input not loaded")

	// ErrNoResult is returned by Export before a registration has finished
	ErrNoResult = errors.New("no registered mask available")
)

// Side selects one of the two acquisitions
type Side string

const (
	Source Side = "source"
	Target Side = "target"
)

// TaskState is the lifecycle state of a registration task
type TaskState string

const (
	Running TaskState = "running"
	Done    TaskState = "done"
	Failed  TaskState = "error"
)

// Task is a snapshot of one registration request
type Task struct {
	ID       string               `json:"id"`
	State    TaskState            `json:"status"`
	Message  string               `json:"message"`
	Result   *registration.Result `json:"result,omitempty"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished,omitempty"`
}

// SeriesInfo describes a loaded acquisition
type SeriesInfo struct {
	Folder string `json:"folder"`
	Echoes int    `json:"echoes"`
	Slices int    `json:"slices"`
}

// MaskInfo describes a loaded mask
type MaskInfo struct {
	Path   string   `json:"path"`
	Slices int      `json:"slices"`
	Labels []uint16 `json:"labels"`
}

type acquisition struct {
	folder string
	echoes []models.EchoSeries
	echo   int
}

type task struct {
	Task
	done chan struct{}
}

// Session holds the selections of one user. All methods are safe for
// concurrent use.
type Session struct {
	mu sync.Mutex

	cfg   *config.Config
	codec *dicomio.Codec

	sides      map[Side]*acquisition
	sourceMask string
	outputPath string

	// registered is the output of the last successful registration
	registered string

	tasks map[string]*task

	log *logrus.Entry
}

// New creates an empty session using the registration settings of cfg
func New(cfg *config.Config) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	codec := dicomio.NewCodec()
	if cfg.Registration.NumCores > 0 {
		codec.NumCores = cfg.Registration.NumCores
	}
	return &Session{
		cfg:   cfg,
		codec: codec,
		sides: make(map[Side]*acquisition),
		tasks: make(map[string]*task),
		log:   logging.For("session"),
	}
}

// LoadSeries organizes folder into echoes and selects it for side. The
// first echo becomes the current one.
func (s *Session) LoadSeries(side Side, folder string) (SeriesInfo, error) {
	if side != Source && side != Target {
		return SeriesInfo{}, fmt.Errorf("unknown side %q", side)
	}
	files, err := s.codec.ListFiles(folder)
	if err != nil {
		return SeriesInfo{}, fmt.Errorf("%w: %v", registration.ErrInputNotFound, err)
	}
	echoes, _, err := series.Organize(files, s.codec)
	if err != nil {
		return SeriesInfo{}, err
	}

	s.mu.Lock()
	s.sides[side] = &acquisition{folder: folder, echoes: echoes}
	s.mu.Unlock()

	s.log.WithField("side", side).WithField("folder", folder).WithField("echoes", len(echoes)).Info("Loaded series")
	return SeriesInfo{Folder: folder, Echoes: len(echoes), Slices: len(echoes[0])}, nil
}

// SetEcho selects the echo of side used by Relation and Preview
func (s *Session) SetEcho(side Side, echo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acq, ok := s.sides[side]
	if !ok {
		return fmt.Errorf("%w: %s series", ErrNotLoaded, side)
	}
	if echo < 0 || echo >= len(acq.echoes) {
		return fmt.Errorf("echo %d outside [0, %d)", echo, len(acq.echoes))
	}
	acq.echo = echo
	return nil
}

// LoadMask selects the source mask
func (s *Session) LoadMask(path string) (MaskInfo, error) {
	mask, err := nifti.NewCodec().ReadLabels(path)
	if err != nil {
		return MaskInfo{}, err
	}

	s.mu.Lock()
	s.sourceMask = path
	s.mu.Unlock()

	return MaskInfo{Path: path, Slices: mask.Frame.Size[2], Labels: mask.LabelSet()}, nil
}

// SetOutput selects where registrations are written. Empty means a
// temporary file per registration.
func (s *Session) SetOutput(path string) {
	s.mu.Lock()
	s.outputPath = path
	s.mu.Unlock()
}

// Submit starts a registration of the selected inputs in the background and
// returns its task id
func (s *Session) Submit(ctx context.Context, direction registration.Direction, subpixelFactor int) (string, error) {
	s.mu.Lock()
	source, target := s.sides[Source], s.sides[Target]
	mask, output := s.sourceMask, s.outputPath
	s.mu.Unlock()

	switch {
	case source == nil:
		return "", fmt.Errorf("%w: source series", ErrNotLoaded)
	case mask == "":
		return "", fmt.Errorf("%w: source mask", ErrNotLoaded)
	case target == nil:
		return "", fmt.Errorf("%w: target series", ErrNotLoaded)
	}

	if output == "" {
		tmp, err := os.CreateTemp(s.cfg.Registration.TempDir, "registered-*.nii.gz")
		if err != nil {
			return "", fmt.Errorf("failed to create output file: %w", err)
		}
		tmp.Close()
		output = tmp.Name()
	}

	params := &registration.Params{
		SourceFolder:    source.folder,
		SourceMaskFile:  mask,
		TargetFolder:    target.folder,
		OutputFile:      output,
		Direction:       direction,
		SubpixelFactor:  subpixelFactor,
		NumCores:        s.cfg.Registration.NumCores,
		TempDir:         s.cfg.Registration.TempDir,
		SurfaceWarnings: s.cfg.Registration.SurfaceWarnings,
	}

	t := &task{
		Task: Task{ID: uuid.New().String(), State: Running, Started: time.Now()},
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	log := s.log.WithField("task", t.ID)
	log.Info("Registration started")

	go func() {
		defer close(t.done)
		result, err := registration.NewRegistrar(params).Process(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		t.Finished = time.Now()
		if err != nil {
			t.State = Failed
			t.Message = err.Error()
			log.WithError(err).Error("Registration failed")
			return
		}
		t.State = Done
		t.Result = result
		t.Message = fmt.Sprintf("Registration complete (direction: %s)", result.UsedDirection)
		s.registered = result.OutputFile
		log.WithField("direction", result.UsedDirection).Info("Registration finished")
	}()

	return t.ID, nil
}

// Status returns a snapshot of a task
func (s *Session) Status(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Task, nil
}

// Wait blocks until the task finishes or ctx is done
func (s *Session) Wait(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-t.done:
		return s.Status(id)
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Export copies the last registered mask to dest. A dest without extension
// gets ".nii.gz". It returns the path written.
func (s *Session) Export(dest string) (string, error) {
	s.mu.Lock()
	src := s.registered
	s.mu.Unlock()

	if src == "" {
		return "", ErrNoResult
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	if filepath.Ext(dest) == "" {
		dest += ".nii.gz"
	}
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("failed to export registered mask: %w", err)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

// Relation compares the geometry of the current source and target echoes
func (s *Session) Relation() (spatial.Relation, error) {
	s.mu.Lock()
	source, target := s.sides[Source], s.sides[Target]
	var sourceFiles, targetFiles models.EchoSeries
	if source != nil && target != nil {
		sourceFiles = source.echoes[source.echo]
		targetFiles = target.echoes[target.echo]
	}
	s.mu.Unlock()

	if source == nil || target == nil {
		return spatial.Relation{}, fmt.Errorf("%w: both series must be loaded", ErrNotLoaded)
	}
	sourceFrame, err := s.codec.ReadGeometry(sourceFiles)
	if err != nil {
		return spatial.Relation{}, err
	}
	targetFrame, err := s.codec.ReadGeometry(targetFiles)
	if err != nil {
		return spatial.Relation{}, err
	}
	return spatial.Analyze(sourceFrame, targetFrame), nil
}

// Preview renders a preview of the current selections. The folders and
// echoes of params are taken from the session; withMask overlays the last
// registered mask.
func (s *Session) Preview(ctx context.Context, params registration.PreviewParams, withMask bool) ([]byte, error) {
	s.mu.Lock()
	source, target := s.sides[Source], s.sides[Target]
	registered := s.registered
	if source != nil && target != nil {
		params.SourceFolder, params.SourceEcho = source.folder, source.echo
		params.TargetFolder, params.TargetEcho = target.folder, target.echo
	}
	s.mu.Unlock()

	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: both series must be loaded", ErrNotLoaded)
	}
	if withMask {
		params.TargetMaskFile = registered
	}
	if params.NumCores == 0 {
		params.NumCores = s.cfg.Registration.NumCores
	}
	if params.Alpha == 0 {
		params.Alpha = s.cfg.Preview.Alpha
	}
	if params.Interpolation == "" {
		params.Interpolation = s.cfg.Preview.Interpolation
	}
	return registration.Preview(ctx, params)
}
