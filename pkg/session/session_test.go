package session

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"maskregistration/internal/models"
	"maskregistration/pkg/config"
	"maskregistration/pkg/dicomio"
	"maskregistration/pkg/nifti"
	"maskregistration/pkg/registration"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Registration.NumCores = 2
	cfg.Registration.TempDir = t.TempDir()
	return cfg
}

// writeInputs creates two echoes of a 4x3x4 acquisition and a mask with one
// label on slice 2
func writeInputs(t *testing.T) (folder, maskFile string) {
	t.Helper()
	dir := t.TempDir()
	folder = filepath.Join(dir, "series")
	dicomio.MustWriteTestSeries(folder, dicomio.TestSeries{
		Rows:   3,
		Cols:   4,
		Slices: 4,
		Echoes: 2,
		Pixel: func(echo, slice, row, col int) uint16 {
			return uint16(50*echo + row + col + slice)
		},
	})

	mask := models.NewLabeledVolume(models.GeometryFrame{
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
		Size:      [3]int{4, 3, 4},
	})
	mask.Set(1, 1, 2, 3)
	mask.Set(2, 1, 2, 3)

	maskFile = filepath.Join(dir, "mask.nii.gz")
	if err := nifti.NewCodec().WriteLabels(maskFile, mask); err != nil {
		t.Fatalf("Failed to write mask: %v", err)
	}
	return folder, maskFile
}

func TestLoadSeries(t *testing.T) {
	folder, maskFile := writeInputs(t)
	s := New(testConfig(t))

	info, err := s.LoadSeries(Source, folder)
	if err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if info.Echoes != 2 || info.Slices != 4 {
		t.Errorf("Expected 2 echoes of 4 slices, got %+v", info)
	}

	if err := s.SetEcho(Source, 1); err != nil {
		t.Errorf("SetEcho(1) failed: %v", err)
	}
	if err := s.SetEcho(Source, 2); err == nil {
		t.Error("Expected an error for echo 2")
	}
	if err := s.SetEcho(Target, 0); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded for the target, got %v", err)
	}

	mask, err := s.LoadMask(maskFile)
	if err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}
	if mask.Slices != 4 || len(mask.Labels) != 1 || mask.Labels[0] != 3 {
		t.Errorf("Unexpected mask info %+v", mask)
	}

	if _, err := s.LoadSeries("left", folder); err == nil {
		t.Error("Expected an error for an unknown side")
	}
	if _, err := s.LoadSeries(Target, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, registration.ErrInputNotFound) {
		t.Errorf("Expected ErrInputNotFound, got %v", err)
	}
}

func TestSubmitRequiresInputs(t *testing.T) {
	folder, _ := writeInputs(t)
	s := New(testConfig(t))

	if _, err := s.Submit(context.Background(), registration.Auto, 1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded without inputs, got %v", err)
	}

	if _, err := s.LoadSeries(Source, folder); err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if _, err := s.Submit(context.Background(), registration.Auto, 1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded without a mask, got %v", err)
	}
}

func TestUnknownTask(t *testing.T) {
	s := New(nil)
	if _, err := s.Status("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Status: expected ErrTaskNotFound, got %v", err)
	}
	if _, err := s.Wait(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Wait: expected ErrTaskNotFound, got %v", err)
	}
	if _, err := s.Export(filepath.Join(t.TempDir(), "out")); !errors.Is(err, ErrNoResult) {
		t.Errorf("Export: expected ErrNoResult, got %v", err)
	}
	if _, err := s.Relation(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Relation: expected ErrNotLoaded, got %v", err)
	}
}

// TestSessionRegistration runs a registration through the task registry and
// exports the result
func TestSessionRegistration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end registration in short mode")
	}

	folder, maskFile := writeInputs(t)
	s := New(testConfig(t))
	if _, err := s.LoadSeries(Source, folder); err != nil {
		t.Fatalf("LoadSeries(source) failed: %v", err)
	}
	if _, err := s.LoadSeries(Target, folder); err != nil {
		t.Fatalf("LoadSeries(target) failed: %v", err)
	}
	if _, err := s.LoadMask(maskFile); err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}

	id, err := s.Submit(context.Background(), registration.Auto, 1)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	task, err := s.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if task.State != Done {
		t.Fatalf("Expected task done, got %s: %s", task.State, task.Message)
	}
	if task.Result.UsedDirection != registration.Normal {
		t.Errorf("Expected direction normal, got %s", task.Result.UsedDirection)
	}
	if task.Finished.Before(task.Started) {
		t.Error("Expected the finish time after the start time")
	}

	dest, err := s.Export(filepath.Join(t.TempDir(), "exported"))
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if filepath.Ext(dest) != ".gz" || filepath.Base(dest) != "exported.nii.gz" {
		t.Errorf("Expected a .nii.gz export, got %s", dest)
	}
	exported, err := nifti.NewCodec().ReadLabels(dest)
	if err != nil {
		t.Fatalf("Failed to read export: %v", err)
	}
	if labels, voxels := exported.Stats(); labels != 1 || voxels != 2 {
		t.Errorf("Expected 1 label on 2 voxels, got %d labels on %d voxels", labels, voxels)
	}

	rel, err := s.Relation()
	if err != nil {
		t.Fatalf("Relation failed: %v", err)
	}
	if rel.Error || rel.Warning || rel.PctA != 100 {
		t.Errorf("Expected full overlap, got %+v", rel.Overlap)
	}

	data, err := s.Preview(context.Background(), registration.PreviewParams{Index: 2}, true)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("Preview is not a PNG: %v", err)
	}
}

// TestFailedTask checks that a registration error is reported through the
// task state
func TestFailedTask(t *testing.T) {
	folder, maskFile := writeInputs(t)
	s := New(testConfig(t))
	if _, err := s.LoadSeries(Source, folder); err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if _, err := s.LoadSeries(Target, folder); err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if _, err := s.LoadMask(maskFile); err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}
	if err := os.Remove(maskFile); err != nil {
		t.Fatalf("Failed to remove mask: %v", err)
	}
	s.SetOutput(filepath.Join(t.TempDir(), "out.nii.gz"))

	id, err := s.Submit(context.Background(), registration.Normal, 1)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	task, err := s.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if task.State != Failed || task.Message == "" {
		t.Errorf("Expected a failed task with a message, got %+v", task)
	}
	if _, err := s.Export(filepath.Join(t.TempDir(), "out")); !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult after a failure, got %v", err)
	}
}
