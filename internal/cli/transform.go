package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"maskregistration/pkg/registration"
)

var transformFlags struct {
	source, mask, target, output string
	direction                    string
	subpixel, cores              int
	tempDir                      string
	warnings                     bool
	saveIntermediary             bool
	intermediaryDir              string
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Register a source mask onto a target acquisition",
	Long: `Resample the mask drawn on the source DICOM folder onto the grid of the
target DICOM folder and write it as NIfTI.

With --direction auto both slice orders of the target are tried and the one
that keeps more labels (then more labelled voxels) wins; ties go to normal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &transformFlags
		rc := cfg.Registration

		direction := rc.Direction
		if cmd.Flags().Changed("direction") {
			direction = f.direction
		}
		dir, err := registration.ParseDirection(direction)
		if err != nil {
			return err
		}

		params := &registration.Params{
			SourceFolder:            f.source,
			SourceMaskFile:          f.mask,
			TargetFolder:            f.target,
			OutputFile:              f.output,
			Direction:               dir,
			SubpixelFactor:          rc.SubpixelFactor,
			NumCores:                rc.NumCores,
			TempDir:                 rc.TempDir,
			SurfaceWarnings:         rc.SurfaceWarnings,
			SaveIntermediaryResults: f.saveIntermediary,
			IntermediaryDir:         f.intermediaryDir,
		}
		if cmd.Flags().Changed("subpixel") {
			params.SubpixelFactor = f.subpixel
		}
		if cmd.Flags().Changed("cores") {
			params.NumCores = f.cores
		}
		if cmd.Flags().Changed("temp-dir") {
			params.TempDir = f.tempDir
		}
		if cmd.Flags().Changed("warnings") {
			params.SurfaceWarnings = f.warnings
		}
		if params.SaveIntermediaryResults && params.IntermediaryDir == "" {
			params.IntermediaryDir = filepath.Join(filepath.Dir(f.output), "intermediary_results")
		}

		startTime := time.Now()
		result, err := registration.NewRegistrar(params).Process(cmd.Context())
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(w, result)
		}

		printSuccess(w, fmt.Sprintf("Registration completed in %.2f seconds", time.Since(startTime).Seconds()))
		printLabelValue(w, "Output", result.OutputFile)
		printLabelValue(w, "Direction", result.UsedDirection)

		directions := make([]string, 0, len(result.Scores))
		for d := range result.Scores {
			directions = append(directions, string(d))
		}
		sort.Strings(directions)
		for _, d := range directions {
			printLabelValue(w, "Score "+d, result.Scores[registration.Direction(d)])
		}
		for _, warning := range result.Warnings {
			printWarning(w, warning)
		}
		if params.SaveIntermediaryResults {
			printLabelValue(w, "Intermediary results", params.IntermediaryDir)
		}
		return nil
	},
}

func init() {
	f := &transformFlags
	transformCmd.Flags().StringVar(&f.source, "source", "", "Folder of the acquisition the mask was drawn on")
	transformCmd.Flags().StringVar(&f.mask, "mask", "", "NIfTI label mask of the source acquisition")
	transformCmd.Flags().StringVar(&f.target, "target", "", "Folder of the acquisition to register onto")
	transformCmd.Flags().StringVarP(&f.output, "output", "o", "", "Output NIfTI file (.nii or .nii.gz)")
	transformCmd.Flags().StringVar(&f.direction, "direction", "auto", "Target slice order: auto, normal or reverse")
	transformCmd.Flags().IntVar(&f.subpixel, "subpixel", 1, "Z refinement factor used to keep thin structures")
	transformCmd.Flags().IntVar(&f.cores, "cores", 0, "Number of CPU cores to use (default: all available)")
	transformCmd.Flags().StringVar(&f.tempDir, "temp-dir", "", "Parent directory of the working directory")
	transformCmd.Flags().BoolVar(&f.warnings, "warnings", false, "Report series anomalies and mask truncation")
	transformCmd.Flags().BoolVar(&f.saveIntermediary, "save-intermediary", false, "Save the source mask volume and every candidate")
	transformCmd.Flags().StringVar(&f.intermediaryDir, "intermediary-dir", "", "Directory to save intermediary results")
	for _, name := range []string{"source", "mask", "target", "output"} {
		_ = transformCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(transformCmd)
}
